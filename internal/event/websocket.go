package event

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketForwarder relays Bus events to connected WebSocket clients, for
// the external admin-UI collaborator (out of scope here beyond this wire).
// Grounded on the teacher's WebSocketHub: a client set guarded by a mutex,
// fed by a single fan-out goroutine reading the bus subscription channel.
type WebSocketForwarder struct {
	bus    *Bus
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewWebSocketForwarder subscribes to bus and starts the fan-out goroutine.
func NewWebSocketForwarder(bus *Bus, logger *zap.SugaredLogger) *WebSocketForwarder {
	f := &WebSocketForwarder{
		bus:     bus,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
	}
	ch, _ := bus.Subscribe()
	go f.run(ch)
	return f
}

func (f *WebSocketForwarder) run(ch <-chan Event) {
	for e := range ch {
		f.mu.RLock()
		for client := range f.clients {
			if err := client.WriteJSON(e); err != nil {
				client.Close()
				delete(f.clients, client)
			}
		}
		f.mu.RUnlock()
	}
}

// HandleWebSocket upgrades the connection and registers it as a recipient.
func (f *WebSocketForwarder) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

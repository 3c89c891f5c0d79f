// Package event implements C8: an in-process publish/subscribe bus for pool
// state changes and log lines. Subscribers never block a publisher — a
// subscriber whose channel is full has its event silently dropped, the
// policy spec.md §4.8 requires.
package event

import (
	"sync"
	"time"
)

// Kind enumerates the event kinds the core emits.
type Kind string

const (
	KindProviderHealthy   Kind = "provider_healthy"
	KindProviderUnhealthy Kind = "provider_unhealthy"
	KindProviderDisabled  Kind = "provider_disabled"
	KindProviderEnabled   Kind = "provider_enabled"
	KindTokenRefreshed    Kind = "token_refreshed"
	KindPoolReloaded      Kind = "pool_reloaded"
	KindLogLine           Kind = "log_line"
)

// Event is one published occurrence.
type Event struct {
	Kind         Kind
	ProviderUUID string
	Detail       string
	Time         time.Time
}

const subscriberBuffer = 64

// Bus is a single-process pub/sub hub. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus returns a ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is buffered; a full channel causes
// Publish to drop the event for that subscriber rather than block.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish fans e out to every subscriber, non-blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// SubscriberCount reports the current subscriber count (diagnostics).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

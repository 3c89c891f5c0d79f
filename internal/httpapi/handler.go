// Package httpapi implements spec.md §6's external HTTP surface: the
// OpenAI/Anthropic/Gemini-shaped endpoints that terminate inbound client
// requests, translate them through internal/wire, and hand them to
// internal/dispatch. Grounded on the teacher's internal/handler/proxy.go —
// same detect-extract-execute-write shape, generalized from one combined
// client-type switch to one handler method per dialect's route.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/awsl-project/maxxgate/internal/adapter/provider"
	"github.com/awsl-project/maxxgate/internal/config"
	"github.com/awsl-project/maxxgate/internal/dispatch"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
	"github.com/awsl-project/maxxgate/internal/usage"
	"github.com/awsl-project/maxxgate/internal/wire"
)

// ModelLister returns the model ids this gateway advertises for a dialect.
type ModelLister func(ctx context.Context) []string

// Handler serves the proxy's external HTTP API.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	apiKey     string
	models     ModelLister
	logger     *zap.SugaredLogger
}

// New builds a Handler. apiKey, if non-empty, is required on every request
// (spec.md §6's inbound auth). models backs the /v1/models-shaped routes.
func New(d *dispatch.Dispatcher, cfg *config.Config, models ModelLister, logger *zap.SugaredLogger) *Handler {
	return &Handler{dispatcher: d, apiKey: cfg.RequiredAPIKey, models: models, logger: logger}
}

// ChatCompletions serves POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.WireFormatOpenAI, "")
}

// Messages serves POST /v1/messages.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.WireFormatAnthropic, "")
}

// CountTokens serves POST /v1/messages/count_tokens: a local estimate, no
// upstream call, matching the teacher's own passthrough-disabled behavior
// for this route (see internal/handler/proxy.go's count_tokens branch).
func (h *Handler) CountTokens(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.writeErr(w, domain.WireFormatAnthropic, &domain.ProtocolError{Detail: "failed to read request body"})
		return
	}
	reqCtx, err := wire.ParseRequest(domain.WireFormatAnthropic, body, "")
	if err != nil {
		h.writeErr(w, domain.WireFormatAnthropic, err)
		return
	}
	tokens := usage.CountTokens(reqCtx)
	writeJSON(w, http.StatusOK, map[string]any{"input_tokens": tokens})
}

// GenerateContent serves POST /v1beta/models/{model}:generateContent.
func (h *Handler) GenerateContent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.WireFormatGemini, geminiPathModel(r.URL.Path, "generateContent"))
}

// StreamGenerateContent serves POST /v1beta/models/{model}:streamGenerateContent.
func (h *Handler) StreamGenerateContent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.WireFormatGemini, geminiPathModel(r.URL.Path, "streamGenerateContent"))
}

// ListModels serves GET /v1/models and /v1beta/models.
func (h *Handler) ListModels(format domain.WireFormat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorize(w, r) {
			return
		}
		ids := h.models(r.Context())
		body, err := wire.EncodeModelList(format, ids)
		if err != nil {
			h.writeErr(w, format, err)
			return
		}
		writeBody(w, http.StatusOK, "application/json", body)
	}
}

// Health serves GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeBody(w, http.StatusOK, "application/json", []byte(`{"status":"ok"}`))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, format domain.WireFormat, pathModel string) {
	if r.Method != http.MethodPost {
		h.writeErr(w, format, &domain.ProtocolError{Detail: "method not allowed"})
		return
	}
	if !h.authorize(w, r) {
		return
	}

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.writeErr(w, format, &domain.ProtocolError{Detail: "failed to read request body"})
		return
	}

	reqCtx, err := wire.ParseRequest(format, body, pathModel)
	if err != nil {
		h.writeErr(w, format, err)
		return
	}
	reqCtx.ResponseModel = reqCtx.RequestModel
	reqCtx.StartTime = time.Now()

	if h.logger != nil {
		h.logger.Infow("dispatch request", "format", format, "model", reqCtx.RequestModel, "stream", reqCtx.Stream)
	}

	if reqCtx.Stream {
		h.serveStream(w, r.Context(), reqCtx)
		return
	}
	h.serveOnce(w, r.Context(), reqCtx)
}

func (h *Handler) serveOnce(w http.ResponseWriter, ctx context.Context, reqCtx *domain.RequestContext) {
	msg, u, err := h.dispatcher.Generate(ctx, reqCtx)
	if err != nil {
		h.writeErr(w, reqCtx.WireFormat, err)
		return
	}
	body, err := wire.EncodeResponse(reqCtx, msg, u)
	if err != nil {
		h.writeErr(w, reqCtx.WireFormat, err)
		return
	}
	writeBody(w, http.StatusOK, "application/json", body)
}

func (h *Handler) serveStream(w http.ResponseWriter, ctx context.Context, reqCtx *domain.RequestContext) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := wire.NewStreamEncoder(reqCtx)
	wrote := false
	emit := func(ev provider.StreamEvent) error {
		if !wrote {
			w.Write(enc.Begin(0))
			wrote = true
		}
		if ev.Done {
			w.Write(enc.End(ev.StopReason, ev.Usage))
		} else {
			w.Write(enc.Event(ev))
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := h.dispatcher.Stream(ctx, reqCtx, emit); err != nil {
		if !wrote {
			// Nothing emitted yet: still an SSE body (headers are already
			// sent), so the error must ride inside the stream itself.
			body, _ := wire.EncodeError(reqCtx.WireFormat, err)
			w.Write(body)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if h.logger != nil {
			h.logger.Warnw("stream failed", "format", reqCtx.WireFormat, "error", err)
		}
	}
}

// authorize checks spec.md §6's inbound credential forms. A configured
// apiKey is required to match exactly one of them; an empty apiKey disables
// the check entirely (local/dev deployments).
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.apiKey == "" {
		return true
	}
	if key := extractAPIKey(r); key == h.apiKey {
		return true
	}
	h.writeErr(w, formatFromPath(r.URL.Path), &domain.AuthError{Reason: "missing or invalid API key"})
	return false
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

func (h *Handler) writeErr(w http.ResponseWriter, format domain.WireFormat, err error) {
	body, status := wire.EncodeError(format, err)
	writeBody(w, status, "application/json", body)
}

func formatFromPath(path string) domain.WireFormat {
	switch {
	case strings.HasPrefix(path, "/v1beta/"):
		return domain.WireFormatGemini
	case strings.HasPrefix(path, "/v1/messages"):
		return domain.WireFormatAnthropic
	default:
		return domain.WireFormatOpenAI
	}
}

// geminiPathModel pulls {model} out of "/v1beta/models/{model}:verb".
func geminiPathModel(path, verb string) string {
	const prefix = "/v1beta/models/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	return strings.TrimSuffix(rest, ":"+verb)
}

func writeJSON(w http.ResponseWriter, status int, v map[string]any) {
	body, err := jsonutil.Marshal(v)
	if err != nil {
		writeBody(w, http.StatusInternalServerError, "application/json", []byte(`{"error":"internal error"}`))
		return
	}
	writeBody(w, status, "application/json", body)
}

func writeBody(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

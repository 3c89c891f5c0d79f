// Package provider defines the uniform adapter contract every concrete
// upstream (Kiro, Gemini-CLI, Antigravity, Qwen, iFlow, OpenAI-compatible,
// Claude-compatible) implements, and the factory registry dispatch uses to
// instantiate one per ProviderRecord.
package provider

import (
	"context"

	"github.com/awsl-project/maxxgate/internal/domain"
)

// StreamEvent is one chunk of a streaming generation, already reduced to the
// canonical shape; the dispatch pipeline's C3 reshaper turns these into the
// caller's requested wire dialect.
type StreamEvent struct {
	TextDelta    string
	ToolUseStart *domain.CanonicalPart // Type == PartToolUse, Input empty
	ToolUseDelta string                // partial JSON, associated with the most recent ToolUseStart
	ToolUseStop  bool
	Usage        *domain.Usage
	Done         bool
	StopReason   string
}

// HealthResult is healthCheck's outcome.
type HealthResult struct {
	OK        bool
	ModelName string
	Error     string
}

// ProviderAdapter is the uniform capability set spec.md §4.4 names.
type ProviderAdapter interface {
	// Initialize performs any one-time, idempotent setup (e.g. priming a
	// token cache). Safe to call more than once.
	Initialize(ctx context.Context, record *domain.ProviderRecord) error

	// Generate performs a non-streaming call, returning a canonical response message.
	Generate(ctx context.Context, record *domain.ProviderRecord, model string, reqCtx *domain.RequestContext) (*domain.CanonicalMessage, *domain.Usage, error)

	// Stream performs a streaming call, delivering StreamEvents to emit.
	// emit returning an error aborts the stream (client disconnect).
	Stream(ctx context.Context, record *domain.ProviderRecord, model string, reqCtx *domain.RequestContext, emit func(StreamEvent) error) error

	// CountTokens is a best-effort, pure function of reqCtx; never errors.
	CountTokens(reqCtx *domain.RequestContext) int

	// ListModels returns the model ids visible from this provider.
	ListModels(ctx context.Context, record *domain.ProviderRecord) ([]string, error)

	// HealthCheck issues a minimal generate call against a cheap default
	// model. A health probe must never increment the provider's usageCount.
	HealthCheck(ctx context.Context, record *domain.ProviderRecord, force bool) (HealthResult, error)

	// GetUsageLimits returns a provider-specific usage/quota shape, or
	// NotSupportedError if the provider doesn't expose one.
	GetUsageLimits(ctx context.Context, record *domain.ProviderRecord) (map[string]any, error)
}

// AdapterFactory builds a ProviderAdapter for one provider type.
type AdapterFactory func() (ProviderAdapter, error)

var adapterFactories = map[domain.ProviderType]AdapterFactory{}

// RegisterAdapterFactory registers an adapter factory for a provider type.
// Concrete adapter packages call this from an init().
func RegisterAdapterFactory(pt domain.ProviderType, factory AdapterFactory) {
	adapterFactories[pt] = factory
}

// GetAdapterFactory returns the adapter factory for a provider type.
func GetAdapterFactory(pt domain.ProviderType) (AdapterFactory, bool) {
	f, ok := adapterFactories[pt]
	return f, ok
}

// Package dispatch implements the auth-select-call-retry-fallback pipeline:
// the orchestrator that sits between the external HTTP surface and C4's
// adapters. Its retry/backoff/fallback shape is grounded on the teacher's
// internal/executor/executor.go route loop, generalized from the teacher's
// DB-backed routes to the pool's provider-type fallback chain.
package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/awsl-project/maxxgate/internal/adapter/provider"
	"github.com/awsl-project/maxxgate/internal/config"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/pool"
	"github.com/awsl-project/maxxgate/internal/refresh"
	"github.com/awsl-project/maxxgate/internal/usage"
)

// Dispatcher owns one request's journey from canonical request context to
// canonical result, trying the configured provider type first and falling
// back across the pool's fallback chain on exhaustion.
type Dispatcher struct {
	pool       *pool.Manager
	refresher  *refresh.Refresher
	logger     *zap.SugaredLogger
	maxRetries int
	baseDelay  time.Duration
	nearWindow time.Duration
	initial    domain.ProviderType

	mu       sync.Mutex
	adapters map[domain.ProviderType]provider.ProviderAdapter
}

// New builds a Dispatcher from the running config and the already-loaded
// pool/refresher.
func New(poolMgr *pool.Manager, refresher *refresh.Refresher, cfg *config.Config, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		pool:       poolMgr,
		refresher:  refresher,
		logger:     logger,
		maxRetries: cfg.RequestMaxRetries,
		baseDelay:  cfg.RequestBaseDelay,
		nearWindow: cfg.CronNearMinutes,
		initial:    domain.ProviderType(cfg.ModelProvider),
		adapters:   make(map[domain.ProviderType]provider.ProviderAdapter),
	}
}

// candidateTypes returns the initial provider type followed by the pool's
// fallback chain, with the initial type deduplicated out of the chain.
func (d *Dispatcher) candidateTypes() []domain.ProviderType {
	types := []domain.ProviderType{d.initial}
	for _, pt := range d.pool.FallbackChain() {
		if pt == d.initial {
			continue
		}
		types = append(types, pt)
	}
	return types
}

// adapterFor lazily builds and caches one adapter instance per provider
// type; adapters are stateless across records (the record travels through
// every call) so sharing one instance is safe.
func (d *Dispatcher) adapterFor(pt domain.ProviderType) (provider.ProviderAdapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.adapters[pt]; ok {
		return a, nil
	}
	factory, ok := provider.GetAdapterFactory(pt)
	if !ok {
		return nil, &domain.NotSupportedError{Adapter: string(pt), Capability: "adapter"}
	}
	a, err := factory()
	if err != nil {
		return nil, err
	}
	d.adapters[pt] = a
	return a, nil
}

// modelFor resolves which model id to send to pt: the requested model if pt
// lists it, else the first entry of the model-fallback mapping that pt
// lists, else the requested model unchanged (let the adapter reject it).
func (d *Dispatcher) modelFor(ctx context.Context, pt domain.ProviderType, record *domain.ProviderRecord, a provider.ProviderAdapter, requested string) string {
	if mapped, ok := record.ModelMapping[requested]; ok && mapped != "" {
		return mapped
	}
	candidates := append([]string{requested}, d.pool.ModelFallbacks(requested)...)
	models, err := a.ListModels(ctx, record)
	if err != nil || len(models) == 0 {
		return requested
	}
	allowed := make(map[string]bool, len(models))
	for _, m := range models {
		allowed[m] = true
	}
	for _, c := range candidates {
		if allowed[c] {
			return c
		}
	}
	return requested
}

// ensureFresh refreshes record's credential in place if it's within the
// near-expiry window. NotSupportedError (the provider has no refresh
// exchanger, e.g. a static-API-key backend) is not an error here.
func (d *Dispatcher) ensureFresh(ctx context.Context, record *domain.ProviderRecord) error {
	if !refresh.NeedsRefresh(record.Credential, time.Now(), d.nearWindow) {
		return nil
	}
	cred, err := d.refresher.Refresh(ctx, record)
	if err != nil {
		if _, notSupported := err.(*domain.NotSupportedError); notSupported {
			return nil
		}
		return err
	}
	d.pool.UpdateCredential(record, cred)
	record.Credential = cred
	return nil
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.baseDelay
	for i := 0; i < attempt; i++ {
		wait *= 2
	}
	return wait
}

// fillUsage supplies a local-tokenization input-token estimate when an
// adapter didn't report one, per spec.md §4.6's usage-reporting fallback.
func fillUsage(u *domain.Usage, reqCtx *domain.RequestContext) *domain.Usage {
	if u == nil {
		u = &domain.Usage{}
	}
	if u.InputTokens == 0 {
		u.InputTokens = usage.CountTokens(reqCtx)
	}
	return u
}

// sleepOrDone waits for d, returning ctx.Err() if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Generate runs the full auth-select-call-retry-fallback pipeline for a
// non-streaming request.
func (d *Dispatcher) Generate(ctx context.Context, reqCtx *domain.RequestContext) (*domain.CanonicalMessage, *domain.Usage, error) {
	var lastErr error
	for _, pt := range d.candidateTypes() {
		msg, u, record, err := d.generateOnType(ctx, pt, reqCtx)
		if err == nil {
			reqCtx.ChosenProvider = record
			return msg, u, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = domain.ErrAllProvidersFailed
	}
	return nil, nil, lastErr
}

func (d *Dispatcher) generateOnType(ctx context.Context, pt domain.ProviderType, reqCtx *domain.RequestContext) (*domain.CanonicalMessage, *domain.Usage, *domain.ProviderRecord, error) {
	a, err := d.adapterFor(pt)
	if err != nil {
		return nil, nil, nil, err
	}

	forbiddenRetried := false
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		reqCtx.AttemptCount++

		record, err := d.pool.Select(pt)
		if err != nil {
			return nil, nil, nil, err
		}

		if err := a.Initialize(ctx, record); err != nil {
			d.pool.MarkUnhealthy(record, err.Error())
			lastErr = err
			continue
		}
		if err := d.ensureFresh(ctx, record); err != nil {
			d.pool.MarkUnhealthy(record, err.Error())
			lastErr = err
			continue
		}

		model := d.modelFor(ctx, pt, record, a, reqCtx.RequestModel)
		msg, u, err := a.Generate(ctx, record, model, reqCtx)
		if err == nil {
			d.pool.MarkHealthy(record, model)
			return msg, fillUsage(u, reqCtx), record, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}

		proxyErr, ok := err.(*domain.ProxyError)
		if !ok {
			d.pool.MarkUnhealthy(record, err.Error())
			return nil, nil, nil, err
		}
		d.pool.MarkUnhealthy(record, proxyErr.Error())

		if proxyErr.Status == http.StatusForbidden && !forbiddenRetried {
			forbiddenRetried = true
			if _, err := d.refresher.Refresh(ctx, record); err == nil {
				attempt-- // one-shot: this refresh-and-retry doesn't count against MaxRetries
				continue
			}
		}

		if !proxyErr.Retryable {
			break
		}
		if attempt < d.maxRetries {
			if err := sleepOrDone(ctx, d.backoff(attempt)); err != nil {
				return nil, nil, nil, err
			}
		}
	}
	return nil, nil, nil, lastErr
}

// Stream runs the same pipeline for a streaming request, delivering events
// through emit. Once emit has been called at least once, a subsequent
// upstream failure is no longer retried or fallen-back-on: content has
// already reached the client and a second attempt would duplicate or
// contradict it.
func (d *Dispatcher) Stream(ctx context.Context, reqCtx *domain.RequestContext, emit func(provider.StreamEvent) error) error {
	var lastErr error
	for _, pt := range d.candidateTypes() {
		err := d.streamOnType(ctx, pt, reqCtx, emit)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if pse, ok := err.(partialStreamError); ok {
			return pse.err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = domain.ErrAllProvidersFailed
	}
	return lastErr
}

// partialStreamError marks a stream failure that happened after content was
// already emitted to the client: it must propagate as-is, never retried.
type partialStreamError struct{ err error }

func (p partialStreamError) Error() string { return p.err.Error() }

func (d *Dispatcher) streamOnType(ctx context.Context, pt domain.ProviderType, reqCtx *domain.RequestContext, emit func(provider.StreamEvent) error) error {
	a, err := d.adapterFor(pt)
	if err != nil {
		return err
	}

	forbiddenRetried := false
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		reqCtx.AttemptCount++

		record, err := d.pool.Select(pt)
		if err != nil {
			return err
		}

		if err := a.Initialize(ctx, record); err != nil {
			d.pool.MarkUnhealthy(record, err.Error())
			lastErr = err
			continue
		}
		if err := d.ensureFresh(ctx, record); err != nil {
			d.pool.MarkUnhealthy(record, err.Error())
			lastErr = err
			continue
		}

		model := d.modelFor(ctx, pt, record, a, reqCtx.RequestModel)
		emitted := false
		wrapped := func(ev provider.StreamEvent) error {
			emitted = true
			return emit(ev)
		}
		err = a.Stream(ctx, record, model, reqCtx, wrapped)
		if err == nil {
			d.pool.MarkHealthy(record, model)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if emitted {
			return partialStreamError{err}
		}

		proxyErr, ok := err.(*domain.ProxyError)
		if !ok {
			d.pool.MarkUnhealthy(record, err.Error())
			return err
		}
		d.pool.MarkUnhealthy(record, proxyErr.Error())

		if proxyErr.Status == http.StatusForbidden && !forbiddenRetried {
			forbiddenRetried = true
			if _, err := d.refresher.Refresh(ctx, record); err == nil {
				attempt--
				continue
			}
		}

		if !proxyErr.Retryable {
			break
		}
		if attempt < d.maxRetries {
			if err := sleepOrDone(ctx, d.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

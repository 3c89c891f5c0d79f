// Package pool implements C5: the provider pool manager. It owns the
// in-memory provider records, decides selection, tracks health, and
// persists the pool document to the JSON file atomically.
//
// The locking and logging shape here is grounded on the teacher's
// cooldown.Manager: a single sync.RWMutex guarding map state, with every
// mutation logged and the in-memory change committed before the (best
// effort) persistence write.
package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/event"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
)

// Manager owns the provider pool state.
type Manager struct {
	mu   sync.RWMutex
	pool *domain.ProviderPool

	filePath      string
	maxErrorCount int

	bus    *event.Bus
	logger *zap.SugaredLogger
}

// NewManager loads (or initializes) the pool from filePath.
func NewManager(filePath string, maxErrorCount int, bus *event.Bus, logger *zap.SugaredLogger) (*Manager, error) {
	m := &Manager{
		filePath:      filePath,
		maxErrorCount: maxErrorCount,
		bus:           bus,
		logger:        logger,
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// reload reads the pool file from disk, replacing in-memory state. Missing
// file is not an error: an empty pool is created in that case.
func (m *Manager) reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.pool = domain.NewProviderPool()
			return nil
		}
		return fmt.Errorf("pool: reading %s: %w", m.filePath, err)
	}

	var doc map[domain.ProviderType][]*domain.ProviderRecord
	if err := jsonutil.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("pool: parsing %s: %w", m.filePath, err)
	}

	pool := domain.NewProviderPool()
	for pt, records := range doc {
		pool.Providers[pt] = records
	}
	m.pool = pool
	return nil
}

// Reload re-reads the pool file and emits pool_reloaded.
func (m *Manager) Reload() error {
	if err := m.reload(); err != nil {
		return err
	}
	m.emit(event.Event{Kind: event.KindPoolReloaded, Time: time.Now()})
	return nil
}

// Select returns the oldest-lastUsed enabled+healthy provider of pt, updating
// lastUsed at selection time so concurrent selectors diverge (per the
// LRU policy spec.md's §9 Open Question resolves on).
func (m *Manager) Select(pt domain.ProviderType) (*domain.ProviderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.pool.Providers[pt]
	var best *domain.ProviderRecord
	for _, r := range records {
		if !r.Selectable() || !r.IsHealthy {
			continue
		}
		if best == nil || r.LastUsed.Before(best.LastUsed) {
			best = r
		}
	}
	if best == nil {
		return nil, domain.ErrNoProviders
	}

	best.LastUsed = time.Now()
	best.UsageCount++
	go m.persist()
	return best, nil
}

// MarkHealthy resets error accounting and records model as the last probed
// model, if given. Called both after a real successful call and by
// CheckHealth after a probe; neither path touches usageCount here, since
// CheckHealth never goes through Select.
func (m *Manager) MarkHealthy(p *domain.ProviderRecord, model string) {
	m.mu.Lock()
	wasUnhealthy := !p.IsHealthy
	p.IsHealthy = true
	p.ErrorCount = 0
	p.LastHealthCheckTime = time.Now()
	if model != "" {
		p.LastHealthCheckModel = model
	}
	m.mu.Unlock()

	if wasUnhealthy {
		m.logger.Infow("provider recovered", "uuid", p.UUID, "type", p.ProviderType)
		m.emit(event.Event{Kind: event.KindProviderHealthy, ProviderUUID: p.UUID, Time: time.Now()})
	}
	go m.persist()
}

// MarkUnhealthy records a failure. At most once per request per provider is
// the caller's responsibility (dispatch calls this once per failed attempt).
func (m *Manager) MarkUnhealthy(p *domain.ProviderRecord, reason string) {
	m.mu.Lock()
	p.ErrorCount++
	p.LastErrorTime = time.Now()
	becameUnhealthy := false
	if p.ErrorCount >= m.maxErrorCount && p.IsHealthy {
		p.IsHealthy = false
		becameUnhealthy = true
	}
	m.mu.Unlock()

	m.logger.Warnw("provider error", "uuid", p.UUID, "type", p.ProviderType, "errorCount", p.ErrorCount, "reason", reason)
	if becameUnhealthy {
		m.emit(event.Event{Kind: event.KindProviderUnhealthy, ProviderUUID: p.UUID, Time: time.Now(), Detail: reason})
	}
	go m.persist()
}

// Disable marks p non-selectable.
func (m *Manager) Disable(p *domain.ProviderRecord) {
	m.mu.Lock()
	p.IsDisabled = true
	m.mu.Unlock()
	m.emit(event.Event{Kind: event.KindProviderDisabled, ProviderUUID: p.UUID, Time: time.Now()})
	go m.persist()
}

// Enable marks p selectable again.
func (m *Manager) Enable(p *domain.ProviderRecord) {
	m.mu.Lock()
	p.IsDisabled = false
	m.mu.Unlock()
	m.emit(event.Event{Kind: event.KindProviderEnabled, ProviderUUID: p.UUID, Time: time.Now()})
	go m.persist()
}

// ResetHealth zeroes error accounting and marks every provider of pt healthy.
func (m *Manager) ResetHealth(pt domain.ProviderType) {
	m.mu.Lock()
	for _, r := range m.pool.Providers[pt] {
		r.IsHealthy = true
		r.ErrorCount = 0
	}
	m.mu.Unlock()
	go m.persist()
}

// Providers returns a snapshot of every record for pt.
func (m *Manager) Providers(pt domain.ProviderType) []*domain.ProviderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.ProviderRecord, len(m.pool.Providers[pt]))
	copy(out, m.pool.Providers[pt])
	return out
}

// FallbackChain returns the configured ordered provider-type fallback list.
func (m *Manager) FallbackChain() []domain.ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ProviderType, len(m.pool.FallbackChain))
	copy(out, m.pool.FallbackChain)
	return out
}

// SetFallbackChain replaces the fallback chain (used by config wiring at startup).
func (m *Manager) SetFallbackChain(chain []domain.ProviderType) {
	m.mu.Lock()
	m.pool.FallbackChain = chain
	m.mu.Unlock()
}

// ModelFallbacks returns the candidate substitute models for model, if configured.
func (m *Manager) ModelFallbacks(model string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.pool.ModelFallbacks[model]...)
}

// SetModelFallbacks replaces the model fallback mapping.
func (m *Manager) SetModelFallbacks(mapping map[string][]string) {
	m.mu.Lock()
	m.pool.ModelFallbacks = mapping
	m.mu.Unlock()
}

// UpdateCredential replaces a provider's credential after a successful
// refresh and persists.
func (m *Manager) UpdateCredential(p *domain.ProviderRecord, cred domain.Credential) {
	m.mu.Lock()
	p.Credential = cred
	m.mu.Unlock()
	m.emit(event.Event{Kind: event.KindTokenRefreshed, ProviderUUID: p.UUID, Time: time.Now()})
	go m.persist()
}

// AllDueForRefresh returns every provider record across all types whose
// expiresAt falls within nearWindow of now, for the scheduled refresh sweep.
func (m *Manager) AllDueForRefresh(now time.Time, nearWindow time.Duration) []*domain.ProviderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*domain.ProviderRecord
	for _, records := range m.pool.Providers {
		for _, r := range records {
			exp := r.Credential.ExpiresAtTime()
			if exp.IsZero() {
				continue
			}
			if exp.Sub(now) < nearWindow {
				due = append(due, r)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UUID < due[j].UUID })
	return due
}

// persist writes the full pool document to disk via write-to-temp-then-rename.
// Failures are logged but do not roll back the in-memory mutation, per the
// eventual-consistency choice spec.md §4.5 calls for.
func (m *Manager) persist() {
	m.mu.RLock()
	doc := m.pool.Providers
	raw, err := jsonutil.MarshalIndent(doc, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		m.logger.Errorw("pool: marshal failed", "error", err)
		return
	}

	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		m.logger.Errorw("pool: mkdir failed", "dir", dir, "error", err)
		return
	}

	tmp, err := os.CreateTemp(dir, ".pool-*.tmp")
	if err != nil {
		m.logger.Errorw("pool: temp file failed", "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		m.logger.Errorw("pool: write failed", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		m.logger.Errorw("pool: close failed", "error", err)
		return
	}
	if err := os.Rename(tmpPath, m.filePath); err != nil {
		os.Remove(tmpPath)
		m.logger.Errorw("pool: rename failed", "error", err)
		return
	}
}

// HealthOutcome is one provider's result from a CheckHealth sweep.
type HealthOutcome struct {
	ProviderUUID string
	OK           bool
	ModelName    string
	Error        string
}

// Prober performs the actual adapter-level health probe; pool stays
// decoupled from the C4 adapter registry and just reports transitions.
type Prober func(ctx context.Context, record *domain.ProviderRecord, force bool) (ok bool, modelName string, err error)

// CheckHealth issues a health probe (via probe) against every provider of pt
// and records the outcome through MarkHealthy/MarkUnhealthy, per spec.md
// §4.5. It never goes through Select, so usageCount is untouched.
func (m *Manager) CheckHealth(ctx context.Context, pt domain.ProviderType, force bool, probe Prober) []HealthOutcome {
	records := m.Providers(pt)
	results := make([]HealthOutcome, 0, len(records))
	for _, r := range records {
		ok, modelName, err := probe(ctx, r, force)
		outcome := HealthOutcome{ProviderUUID: r.UUID, OK: ok, ModelName: modelName}
		if err != nil {
			outcome.Error = err.Error()
		}
		if ok {
			m.MarkHealthy(r, modelName)
		} else {
			m.MarkUnhealthy(r, outcome.Error)
		}
		results = append(results, outcome)
	}
	return results
}

func (m *Manager) emit(e event.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

// RefreshSweep is run periodically (CRON_REFRESH_TOKEN) by the caller; it
// walks every due provider and invokes refreshOne, which is expected to call
// the C2 refresher and UpdateCredential on success, MarkUnhealthy on failure.
func (m *Manager) RefreshSweep(ctx context.Context, nearWindow time.Duration, refreshOne func(context.Context, *domain.ProviderRecord) error) {
	due := m.AllDueForRefresh(time.Now(), nearWindow)
	for _, r := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := refreshOne(ctx, r); err != nil {
			m.logger.Warnw("scheduled refresh failed", "uuid", r.UUID, "error", err)
		}
	}
}

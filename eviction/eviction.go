// Package eviction removes cached content by TTL, storage pressure, size
// and entry count.
package eviction

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/media-cache/content"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Policy names, in the order a sweep applies them.
const (
	PolicyOrphan   = "orphan"
	PolicyTTL      = "ttl"
	PolicyLRU      = "lru"
	PolicyCritical = "critical"
	PolicyCount    = "count"
)

// Config holds eviction configuration.
type Config struct {
	// StorageThreshold is the usage/quota ratio at which LRU eviction
	// starts. It evicts down to 0.7 of the threshold.
	StorageThreshold float64

	// CriticalThreshold is the usage/quota ratio at which the largest
	// entries are evicted first, down to 0.8 of the threshold.
	CriticalThreshold float64

	// MaxEntries caps the number of cached objects. Zero disables the cap.
	MaxEntries int

	// CheckInterval is how often to sweep. Default is 1 hour.
	CheckInterval time.Duration

	// Logger for eviction events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		StorageThreshold:  0.8,
		CriticalThreshold: 0.9,
		MaxEntries:        50,
		CheckInterval:     1 * time.Hour,
		Logger:            slog.Default(),
	}
}

const (
	lruTargetFactor      = 0.7
	criticalTargetFactor = 0.8
)

// Store is the content store being swept. *content.Cache implements it.
type Store interface {
	List(ctx context.Context) ([]*content.Entry, error)
	ByAccess(ctx context.Context) ([]*content.Entry, error)
	Delete(ctx context.Context, id string) error
	Estimate(ctx context.Context) (content.Estimate, error)
	DefaultTTL() time.Duration
}

// Reconciler repairs disagreement between stored files and the index.
// Stores that implement it are reconciled at the start of each sweep.
type Reconciler interface {
	Reconcile(ctx context.Context) (content.Reconciliation, error)
}

// Result contains the results of a sweep.
type Result struct {
	OrphansRemoved  int           `json:"orphans_removed"`
	TTLExpired      int           `json:"ttl_expired"`
	LRUEvicted      int           `json:"lru_evicted"`
	CriticalEvicted int           `json:"critical_evicted"`
	CountEvicted    int           `json:"count_evicted"`
	BytesFreed      int64         `json:"bytes_freed"`
	Errors          int           `json:"errors"`
	Duration        time.Duration `json:"duration"`
	// Skipped is set when a sweep was already running.
	Skipped  bool      `json:"skipped,omitempty"`
	Finished time.Time `json:"finished"`
}

// Deleted returns the total number of entries removed.
func (r *Result) Deleted() int {
	return r.TTLExpired + r.LRUEvicted + r.CriticalEvicted + r.CountEvicted
}

// Manager runs eviction sweeps.
type Manager struct {
	config Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	sweeping atomic.Bool
	last     atomic.Pointer[Result]

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new eviction manager.
func NewManager(store Store, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.StorageThreshold <= 0 {
		cfg.StorageThreshold = def.StorageThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = def.CriticalThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		config: cfg,
		store:  store,
		logger: cfg.Logger.With("component", "eviction"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs a sweep immediately and then every CheckInterval until Stop
// or ctx is done. A stopped manager cannot be restarted.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for an in-flight sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// LastResult returns the result of the most recent completed sweep, or nil.
func (m *Manager) LastResult() *Result {
	return m.last.Load()
}

// IsExpired reports whether e has outlived its TTL.
func (m *Manager) IsExpired(e *content.Entry) bool {
	return !m.now().Before(content.ExpiresAt(e, m.store.DefaultTTL()))
}

// TimeUntilExpiration returns how long e has left, or zero once expired.
func (m *Manager) TimeUntilExpiration(e *content.Entry) time.Duration {
	return max(content.ExpiresAt(e, m.store.DefaultTTL()).Sub(m.now()), 0)
}

// CheckEntry deletes id if it has expired and reports whether it did.
func (m *Manager) CheckEntry(ctx context.Context, id string) (bool, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return false, err
	}
	idx := slices.IndexFunc(entries, func(e *content.Entry) bool { return e.ObjectID == id })
	if idx < 0 {
		return false, content.ErrNotFound
	}
	if !m.IsExpired(entries[idx]) {
		return false, nil
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return false, err
	}
	telemetry.RecordEviction(ctx, PolicyTTL, 1, entries[idx].Size)
	return true, nil
}

// RunOnce performs a single sweep. If a sweep is already running it
// returns immediately with Skipped set.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	if !m.sweeping.CompareAndSwap(false, true) {
		m.logger.Debug("sweep already running, skipping")
		return &Result{Skipped: true}
	}
	defer m.sweeping.Store(false)

	start := m.now()
	result := &Result{}

	m.logger.Debug("starting eviction sweep")

	m.reconcile(ctx, result)
	m.expireByTTL(ctx, result)
	m.evictByLRU(ctx, result)
	m.evictBySize(ctx, result)
	m.evictByCount(ctx, result)

	result.Finished = m.now()
	result.Duration = result.Finished.Sub(start)
	m.last.Store(result)
	telemetry.RecordEvictionCycle(ctx, result.Duration)

	if result.Deleted() > 0 || result.OrphansRemoved > 0 || result.Errors > 0 {
		m.logger.Info("eviction complete",
			"orphans_removed", result.OrphansRemoved,
			"ttl_expired", result.TTLExpired,
			"lru_evicted", result.LRUEvicted,
			"critical_evicted", result.CriticalEvicted,
			"count_evicted", result.CountEvicted,
			"bytes_freed", result.BytesFreed,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("eviction complete, nothing to evict")
	}

	return result
}

func (m *Manager) reconcile(ctx context.Context, result *Result) {
	r, ok := m.store.(Reconciler)
	if !ok {
		return
	}
	rec, err := r.Reconcile(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("reconcile incomplete", "error", err)
		result.Errors++
	}
	result.OrphansRemoved = rec.OrphanFiles + rec.DanglingEntries
	result.BytesFreed += rec.BytesFreed
	telemetry.RecordEviction(ctx, PolicyOrphan, result.OrphansRemoved, rec.BytesFreed)
}

func (m *Manager) expireByTTL(ctx context.Context, result *Result) {
	entries, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("failed to list entries", "error", err)
		result.Errors++
		return
	}

	var freed int64
	deleted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !m.IsExpired(e) {
			continue
		}
		if !m.delete(ctx, e, PolicyTTL, result) {
			continue
		}
		deleted++
		freed += e.Size
	}
	result.TTLExpired = deleted
	telemetry.RecordEviction(ctx, PolicyTTL, deleted, freed)
}

// evictByLRU deletes least recently used entries while usage is above the
// storage threshold, re-estimating after every deletion.
func (m *Manager) evictByLRU(ctx context.Context, result *Result) {
	threshold := m.config.StorageThreshold
	deleted, freed := m.evictUntil(ctx, result, PolicyLRU, threshold, threshold*lruTargetFactor, m.store.ByAccess)
	result.LRUEvicted = deleted
	telemetry.RecordEviction(ctx, PolicyLRU, deleted, freed)
}

// evictBySize deletes the largest entries first while usage is above the
// critical threshold.
func (m *Manager) evictBySize(ctx context.Context, result *Result) {
	threshold := m.config.CriticalThreshold
	largestFirst := func(ctx context.Context) ([]*content.Entry, error) {
		entries, err := m.store.List(ctx)
		if err != nil {
			return nil, err
		}
		slices.SortStableFunc(entries, func(a, b *content.Entry) int {
			switch {
			case a.Size > b.Size:
				return -1
			case a.Size < b.Size:
				return 1
			}
			return 0
		})
		return entries, nil
	}
	deleted, freed := m.evictUntil(ctx, result, PolicyCritical, threshold, threshold*criticalTargetFactor, largestFirst)
	result.CriticalEvicted = deleted
	telemetry.RecordEviction(ctx, PolicyCritical, deleted, freed)
}

func (m *Manager) evictUntil(
	ctx context.Context,
	result *Result,
	policy string,
	trigger, target float64,
	candidates func(context.Context) ([]*content.Entry, error),
) (int, int64) {
	est, err := m.store.Estimate(ctx)
	if err != nil {
		m.logger.Error("failed to estimate usage", "policy", policy, "error", err)
		result.Errors++
		return 0, 0
	}
	if est.Quota <= 0 || est.Ratio() < trigger {
		return 0, 0
	}

	entries, err := candidates(ctx)
	if err != nil {
		m.logger.Error("failed to list entries", "policy", policy, "error", err)
		result.Errors++
		return 0, 0
	}

	var freed int64
	deleted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !m.delete(ctx, e, policy, result) {
			continue
		}
		deleted++
		freed += e.Size

		est, err = m.store.Estimate(ctx)
		if err != nil {
			m.logger.Error("failed to estimate usage", "policy", policy, "error", err)
			result.Errors++
			break
		}
		if est.Ratio() <= target {
			break
		}
	}
	return deleted, freed
}

// evictByCount deletes least recently used entries beyond MaxEntries.
func (m *Manager) evictByCount(ctx context.Context, result *Result) {
	if m.config.MaxEntries <= 0 {
		return
	}
	entries, err := m.store.ByAccess(ctx)
	if err != nil {
		m.logger.Error("failed to list entries", "policy", PolicyCount, "error", err)
		result.Errors++
		return
	}

	var freed int64
	deleted := 0
	remaining := len(entries)
	for _, e := range entries {
		if remaining <= m.config.MaxEntries || ctx.Err() != nil {
			break
		}
		if !m.delete(ctx, e, PolicyCount, result) {
			continue
		}
		remaining--
		deleted++
		freed += e.Size
	}
	result.CountEvicted = deleted
	telemetry.RecordEviction(ctx, PolicyCount, deleted, freed)
}

func (m *Manager) delete(ctx context.Context, e *content.Entry, policy string, result *Result) bool {
	if err := m.store.Delete(ctx, e.ObjectID); err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		m.logger.Warn("failed to evict entry",
			"policy", policy,
			"object_id", e.ObjectID,
			"error", err,
		)
		result.Errors++
		return false
	}
	result.BytesFreed += e.Size
	m.logger.Debug("evicted entry",
		"policy", policy,
		"object_id", e.ObjectID,
		"size", e.Size,
		"last_access", e.AccessedAt(),
	)
	return true
}

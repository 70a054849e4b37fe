package eviction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/eviction/policy"
	"github.com/lucasew/swcache/internal/metrics"
)

// ErrNoStore is returned when a pass runs before a store was attached.
var ErrNoStore = errors.New("store not initialized")

// Config configures a Manager.
type Config struct {
	Policies []policy.Policy
	Strategy Strategy
	// MaxAge removes entries older than this on every pass. Zero disables
	// age-based eviction.
	MaxAge time.Duration
	// Interval between scheduled passes. Zero disables the ticker; passes
	// then only run on Schedule or RunEviction.
	Interval time.Duration
	Now      func() time.Time
	Metrics  *metrics.Metrics
}

// Result summarizes one eviction pass.
type Result struct {
	Store      string
	Expired    int
	Trimmed    int
	SizeBefore int64
	SizeAfter  int64
}

// Manager runs eviction passes against the current mobile store.
type Manager struct {
	mu    sync.RWMutex
	store Store

	policies []policy.Policy
	strategy Strategy
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics

	// pass serializes RunEviction; trigger coalesces Schedule calls.
	pass    sync.Mutex
	trigger chan struct{}
}

// NewManager creates a new eviction Manager.
func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		policies: cfg.Policies,
		strategy: cfg.Strategy,
		maxAge:   cfg.MaxAge,
		interval: cfg.Interval,
		now:      now,
		metrics:  cfg.Metrics,
		trigger:  make(chan struct{}, 1),
	}
}

// SetStore attaches the store passes run against. The lifecycle controller
// swaps it on every activation.
func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

func (m *Manager) currentStore() Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

// LoadInitialState measures the attached store and logs its size.
func (m *Manager) LoadInitialState(ctx context.Context) error {
	store := m.currentStore()
	if store == nil {
		return ErrNoStore
	}
	cands, total, err := Scan(ctx, store)
	if err != nil {
		return err
	}
	m.metrics.EvictionPass(total)
	slog.Info("Initial cache state loaded", "store", store.Name(), "count", len(cands), "size", total)
	return nil
}

// Start runs scheduled and requested passes until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-m.trigger:
		}
		if _, err := m.RunEviction(ctx); err != nil && !errors.Is(err, ErrNoStore) {
			errutil.ReportError(err, "Eviction pass failed")
		}
	}
}

// Schedule asks the Start loop for a pass without waiting for it. Calls made
// while a request is already pending are merged.
func (m *Manager) Schedule() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// RunEviction removes expired entries and then trims the store if any
// policy reports it over budget.
func (m *Manager) RunEviction(ctx context.Context) (Result, error) {
	store := m.currentStore()
	if store == nil {
		return Result{}, ErrNoStore
	}

	m.pass.Lock()
	defer m.pass.Unlock()

	res := Result{Store: store.Name()}

	expired, err := CleanupExpired(ctx, store, m.maxAge, m.now())
	if err != nil {
		return res, err
	}
	res.Expired = expired
	m.metrics.Evicted("expired", expired)

	_, current, err := Scan(ctx, store)
	if err != nil {
		return res, err
	}
	res.SizeBefore, res.SizeAfter = current, current

	var maxToFree int64
	for _, p := range m.policies {
		toFree, err := p.BytesToFree(current)
		if err != nil {
			slog.Error("Failed to check capacity policy", "error", err)
			continue
		}
		if toFree > maxToFree {
			maxToFree = toFree
		}
	}

	if maxToFree > 0 && m.strategy != nil {
		trim, err := TrimToSize(ctx, store, current-maxToFree, m.strategy)
		if err != nil {
			return res, err
		}
		res.Trimmed = trim.Removed
		res.SizeAfter = trim.SizeAfter
		m.metrics.Evicted("size", trim.Removed)
	}

	m.metrics.EvictionPass(res.SizeAfter)
	return res, nil
}

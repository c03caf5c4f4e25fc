package eviction

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/convcache/internal/errutil"
	"github.com/lucasew/convcache/internal/eviction/policy"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = 10 * time.Minute

// Config controls the background GC task.
type Config struct {
	Enabled bool
	// SweepInterval is the production interval between sweeps.
	SweepInterval time.Duration
	// TestSweepInterval overrides SweepInterval when set.
	TestSweepInterval time.Duration
}

// Interval returns the effective wait between two sweeps.
func (c Config) Interval() time.Duration {
	if c.TestSweepInterval > 0 {
		return c.TestSweepInterval
	}
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return DefaultSweepInterval
}

// Stats are process lifetime GC diagnostics.
type Stats struct {
	GCCalls      int64     `json:"gc_calls"`
	GCRuns       int64     `json:"gc_runs"`
	LastRun      time.Time `json:"last_run,omitzero"`
	LastFreedKB  int64     `json:"last_freed_kb"`
	TotalFreedKB int64     `json:"total_freed_kb"`
	Running      bool      `json:"running"`
}

// Manager reclaims cache disk space by evicting entries.
type Manager struct {
	store    Store
	policies []policy.Policy
	strategy Strategy
	cfg      Config

	// serializes sweeps from the background task and manual triggers
	sweepMu sync.Mutex

	gcCalls      atomic.Int64
	gcRuns       atomic.Int64
	lastRun      atomic.Int64
	lastFreedKB  atomic.Int64
	totalFreedKB atomic.Int64
	running      atomic.Bool
}

// NewManager creates a new GC manager.
func NewManager(store Store, policies []policy.Policy, strategy Strategy, cfg Config) *Manager {
	return &Manager{
		store:    store,
		policies: policies,
		strategy: strategy,
		cfg:      cfg,
	}
}

// Start runs the background GC loop until ctx is cancelled.
// It sweeps once immediately, then once per interval.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		slog.Info("GC task disabled")
		return
	}
	if !m.running.CompareAndSwap(false, true) {
		slog.Warn("GC task already running")
		return
	}
	defer m.running.Store(false)

	interval := m.cfg.Interval()
	slog.Info("GC task started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.GCIfNeeded()

		select {
		case <-ctx.Done():
			slog.Info("GC task stopped")
			return
		case <-ticker.C:
		}
	}
}

// Running reports whether the background loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// CacheSizeKB sums the size of every entry. Keys are snapshotted first and then
// looked up one by one, so the total may already be stale when it is returned.
func (m *Manager) CacheSizeKB() int64 {
	var total int64
	for _, key := range m.store.Keys() {
		if c, ok := m.store.Candidate(key); ok {
			total += c.SizeKB
		}
	}
	return total
}

// GCIfNeeded asks every policy how much space to reclaim and sweeps when any asks.
// It returns the KB freed.
func (m *Manager) GCIfNeeded() int64 {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	m.gcCalls.Add(1)

	current := m.CacheSizeKB()
	var toFree int64
	for _, p := range m.policies {
		kb, err := p.KBToFree(current)
		if err != nil {
			errutil.ReportError(err, "Failed to check capacity policy")
			continue
		}
		if kb > toFree {
			toFree = kb
		}
	}

	if toFree <= 0 {
		slog.Debug("Cache under limits", "size", humanizeKB(current))
		return 0
	}

	m.gcRuns.Add(1)
	slog.Info("Cache over limits, sweeping", "size", humanizeKB(current), "to_free", humanizeKB(toFree))
	return m.doGC(toFree)
}

// DoGC evicts entries in strategy order until at least deltaKB were freed.
func (m *Manager) DoGC(deltaKB int64) int64 {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	return m.doGC(deltaKB)
}

func (m *Manager) doGC(deltaKB int64) int64 {
	keys := m.store.Keys()
	candidates := make([]Candidate, 0, len(keys))
	for _, key := range keys {
		if c, ok := m.store.Candidate(key); ok {
			candidates = append(candidates, c)
		}
	}

	var freed int64
	var evicted int
	for _, victim := range m.strategy.Order(candidates) {
		if freed >= deltaKB {
			break
		}
		removed, err := m.store.Remove(victim.Key)
		if err != nil {
			errutil.ReportError(err, "Failed to evict cache entry", "key", victim.Key)
			continue
		}
		if !removed {
			continue
		}
		freed += victim.SizeKB
		evicted++
	}

	m.lastRun.Store(time.Now().UnixNano())
	m.lastFreedKB.Store(freed)
	m.totalFreedKB.Add(freed)

	slog.Info("Evicted cache entries", "count", evicted, "freed", humanizeKB(freed), "requested", humanizeKB(deltaKB))
	return freed
}

// Stats returns a snapshot of the GC counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		GCCalls:      m.gcCalls.Load(),
		GCRuns:       m.gcRuns.Load(),
		LastFreedKB:  m.lastFreedKB.Load(),
		TotalFreedKB: m.totalFreedKB.Load(),
		Running:      m.running.Load(),
	}
	if ns := m.lastRun.Load(); ns != 0 {
		s.LastRun = time.Unix(0, ns)
	}
	return s
}

func humanizeKB(kb int64) string {
	if kb < 0 {
		return "-" + humanize.IBytes(uint64(-kb)*1024)
	}
	return humanize.IBytes(uint64(kb) * 1024)
}

// Package pool keeps the in-memory view of the credential set, picks the
// credential each outbound call should use and accounts for what it consumed.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/events"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

// DefaultStoreTimeout bounds each store call made by the pool.
const DefaultStoreTimeout = 3 * time.Second

// Manager is the credential pool. Build one with New, call Initialize before
// serving and Shutdown on exit.
type Manager struct {
	store   store.CredentialStore
	log     logger.Logger
	now     func() time.Time
	timeout time.Duration
	wcfg    WriterConfig

	cache  *cache
	writer *usageWriter

	// pending holds usage applied to the cache but not yet persisted,
	// keyed by credential ID. Guarded by pendingMu.
	pendingMu sync.Mutex
	pending   map[string]int64

	initMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStoreTimeout bounds every load and usage write.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithUsageWriter tunes retries of the asynchronous usage writer.
func WithUsageWriter(cfg WriterConfig) Option {
	return func(m *Manager) { m.wcfg = cfg }
}

// New builds a pool over st and starts its usage writer.
func New(st store.CredentialStore, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		log:     logger.NewNop(),
		now:     time.Now,
		timeout: DefaultStoreTimeout,
		wcfg:    DefaultWriterConfig,
		cache:   newCache(),
		pending: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.writer = newUsageWriter(st, m.log.With(logger.String("component", "usage_writer")), m.wcfg, m.timeout, m.now)
	m.writer.settled = m.settle
	m.writer.start()
	return m
}

// Initialize loads the credential set once. Later calls are no-ops.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if loaded, _ := m.cache.status(); loaded {
		return nil
	}
	return m.Refresh(ctx)
}

// Refresh replaces the cache with a fresh load. On failure the previous
// cache is kept and the error returned.
func (m *Manager) Refresh(ctx context.Context) error {
	// No usage write may commit between the load and the overlay below.
	m.writer.writeMu.Lock()
	defer m.writer.writeMu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	rows, err := m.store.ListCredentials(loadCtx)
	if err != nil {
		m.log.Warn("pool refresh failed, keeping previous cache",
			logger.Int("cached", m.cache.count()),
			logger.Error(err))
		return fmt.Errorf("refresh pool: %w", err)
	}

	m.cache.replace(m.now(), func() map[string]*entry {
		m.pendingMu.Lock()
		defer m.pendingMu.Unlock()

		entries := make(map[string]*entry, len(rows))
		for _, c := range rows {
			cred := c.Clone()
			cred.UsageToday = domain.AddUsage(cred.UsageToday, m.pending[cred.ID])
			entries[cred.ID] = &entry{cred: cred}
		}
		return entries
	})

	m.log.Debug("pool refreshed",
		logger.Int("credentials", len(rows)),
		logger.Duration("took", m.now().Sub(start)))
	return nil
}

// HandleMutation refreshes the pool after an admin write.
func (m *Manager) HandleMutation(ctx context.Context, evt events.PoolMutated) error {
	m.log.Debug("pool mutation received",
		logger.String("reason", evt.Reason),
		logger.Strings("ids", evt.IDs))
	return m.Refresh(ctx)
}

// SelectCredential returns a copy of the eligible credential with the lowest
// usage ratio, preferring the least recently used on ties. It never does I/O.
func (m *Manager) SelectCredential() (domain.Credential, error) {
	m.cache.mu.RLock()
	defer m.cache.mu.RUnlock()

	var (
		best  domain.Credential
		found bool
	)
	for _, e := range m.cache.entries {
		c := e.snapshot()
		if !c.Eligible() {
			continue
		}
		if !found || better(&c, &best) {
			best, found = c, true
		}
	}
	if !found {
		return domain.Credential{}, domain.ErrPoolExhausted
	}
	return best, nil
}

// better reports whether a should be preferred over b.
func better(a, b *domain.Credential) bool {
	switch {
	case a.LessLoaded(b):
		return true
	case b.LessLoaded(a):
		return false
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	return a.ID < b.ID
}

// RecordUsage reports the outcome of a call made with credential id.
// Success adds cost, clamped to [1, domain.MaxUsageCost], to the usage
// counter, which saturates instead of wrapping. Both outcomes
// refresh LastUsedAt. The cache is updated before returning and the store
// asynchronously. Unknown IDs are ignored.
func (m *Manager) RecordUsage(ctx context.Context, id string, outcome domain.Outcome, cost int64) {
	if outcome != domain.OutcomeSuccess {
		cost = 0
	} else {
		cost = domain.ClampCost(cost)
	}
	now := m.now()

	known := m.cache.withEntry(id, func(e *entry) {
		e.mu.Lock()
		e.cred.UsageToday = domain.AddUsage(e.cred.UsageToday, cost)
		t := now
		e.cred.LastUsedAt = &t
		e.mu.Unlock()

		if cost > 0 {
			m.pendingMu.Lock()
			m.pending[id] = domain.AddUsage(m.pending[id], cost)
			m.pendingMu.Unlock()
		}
	})
	if !known {
		m.log.Debug("usage reported for unknown credential",
			logger.String("credential_id", id),
			logger.String("outcome", outcome.String()))
		return
	}

	if !m.writer.enqueue(id, cost, now) {
		m.log.Error("usage recorded after shutdown, not persisted",
			logger.String("credential_id", id),
			logger.Int64("amount", cost))
		m.settle(id, cost)
	}
}

// settle forgets usage that is now either persisted or abandoned.
func (m *Manager) settle(id string, amount int64) {
	if amount == 0 {
		return
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if left := m.pending[id] - amount; left > 0 {
		m.pending[id] = left
	} else {
		delete(m.pending, id)
	}
}

// Snapshot returns copies of every cached credential, oldest first.
func (m *Manager) Snapshot() []domain.Credential {
	return m.cache.all()
}

// Stats summarises the cached pool.
type Stats struct {
	Total         int       `json:"total"`
	Active        int       `json:"active"`
	Exhausted     int       `json:"exhausted"`
	Eligible      int       `json:"eligible"`
	UsageToday    int64     `json:"usage_today"`
	LimitPerDay   int64     `json:"limit_per_day"`
	PendingWrites int       `json:"pending_writes"`
	Initialized   bool      `json:"initialized"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
}

func (m *Manager) Stats() Stats {
	var s Stats
	for _, c := range m.cache.all() {
		s.Total++
		if c.Active {
			s.Active++
			s.UsageToday += c.UsageToday
			s.LimitPerDay += c.LimitPerDay
		}
		if c.Exhausted() {
			s.Exhausted++
		}
		if c.Eligible() {
			s.Eligible++
		}
	}
	s.PendingWrites = m.writer.pending()
	s.Initialized, s.LastRefreshAt = m.cache.status()
	return s
}

// Initialized reports whether at least one load has succeeded.
func (m *Manager) Initialized() bool {
	loaded, _ := m.cache.status()
	return loaded
}

// Shutdown flushes queued usage writes, giving up when ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.writer.shutdown(ctx); err != nil {
		return fmt.Errorf("flush usage writes: %w", err)
	}
	m.log.Info("credential pool stopped")
	return nil
}

package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

// WriterConfig tunes the asynchronous usage writer.
type WriterConfig struct {
	// MaxAttempts is the number of store writes tried before a usage delta is
	// given up on and reported at error level.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultWriterConfig retries five times between 200ms and 10s apart.
var DefaultWriterConfig = WriterConfig{
	MaxAttempts: 5,
	BaseBackoff: 200 * time.Millisecond,
	MaxBackoff:  10 * time.Second,
}

// pendingWrite is the not yet persisted usage of one credential. Deltas
// recorded while a write is outstanding are merged into the same record.
type pendingWrite struct {
	amount    int64
	usedAt    time.Time
	attempts  int
	notBefore time.Time
}

func (p *pendingWrite) merge(o *pendingWrite) {
	p.amount = domain.AddUsage(p.amount, o.amount)
	if o.usedAt.After(p.usedAt) {
		p.usedAt = o.usedAt
	}
	if o.attempts > p.attempts {
		p.attempts = o.attempts
	}
	if o.notBefore.After(p.notBefore) {
		p.notBefore = o.notBefore
	}
}

// usageWriter persists usage out of band. Work is coalesced per credential,
// so enqueueing never blocks and memory stays bounded by the pool size.
type usageWriter struct {
	store   store.CredentialStore
	log     logger.Logger
	cfg     WriterConfig
	timeout time.Duration
	now     func() time.Time

	// settled is called once per delta, after it was written or given up on.
	settled func(id string, amount int64)

	// writeMu is held for the duration of each store call. Refresh takes it
	// so a load never races a write.
	writeMu sync.Mutex

	mu     sync.Mutex
	dirty  map[string]*pendingWrite
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newUsageWriter(st store.CredentialStore, log logger.Logger, cfg WriterConfig, timeout time.Duration, now func() time.Time) *usageWriter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultWriterConfig.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultWriterConfig.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &usageWriter{
		store:   st,
		log:     log,
		cfg:     cfg,
		timeout: timeout,
		now:     now,
		settled: func(string, int64) {},
		dirty:   make(map[string]*pendingWrite),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *usageWriter) start() {
	go w.loop()
}

// enqueue schedules amount (0 for a bare last-used touch). Returns false
// once the writer has been stopped.
func (w *usageWriter) enqueue(id string, amount int64, usedAt time.Time) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	p := &pendingWrite{amount: amount, usedAt: usedAt}
	if cur, ok := w.dirty[id]; ok {
		cur.merge(p)
	} else {
		w.dirty[id] = p
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *usageWriter) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}

func (w *usageWriter) loop() {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.wake:
		case <-timer.C:
		case <-w.stop:
			return
		}

		next := w.drain(false)
		if !next.IsZero() {
			timer.Reset(time.Until(next))
		}
	}
}

// drain writes every due record. With force set, backoff deadlines are
// ignored. Returns the earliest deadline still waiting, or zero.
func (w *usageWriter) drain(force bool) time.Time {
	now := w.now()
	due := make(map[string]*pendingWrite)

	w.mu.Lock()
	for id, p := range w.dirty {
		if force || !p.notBefore.After(now) {
			due[id] = p
			delete(w.dirty, id)
		}
	}
	w.mu.Unlock()

	for id, p := range due {
		w.write(id, p)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var next time.Time
	for _, p := range w.dirty {
		if next.IsZero() || p.notBefore.Before(next) {
			next = p.notBefore
		}
	}
	return next
}

func (w *usageWriter) write(id string, p *pendingWrite) {
	// Settling happens under writeMu too, otherwise a refresh could see the
	// committed row and still overlay the same delta.
	w.writeMu.Lock()
	err := w.persist(id, p)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		w.settled(id, p.amount)
	}
	w.writeMu.Unlock()

	switch {
	case err == nil:
		return
	case errors.Is(err, store.ErrNotFound):
		// Deleted since it was selected; there is nothing left to count against.
		w.log.Debug("usage for deleted credential discarded",
			logger.String("credential_id", id),
			logger.Int64("amount", p.amount))
		return
	}

	p.attempts++
	if p.attempts >= w.cfg.MaxAttempts {
		w.log.Error("usage write abandoned after retries",
			logger.String("credential_id", id),
			logger.Int64("amount", p.amount),
			logger.Int("attempts", p.attempts),
			logger.Error(err))
		w.settled(id, p.amount)
		return
	}

	backoff := w.backoff(p.attempts)
	p.notBefore = w.now().Add(backoff)
	w.log.Warn("usage write failed, will retry",
		logger.String("credential_id", id),
		logger.Int64("amount", p.amount),
		logger.Int("attempt", p.attempts),
		logger.Duration("next_retry_in", backoff),
		logger.Error(err))

	w.mu.Lock()
	if cur, ok := w.dirty[id]; ok {
		cur.merge(p)
	} else {
		w.dirty[id] = p
	}
	w.mu.Unlock()
}

func (w *usageWriter) persist(id string, p *pendingWrite) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if p.amount > 0 {
		return w.store.IncrementUsage(ctx, id, p.amount, p.usedAt)
	}
	return w.store.TouchCredential(ctx, id, p.usedAt)
}

func (w *usageWriter) backoff(attempt int) time.Duration {
	d := w.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}

// shutdown stops the loop and makes one last forced pass over whatever is
// still queued, then keeps retrying failures until ctx is done.
func (w *usageWriter) shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		w.drain(true)
		if w.pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			w.abandonAll(ctx.Err())
			return ctx.Err()
		case <-time.After(w.cfg.BaseBackoff):
		}
	}
}

func (w *usageWriter) abandonAll(cause error) {
	w.mu.Lock()
	left := w.dirty
	w.dirty = make(map[string]*pendingWrite)
	w.mu.Unlock()

	for id, p := range left {
		w.log.Error("usage write abandoned at shutdown",
			logger.String("credential_id", id),
			logger.Int64("amount", p.amount),
			logger.Error(cause))
		w.settled(id, p.amount)
	}
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/events"
	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// Usage reset policies.
const (
	ResetManual = "manual"
	ResetDaily  = "daily"
)

// ParseResetPolicy validates a policy name.
func ParseResetPolicy(s string) (string, error) {
	switch s {
	case ResetManual, ResetDaily:
		return s, nil
	default:
		return "", fmt.Errorf("unknown usage reset policy %q (want %s or %s)", s, ResetManual, ResetDaily)
	}
}

// UsageStore zeroes usage counters.
type UsageStore interface {
	ResetUsage(ctx context.Context, ids ...string) (int, error)
}

// Publisher announces committed mutations.
type Publisher interface {
	Publish(ctx context.Context, evt events.PoolMutated) error
}

// UsageResetter rolls usage counters over at UTC midnight when the policy
// is daily. With the manual policy it does nothing; operators reset through
// the admin API.
type UsageResetter struct {
	store  UsageStore
	bus    Publisher
	logger logger.Logger
	policy string
	now    func() time.Time
	stopCh chan struct{}
	done   chan struct{}
	// started is set by Start; Stop only waits on a loop that exists.
	started bool

	// after is time.After, replaceable in tests.
	after func(time.Duration) <-chan time.Time
}

func NewUsageResetter(store UsageStore, bus Publisher, log logger.Logger, policy string) *UsageResetter {
	return &UsageResetter{
		store:  store,
		bus:    bus,
		logger: log,
		policy: policy,
		now:    time.Now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		after:  time.After,
	}
}

// Start begins the rollover loop.
func (ur *UsageResetter) Start(ctx context.Context) error {
	ur.started = true
	if ur.policy != ResetDaily {
		ur.logger.Info("daily usage rollover disabled", logger.String("policy", ur.policy))
		close(ur.done)
		return nil
	}

	go func() {
		defer close(ur.done)
		for {
			next := NextMidnight(ur.now())
			ur.logger.Debug("next usage rollover scheduled", logger.Time("at", next))

			select {
			case <-ur.after(next.Sub(ur.now())):
				if err := ur.Reset(ctx); err != nil {
					ur.logger.Error("daily usage rollover failed", logger.Error(err))
				}
			case <-ur.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the resetter and waits for the loop to exit. It is safe to
// call on a resetter that was never started.
func (ur *UsageResetter) Stop() {
	close(ur.stopCh)
	if ur.started {
		<-ur.done
	}
}

// Reset zeroes every credential's usage and asks the pool to reload.
func (ur *UsageResetter) Reset(ctx context.Context) error {
	n, err := ur.store.ResetUsage(ctx)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	ur.logger.Info("daily usage rollover completed", logger.Int("credentials", n))

	if err := ur.bus.Publish(ctx, events.PoolMutated{Reason: events.ReasonDailyReset, At: ur.now()}); err != nil {
		return fmt.Errorf("reload pool after rollover: %w", err)
	}
	return nil
}

// NextMidnight returns the first UTC midnight strictly after t.
func NextMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}

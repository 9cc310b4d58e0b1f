package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/events"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/seed"
	"github.com/MrSnakeDoc/keypool/internal/store/memory"
)

type countingPool struct {
	inits     atomic.Int32
	refreshes atomic.Int32
	initErr   error
}

func (p *countingPool) Initialize(context.Context) error {
	p.inits.Add(1)
	return p.initErr
}

func (p *countingPool) Refresh(context.Context) error {
	p.refreshes.Add(1)
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.PoolMutated
}

func (b *recordingBus) Publish(_ context.Context, evt events.PoolMutated) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return nil
}

func (b *recordingBus) reasons() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Reason)
	}
	return out
}

func TestPoolRefresherManualTrigger(t *testing.T) {
	pool := &countingPool{}
	trigger := make(chan struct{}, 1)
	pr := NewPoolRefresher(pool, logger.NewNop(), time.Hour, trigger)

	require.NoError(t, pr.Start(context.Background()))
	defer pr.Stop()
	assert.Equal(t, int32(1), pool.inits.Load())

	trigger <- struct{}{}
	assert.Eventually(t, func() bool { return pool.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoolRefresherTicks(t *testing.T) {
	pool := &countingPool{}
	pr := NewPoolRefresher(pool, logger.NewNop(), 10*time.Millisecond, nil)

	require.NoError(t, pr.Start(context.Background()))
	defer pr.Stop()
	assert.Eventually(t, func() bool { return pool.refreshes.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPoolRefresherInitialLoadFails(t *testing.T) {
	pool := &countingPool{initErr: errors.New("store down")}
	pr := NewPoolRefresher(pool, logger.NewNop(), time.Hour, nil)

	err := pr.Start(context.Background())
	assert.ErrorContains(t, err, "store down")
}

func TestNextMidnight(t *testing.T) {
	at := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), NextMidnight(at))

	midnight := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, midnight.Add(24*time.Hour), NextMidnight(midnight))

	paris := time.FixedZone("CET", 3600)
	local := time.Date(2025, 6, 2, 0, 30, 0, 0, paris) // 23:30 UTC on June 1st
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), NextMidnight(local))
}

func TestParseResetPolicy(t *testing.T) {
	p, err := ParseResetPolicy("daily")
	require.NoError(t, err)
	assert.Equal(t, ResetDaily, p)

	_, err = ParseResetPolicy("weekly")
	assert.Error(t, err)
}

func TestUsageResetterDaily(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	st := memory.New(func() time.Time { return now })
	ctx := context.Background()

	c := &domain.Credential{Secret: "sk-rollover-aaaaaaaaaaaaaaa", Active: true, LimitPerDay: 10}
	require.NoError(t, st.CreateCredential(ctx, c))
	require.NoError(t, st.IncrementUsage(ctx, c.ID, 7, now))

	bus := &recordingBus{}
	ur := NewUsageResetter(st, bus, logger.NewNop(), ResetDaily)
	ur.now = func() time.Time { return now }

	fire := make(chan time.Time)
	waits := make(chan time.Duration, 4)
	ur.after = func(d time.Duration) <-chan time.Time {
		waits <- d
		return fire
	}

	require.NoError(t, ur.Start(ctx))
	assert.Equal(t, time.Hour, <-waits)

	fire <- now
	// The loop schedules the next rollover once the reset is done.
	<-waits
	ur.Stop()

	got, err := st.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsageToday)
	assert.Equal(t, []string{events.ReasonDailyReset}, bus.reasons())
}

func TestUsageResetterManualDoesNothing(t *testing.T) {
	bus := &recordingBus{}
	ur := NewUsageResetter(memory.New(time.Now), bus, logger.NewNop(), ResetManual)
	require.NoError(t, ur.Start(context.Background()))
	ur.Stop()
	assert.Empty(t, bus.reasons())
}

func TestSeederIsIdempotent(t *testing.T) {
	st := memory.New(time.Now)
	bus := &recordingBus{}
	s := NewSeeder("", st, bus, domain.DefaultSecretFormat, logger.NewNop())
	ctx := context.Background()

	f, err := seed.Parse([]byte(`
accounts:
  - identity: Admin
    secret: hunter2
credentials:
  - name: primary
    secret: sk-seeded-aaaaaaaaaaaaaaaaaa
    limit_per_day: 100
  - secret: sk-seeded-bbbbbbbbbbbbbbbbbb
    limit_per_day: 50
    active: false
`))
	require.NoError(t, err)

	require.NoError(t, s.Apply(ctx, f))
	require.NoError(t, s.Apply(ctx, f))

	acc, err := st.GetAccount(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, acc.Active)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(acc.SecretHash), []byte("hunter2")))

	creds, err := st.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Len(t, creds, 2)

	// Only the first run created anything.
	assert.Equal(t, []string{events.ReasonSeeded}, bus.reasons())
}

func TestSeederRejectsBadSecret(t *testing.T) {
	st := memory.New(time.Now)
	s := NewSeeder("", st, &recordingBus{}, domain.DefaultSecretFormat, logger.NewNop())

	f, err := seed.Parse([]byte("credentials:\n  - {secret: pk-wrong-prefix-aaaaaaaaaaa, limit_per_day: 5}\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Apply(context.Background(), f), domain.ErrInvalidCredentialFormat)
}

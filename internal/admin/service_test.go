package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/events"
	"github.com/MrSnakeDoc/keypool/internal/store"
	"github.com/MrSnakeDoc/keypool/internal/store/memory"
)

var now = time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)

type recorder struct {
	events []events.PoolMutated
	err    error
}

func (r *recorder) Publish(_ context.Context, evt events.PoolMutated) error {
	r.events = append(r.events, evt)
	return r.err
}

type stubUnlocker struct {
	identity string
	err      error
}

func (u *stubUnlocker) Unlock(_ context.Context, identity string) (*domain.Account, error) {
	u.identity = identity
	if u.err != nil {
		return nil, u.err
	}
	return &domain.Account{Identity: identity, Active: true}, nil
}

func setup(t *testing.T) (*Service, *memory.Store, *recorder) {
	t.Helper()
	st := memory.New(func() time.Time { return now })
	rec := &recorder{}
	svc := NewService(st, rec, &stubUnlocker{}, WithClock(func() time.Time { return now }))
	return svc, st, rec
}

const (
	secretA = "sk-aaaaaaaaaaaaaaaaaaaaaaaa"
	secretB = "sk-bbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestCreateCredential(t *testing.T) {
	svc, st, rec := setup(t)
	ctx := context.Background()

	c, err := svc.CreateCredential(ctx, domain.NewCredential{Name: " main ", Secret: " " + secretA + " ", LimitPerDay: 10, Active: true})
	require.NoError(t, err)
	assert.Equal(t, "main", c.Name)
	assert.Equal(t, secretA, c.Secret)

	stored, err := st.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.LimitPerDay)

	require.Len(t, rec.events, 1)
	assert.Equal(t, events.ReasonCreated, rec.events[0].Reason)
	assert.Equal(t, []string{c.ID}, rec.events[0].IDs)
	assert.Equal(t, now, rec.events[0].At)

	_, err = svc.CreateCredential(ctx, domain.NewCredential{Secret: secretA, LimitPerDay: 10})
	assert.ErrorIs(t, err, domain.ErrDuplicateCredential)
	assert.Len(t, rec.events, 1)
}

func TestCreateCredentialRejectsBadInput(t *testing.T) {
	svc, st, rec := setup(t)
	ctx := context.Background()

	_, err := svc.CreateCredential(ctx, domain.NewCredential{Secret: "pk-nope-nope-nope-nope-nope", LimitPerDay: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat)

	_, err = svc.CreateCredential(ctx, domain.NewCredential{Secret: secretA, LimitPerDay: 0})
	assert.ErrorIs(t, err, domain.ErrValidation)

	all, err := st.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, rec.events)
}

func TestCreateCredentialPublishFailure(t *testing.T) {
	svc, st, rec := setup(t)
	rec.err = errors.New("pool offline")

	c, err := svc.CreateCredential(context.Background(), domain.NewCredential{Secret: secretA, LimitPerDay: 3, Active: true})
	assert.ErrorIs(t, err, ErrPoolStale)
	require.NotNil(t, c)

	// The write is kept.
	_, err = st.GetCredential(context.Background(), c.ID)
	assert.NoError(t, err)
}

func TestSplitSecrets(t *testing.T) {
	got := SplitSecrets(" a,b\nc\r\n\tb ; d  a")
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.Empty(t, SplitSecrets(" \n, "))
}

func TestCreateCredentialsBatch(t *testing.T) {
	svc, st, rec := setup(t)
	ctx := context.Background()
	_, err := svc.CreateCredential(ctx, domain.NewCredential{Secret: secretA, LimitPerDay: 5, Active: true})
	require.NoError(t, err)
	rec.events = nil

	raw := secretA + "\n" + secretB + ", short\n" + secretB + " sk-cccccccccccccccccccccccc"
	res, err := svc.CreateCredentialsBatch(ctx, raw, 50, true)
	require.NoError(t, err)
	assert.Len(t, res.Added, 2)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, []string{"***"}, res.Invalid)
	for _, v := range res.Added {
		assert.Equal(t, int64(50), v.LimitPerDay)
		assert.Contains(t, v.Secret, "...")
	}

	all, _ := st.ListCredentials(ctx)
	assert.Len(t, all, 3)
	require.Len(t, rec.events, 1)
	assert.Len(t, rec.events[0].IDs, 2)

	_, err = svc.CreateCredentialsBatch(ctx, secretB, 0, true)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.CreateCredentialsBatch(ctx, "  ", 5, true)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateCredential(t *testing.T) {
	svc, _, rec := setup(t)
	ctx := context.Background()
	c, err := svc.CreateCredential(ctx, domain.NewCredential{Secret: secretA, LimitPerDay: 5, Active: true})
	require.NoError(t, err)

	limit := int64(9)
	got, err := svc.UpdateCredential(ctx, c.ID, domain.CredentialPatch{LimitPerDay: &limit})
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.LimitPerDay)
	assert.Equal(t, events.ReasonUpdated, rec.events[len(rec.events)-1].Reason)

	_, err = svc.UpdateCredential(ctx, c.ID, domain.CredentialPatch{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.UpdateCredential(ctx, "ghost", domain.CredentialPatch{LimitPerDay: &limit})
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	bad := "nope"
	_, err = svc.UpdateCredential(ctx, c.ID, domain.CredentialPatch{Secret: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat)
}

func TestDeleteCredential(t *testing.T) {
	svc, st, rec := setup(t)
	ctx := context.Background()
	c, err := svc.CreateCredential(ctx, domain.NewCredential{Secret: secretA, LimitPerDay: 5, Active: true})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCredential(ctx, c.ID))
	_, err = st.GetCredential(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, events.ReasonDeleted, rec.events[len(rec.events)-1].Reason)

	assert.ErrorIs(t, svc.DeleteCredential(ctx, c.ID), domain.ErrCredentialNotFound)
}

func TestStatusAndReset(t *testing.T) {
	svc, st, rec := setup(t)
	ctx := context.Background()
	a, err := svc.CreateCredential(ctx, domain.NewCredential{Secret: secretA, LimitPerDay: 5, Active: true})
	require.NoError(t, err)
	b, err := svc.CreateCredential(ctx, domain.NewCredential{Secret: secretB, LimitPerDay: 5, Active: true})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, a.ID))
	got, _ := st.GetCredential(ctx, a.ID)
	assert.False(t, got.Active)
	require.NoError(t, svc.Activate(ctx, a.ID))
	assert.ErrorIs(t, svc.Activate(ctx, "ghost"), domain.ErrCredentialNotFound)

	n, err := svc.SetStatusBatch(ctx, []string{a.ID, b.ID, a.ID, " "}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, events.ReasonStatus, rec.events[len(rec.events)-1].Reason)

	_, err = svc.SetStatusBatch(ctx, nil, true)
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, st.IncrementUsage(ctx, a.ID, 4, now))
	require.NoError(t, st.IncrementUsage(ctx, b.ID, 2, now))

	n, err = svc.ResetUsage(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = st.GetCredential(ctx, a.ID)
	assert.Zero(t, got.UsageToday)

	_, err = svc.ResetUsage(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	n, err = svc.ResetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, events.ReasonUsageReset, last.Reason)
	assert.Empty(t, last.IDs)
}

func TestListRevealHistory(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()
	c, err := svc.CreateCredential(ctx, domain.NewCredential{Name: "main", Secret: secretA, LimitPerDay: 4, Active: true})
	require.NoError(t, err)
	require.NoError(t, st.IncrementUsage(ctx, c.ID, 4, now))

	views, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, "sk-aaaaaa...aaaaaa", v.Secret)
	assert.True(t, v.Exhausted)
	assert.Zero(t, v.Remaining)
	assert.InDelta(t, 1.0, v.UsageRatio, 1e-9)

	secret, err := svc.Reveal(ctx, c.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, secretA, secret)
	_, err = svc.Reveal(ctx, "ghost", "admin")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	hist, err := svc.History(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2025-04-02": 4}, hist)
	_, err = svc.History(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestUnlockAccount(t *testing.T) {
	st := memory.New(func() time.Time { return now })
	u := &stubUnlocker{}
	svc := NewService(st, &recorder{}, u)

	acc, err := svc.UnlockAccount(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, "ops", acc.Identity)

	u.err = store.ErrNotFound
	_, err = svc.UnlockAccount(context.Background(), "Ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost")
}

func TestPublishesThroughBus(t *testing.T) {
	st := memory.New(func() time.Time { return now })
	bus := events.NewBus()
	var got []string
	bus.Subscribe(func(_ context.Context, evt events.PoolMutated) error {
		got = append(got, evt.Reason)
		return nil
	})
	svc := NewService(st, bus, &stubUnlocker{})

	c, err := svc.CreateCredential(context.Background(), domain.NewCredential{Secret: secretA, LimitPerDay: 1, Active: true})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteCredential(context.Background(), c.ID))
	assert.Equal(t, []string{events.ReasonCreated, events.ReasonDeleted}, got)
}

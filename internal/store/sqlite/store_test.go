package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keypool.db")
	s, err := Open(context.Background(), path, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCred(secret string, limit int64) *domain.Credential {
	return &domain.Credential{Name: "primary", Secret: secret, Active: true, LimitPerDay: limit}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, RunMigrations(s.db.Writer))
	require.NoError(t, s.Ping(context.Background()))
}

func TestCredentialCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	c := newCred("sk-abcdefghijklmnopqrstuvwxyz", 100)
	require.NoError(t, s.CreateCredential(ctx, c))
	require.NotEmpty(t, c.ID)

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Secret, got.Secret)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastUsedAt)
	assert.True(t, fixedNow.Equal(got.CreatedAt))

	err = s.CreateCredential(ctx, newCred("sk-abcdefghijklmnopqrstuvwxyz", 5))
	assert.ErrorIs(t, err, domain.ErrDuplicateCredential)

	limit := int64(7)
	updated, err := s.UpdateCredential(ctx, c.ID, domain.CredentialPatch{LimitPerDay: &limit})
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated.LimitPerDay)

	_, err = s.UpdateCredential(ctx, "ghost", domain.CredentialPatch{LimitPerDay: &limit})
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteCredential(ctx, c.ID))
	_, err = s.GetCredential(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteCredential(ctx, c.ID), store.ErrNotFound)
}

func TestUpdateCredentialSecretCollision(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := newCred("sk-first-secret-aaaaaaaaaaaa", 10)
	b := newCred("sk-second-secret-bbbbbbbbbbb", 10)
	require.NoError(t, s.CreateCredential(ctx, a))
	require.NoError(t, s.CreateCredential(ctx, b))

	_, err := s.UpdateCredential(ctx, a.ID, domain.CredentialPatch{Secret: &b.Secret})
	assert.ErrorIs(t, err, domain.ErrDuplicateCredential)
}

func TestIncrementUsageAndHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	c := newCred("sk-usage-counter-zzzzzzzzzz", 100)
	require.NoError(t, s.CreateCredential(ctx, c))

	day1 := fixedNow
	day2 := fixedNow.Add(24 * time.Hour)
	require.NoError(t, s.IncrementUsage(ctx, c.ID, 2, day1))
	require.NoError(t, s.IncrementUsage(ctx, c.ID, 3, day1))
	require.NoError(t, s.IncrementUsage(ctx, c.ID, 1, day2))

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.UsageToday)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, day2.Equal(*got.LastUsedAt))

	hist, err := s.UsageHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2025-03-14": 5, "2025-03-15": 1}, hist)

	assert.ErrorIs(t, s.IncrementUsage(ctx, "ghost", 1, day1), store.ErrNotFound)

	// History is dropped together with the credential.
	require.NoError(t, s.DeleteCredential(ctx, c.ID))
	hist, err = s.UsageHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestIncrementUsageSaturates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	c := newCred("sk-saturating-usage-xxxxxx", math.MaxInt64)
	require.NoError(t, s.CreateCredential(ctx, c))
	require.NoError(t, s.IncrementUsage(ctx, c.ID, math.MaxInt64-2, fixedNow))
	require.NoError(t, s.IncrementUsage(ctx, c.ID, 10, fixedNow))
	require.NoError(t, s.IncrementUsage(ctx, c.ID, 10, fixedNow))

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got.UsageToday)

	hist, err := s.UsageHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2025-03-14": math.MaxInt64}, hist)
}

func TestIncrementUsageConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	c := newCred("sk-concurrent-usage-yyyyyyy", 1000)
	require.NoError(t, s.CreateCredential(ctx, c))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementUsage(ctx, c.ID, 1, fixedNow))
		}()
	}
	wg.Wait()

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.UsageToday)
}

func TestTouchSetActiveReset(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := newCred("sk-batch-one-aaaaaaaaaaaaaa", 10)
	b := newCred("sk-batch-two-bbbbbbbbbbbbbb", 10)
	require.NoError(t, s.CreateCredential(ctx, a))
	require.NoError(t, s.CreateCredential(ctx, b))

	require.NoError(t, s.TouchCredential(ctx, a.ID, fixedNow))
	assert.ErrorIs(t, s.TouchCredential(ctx, "ghost", fixedNow), store.ErrNotFound)

	require.NoError(t, s.IncrementUsage(ctx, a.ID, 4, fixedNow))
	require.NoError(t, s.IncrementUsage(ctx, b.ID, 6, fixedNow))

	n, err := s.SetCredentialsActive(ctx, []string{a.ID, "ghost"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := s.GetCredential(ctx, a.ID)
	assert.False(t, got.Active)

	n, err = s.ResetUsage(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ResetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, _ = s.GetCredential(ctx, a.ID)
	assert.Zero(t, got.UsageToday)
}

func TestAccounts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	acc := &domain.Account{Identity: "Admin", SecretHash: "$2a$hash", Active: true}
	require.NoError(t, s.CreateAccount(ctx, acc))
	assert.ErrorIs(t, s.CreateAccount(ctx, &domain.Account{Identity: "admin", SecretHash: "x"}), store.ErrConflict)

	got, err := s.GetAccount(ctx, "ADMIN")
	require.NoError(t, err)
	assert.Equal(t, "$2a$hash", got.SecretHash)

	until := fixedNow.Add(time.Hour)
	got.LockedUntil = &until
	require.NoError(t, s.UpdateAccount(ctx, got))
	got, _ = s.GetAccount(ctx, "admin")
	require.NotNil(t, got.LockedUntil)
	assert.True(t, until.Equal(*got.LockedUntil))

	assert.ErrorIs(t, s.UpdateAccount(ctx, &domain.Account{Identity: "ghost"}), store.ErrNotFound)
}

func TestMutateAccount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, &domain.Account{Identity: "ops", SecretHash: "h", Active: true}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MutateAccount(ctx, "ops", func(a *domain.Account) error {
				a.LoginAttempts++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetAccount(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, 20, got.LoginAttempts)

	sentinel := errors.New("stop")
	_, err = s.MutateAccount(ctx, "ops", func(a *domain.Account) error {
		a.LoginAttempts = 0
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	got, _ = s.GetAccount(ctx, "ops")
	assert.Equal(t, 20, got.LoginAttempts)

	_, err = s.MutateAccount(ctx, "nobody", func(*domain.Account) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPruneUsageHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	c := newCred("sk-prune-history-bbbbbbbbbb", 100)
	require.NoError(t, s.CreateCredential(ctx, c))
	for _, d := range []int{-10, -3, 0} {
		require.NoError(t, s.IncrementUsage(ctx, c.ID, 2, fixedNow.AddDate(0, 0, d)))
	}

	n, err := s.PruneUsageHistory(ctx, fixedNow.AddDate(0, 0, -3))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hist, err := s.UsageHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2025-03-11": 2, "2025-03-14": 2}, hist)
}

// Package store defines the durable record store the pool and the lockout
// service depend on. Drivers live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/domain"
)

var (
	// ErrNotFound is returned when a credential or account row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable aliases the domain sentinel so callers can match either.
	ErrUnavailable = domain.ErrStoreUnavailable
	// ErrConflict is returned when an optimistic transaction keeps losing races.
	ErrConflict = errors.New("concurrent modification")
)

// CredentialStore persists credential rows.
type CredentialStore interface {
	ListCredentials(ctx context.Context) ([]*domain.Credential, error)
	GetCredential(ctx context.Context, id string) (*domain.Credential, error)
	// CreateCredential assigns ID and timestamps on c. A secret that is
	// already registered yields domain.ErrDuplicateCredential.
	CreateCredential(ctx context.Context, c *domain.Credential) error
	UpdateCredential(ctx context.Context, id string, patch domain.CredentialPatch) (*domain.Credential, error)
	// DeleteCredential also removes the credential's usage history.
	DeleteCredential(ctx context.Context, id string) error
	// SetCredentialsActive returns the number of rows changed.
	SetCredentialsActive(ctx context.Context, ids []string, active bool) (int, error)
	// ResetUsage zeroes usage for ids, or for every credential when ids is empty.
	ResetUsage(ctx context.Context, ids ...string) (int, error)

	// IncrementUsage atomically adds amount to usage_today and sets last_used_at.
	IncrementUsage(ctx context.Context, id string, amount int64, usedAt time.Time) error
	// TouchCredential only sets last_used_at.
	TouchCredential(ctx context.Context, id string, usedAt time.Time) error
	// UsageHistory returns per-day usage keyed by YYYY-MM-DD (UTC).
	UsageHistory(ctx context.Context, id string) (map[string]int64, error)
}

// MutateFunc receives the current account and edits it in place.
// Returning an error aborts the mutation and nothing is written.
type MutateFunc func(a *domain.Account) error

// AccountStore persists admin accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, identity string) (*domain.Account, error)
	CreateAccount(ctx context.Context, a *domain.Account) error
	UpdateAccount(ctx context.Context, a *domain.Account) error
	// MutateAccount runs fn as a single atomic read-modify-write and
	// returns the account as written.
	MutateAccount(ctx context.Context, identity string, fn MutateFunc) (*domain.Account, error)
}

// HistoryPruner drops usage history buckets.
type HistoryPruner interface {
	// PruneUsageHistory removes every day bucket older than before's day
	// and returns how many were removed.
	PruneUsageHistory(ctx context.Context, before time.Time) (int, error)
}

// Store is everything a driver provides.
type Store interface {
	CredentialStore
	AccountStore
	HistoryPruner
	Ping(ctx context.Context) error
	Close() error
}

// DayKey formats t as the usage-history bucket key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

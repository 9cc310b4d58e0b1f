package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

const accountColumns = `id, identity, secret_hash, active, login_attempts, locked_until, last_login_at, created_at, updated_at`

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a                      domain.Account
		lockedUntil, lastLogin sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(&a.ID, &a.Identity, &a.SecretHash, &a.Active, &a.LoginAttempts,
		&lockedUntil, &lastLogin, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.LockedUntil, err = parseNullTime(lockedUntil); err != nil {
		return nil, err
	}
	if a.LastLoginAt, err = parseNullTime(lastLogin); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount returns the account for identity.
func (s *Store) GetAccount(ctx context.Context, identity string) (*domain.Account, error) {
	identity = domain.NormalizeIdentity(identity)
	a, err := scanAccount(s.db.Reader.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE identity = ?`, identity))
	if err != nil {
		return nil, wrapErr("get account "+identity, err)
	}
	return a, nil
}

// CreateAccount inserts a; an existing identity yields store.ErrConflict.
func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) error {
	a.Identity = domain.NormalizeIdentity(a.Identity)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.Writer.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Identity, a.SecretHash, a.Active, a.LoginAttempts,
		nullTime(a.LockedUntil), nullTime(a.LastLoginAt), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("create account %s: %w", a.Identity, store.ErrConflict)
	}
	return wrapErr("create account "+a.Identity, err)
}

// UpdateAccount overwrites the mutable fields of an existing account.
func (s *Store) UpdateAccount(ctx context.Context, a *domain.Account) error {
	a.Identity = domain.NormalizeIdentity(a.Identity)
	a.UpdatedAt = s.now().UTC()
	res, err := writeAccount(ctx, s.db.Writer, a)
	if err != nil {
		return wrapErr("update account "+a.Identity, err)
	}
	return affectedOne(res, "update account "+a.Identity)
}

// MutateAccount runs fn inside a write transaction. The writer pool holds a
// single connection, so concurrent mutations queue behind each other.
func (s *Store) MutateAccount(ctx context.Context, identity string, fn store.MutateFunc) (*domain.Account, error) {
	identity = domain.NormalizeIdentity(identity)
	var (
		written *domain.Account
		aborted error
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE identity = ?`, identity))
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			aborted = err
			return err
		}
		a.UpdatedAt = s.now().UTC()
		if _, err := writeAccount(ctx, tx, a); err != nil {
			return err
		}
		written = a
		return nil
	})
	if aborted != nil && errors.Is(err, aborted) {
		return nil, aborted
	}
	if err != nil {
		return nil, wrapErr("mutate account "+identity, err)
	}
	return written, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeAccount(ctx context.Context, db execer, a *domain.Account) (sql.Result, error) {
	return db.ExecContext(ctx,
		`UPDATE accounts SET secret_hash = ?, active = ?, login_attempts = ?, locked_until = ?,
		 last_login_at = ?, updated_at = ? WHERE identity = ?`,
		a.SecretHash, a.Active, a.LoginAttempts, nullTime(a.LockedUntil), nullTime(a.LastLoginAt),
		formatTime(a.UpdatedAt), a.Identity)
}

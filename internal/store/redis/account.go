package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

// accountRecord is the JSON form stored in Redis. domain.Account hides
// SecretHash from JSON so it gets its own field here.
type accountRecord struct {
	domain.Account
	SecretHash string `json:"secret_hash"`
}

func encodeAccount(a *domain.Account) ([]byte, error) {
	return json.Marshal(accountRecord{Account: *a, SecretHash: a.SecretHash})
}

func decodeAccount(raw string) (*domain.Account, error) {
	var rec accountRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	a := rec.Account
	a.SecretHash = rec.SecretHash
	return &a, nil
}

// GetAccount retrieves an admin account by identity.
func (s *Store) GetAccount(ctx context.Context, identity string) (*domain.Account, error) {
	identity = domain.NormalizeIdentity(identity)
	raw, err := s.client.Get(ctx, s.AccountKey(identity)).Result()
	if err != nil {
		return nil, wrapErr("get account "+identity, err)
	}
	a, err := decodeAccount(raw)
	if err != nil {
		return nil, fmt.Errorf("decode account %s: %w", identity, err)
	}
	return a, nil
}

// CreateAccount stores a new account; an existing identity yields store.ErrConflict.
func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) error {
	a.Identity = domain.NormalizeIdentity(a.Identity)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	data, err := encodeAccount(a)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.AccountKey(a.Identity), data, 0).Result()
	if err != nil {
		return wrapErr("create account "+a.Identity, err)
	}
	if !ok {
		return fmt.Errorf("create account %s: %w", a.Identity, store.ErrConflict)
	}
	return nil
}

// UpdateAccount overwrites an existing account.
func (s *Store) UpdateAccount(ctx context.Context, a *domain.Account) error {
	a.Identity = domain.NormalizeIdentity(a.Identity)
	a.UpdatedAt = s.now().UTC()
	data, err := encodeAccount(a)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.AccountKey(a.Identity), data, goredis.KeepTTL).Result()
	if err != nil {
		return wrapErr("update account "+a.Identity, err)
	}
	if !ok {
		return fmt.Errorf("update account %s: %w", a.Identity, store.ErrNotFound)
	}
	return nil
}

// MutateAccount runs fn under WATCH so concurrent logins never lose a write.
func (s *Store) MutateAccount(ctx context.Context, identity string, fn store.MutateFunc) (*domain.Account, error) {
	identity = domain.NormalizeIdentity(identity)
	key := s.AccountKey(identity)
	var written *domain.Account

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		a, err := decodeAccount(raw)
		if err != nil {
			return fmt.Errorf("decode account: %w", err)
		}
		if err := fn(a); err != nil {
			return &abortError{err}
		}
		a.UpdatedAt = s.now().UTC()
		data, err := encodeAccount(a)
		if err != nil {
			return &abortError{err}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, goredis.KeepTTL)
			return nil
		})
		if err == nil {
			written = a
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		var abort *abortError
		if errors.As(err, &abort) {
			return nil, abort.err
		}
		return nil, wrapErr("mutate account "+identity, err)
	}
	return written, nil
}

// abortError carries a caller error out of a WATCH callback untouched.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

package lockout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

const maxHashRetries = 3

var (
	errHashChanged = errors.New("secret hash changed during login")
	errNoWrite     = errors.New("attempt rejected without state change")
)

// HashSecret returns the bcrypt hash stored for an account secret.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: secret must not be empty", domain.ErrValidation)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}

// Authenticator runs login attempts through Transition and persists the
// result atomically.
type Authenticator struct {
	store   store.AccountStore
	policy  Policy
	log     logger.Logger
	now     func() time.Time
	timeout time.Duration

	dummyOnce sync.Once
	dummyHash []byte
}

type Option func(*Authenticator)

func WithPolicy(p Policy) Option {
	return func(a *Authenticator) {
		if p.Threshold > 0 && p.LockDuration > 0 {
			a.policy = p
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(a *Authenticator) { a.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithStoreTimeout bounds each store round trip of a login.
func WithStoreTimeout(d time.Duration) Option {
	return func(a *Authenticator) { a.timeout = d }
}

func NewAuthenticator(st store.AccountStore, opts ...Option) *Authenticator {
	a := &Authenticator{
		store:   st,
		policy:  DefaultPolicy,
		log:     logger.NewNop(),
		now:     time.Now,
		timeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Policy returns the policy in effect.
func (a *Authenticator) Policy() Policy { return a.policy }

// Login verifies secret for identity. On success it returns the account as
// persisted; otherwise a *domain.LoginError or a store error.
func (a *Authenticator) Login(ctx context.Context, identity, secret string) (*domain.Account, error) {
	identity = domain.NormalizeIdentity(identity)
	log := a.log.With(logger.String("identity", identity))

	for attempt := 0; attempt < maxHashRetries; attempt++ {
		acc, err := a.getAccount(ctx, identity)
		if errors.Is(err, store.ErrNotFound) {
			a.burnCompare(secret)
			log.Warn("login for unknown identity")
			return nil, &domain.LoginError{Err: domain.ErrInvalidCredentials, RemainingAttempts: a.policy.Threshold - 1}
		}
		if err != nil {
			return nil, err
		}

		now := a.now()
		// Reject disabled or locked accounts before paying for bcrypt.
		if pre := Transition(*acc, false, now, a.policy); pre.Result == Disabled || pre.Result == Locked {
			log.Warn("login rejected", logger.String("result", pre.Result.String()))
			return nil, pre.Err()
		}

		matched := bcrypt.CompareHashAndPassword([]byte(acc.SecretHash), []byte(secret)) == nil

		var decision Decision
		updated, err := a.mutate(ctx, identity, func(cur *domain.Account) error {
			if cur.SecretHash != acc.SecretHash {
				return errHashChanged
			}
			decision = Transition(*cur, matched, now, a.policy)
			if !decision.Write {
				return errNoWrite
			}
			*cur = decision.Next
			return nil
		})
		switch {
		case errors.Is(err, errHashChanged):
			continue
		case errors.Is(err, errNoWrite):
			log.Warn("login rejected", logger.String("result", decision.Result.String()))
			return nil, decision.Err()
		case err != nil:
			return nil, err
		}

		switch decision.Result {
		case Accepted:
			log.Info("login succeeded")
			return updated, nil
		default:
			if decision.JustLocked {
				log.Warn("account locked after repeated failures",
					logger.Int("attempts", decision.Next.LoginAttempts),
					logger.Time("locked_until", *decision.Next.LockedUntil))
			} else {
				log.Warn("login failed", logger.Int("remaining_attempts", decision.Remaining))
			}
			return nil, decision.Err()
		}
	}
	return nil, fmt.Errorf("login %s: %w", identity, store.ErrConflict)
}

// Unlock clears the failure counter and any active lock.
func (a *Authenticator) Unlock(ctx context.Context, identity string) (*domain.Account, error) {
	identity = domain.NormalizeIdentity(identity)
	acc, err := a.mutate(ctx, identity, func(cur *domain.Account) error {
		cur.LoginAttempts = 0
		cur.LockedUntil = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("account unlocked", logger.String("identity", identity))
	return acc, nil
}

func (a *Authenticator) getAccount(ctx context.Context, identity string) (*domain.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.store.GetAccount(ctx, identity)
}

func (a *Authenticator) mutate(ctx context.Context, identity string, fn store.MutateFunc) (*domain.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.store.MutateAccount(ctx, identity, fn)
}

// burnCompare spends the same time as a real verification so unknown
// identities cannot be told apart by latency.
func (a *Authenticator) burnCompare(secret string) {
	a.dummyOnce.Do(func() {
		a.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("keypool-dummy-secret"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(a.dummyHash, []byte(secret))
}

package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/events"
	"github.com/MrSnakeDoc/keypool/internal/lockout"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/seed"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

// SeedStore is what the seeder writes to.
type SeedStore interface {
	GetAccount(ctx context.Context, identity string) (*domain.Account, error)
	CreateAccount(ctx context.Context, a *domain.Account) error
	CreateCredential(ctx context.Context, c *domain.Credential) error
}

// Seeder provisions accounts and credentials from the seed file on
// startup. Records that already exist are left alone, so it is safe to run
// on every boot.
type Seeder struct {
	loader *seed.Loader
	store  SeedStore
	bus    Publisher
	format domain.SecretFormat
	logger logger.Logger
}

func NewSeeder(
	seedFile string,
	st SeedStore,
	bus Publisher,
	format domain.SecretFormat,
	log logger.Logger,
) *Seeder {
	return &Seeder{
		loader: seed.NewLoader(seedFile),
		store:  st,
		bus:    bus,
		format: format,
		logger: log,
	}
}

// Sync applies the seed file.
func (s *Seeder) Sync(ctx context.Context) error {
	s.logger.Info("applying seed file")

	f, err := s.loader.Load()
	if err != nil {
		return err
	}
	return s.Apply(ctx, f)
}

// Apply writes whatever f holds that the store does not have yet.
func (s *Seeder) Apply(ctx context.Context, f *seed.File) error {
	accounts, err := s.applyAccounts(ctx, f.Accounts)
	if err != nil {
		return err
	}
	ids, err := s.applyCredentials(ctx, f.Credentials)
	if err != nil {
		return err
	}

	s.logger.Info("seed file applied",
		logger.Int("accounts_created", accounts),
		logger.Int("credentials_created", len(ids)))

	if len(ids) == 0 {
		return nil
	}
	return s.bus.Publish(ctx, events.PoolMutated{Reason: events.ReasonSeeded, IDs: ids})
}

func (s *Seeder) applyAccounts(ctx context.Context, accounts []seed.Account) (int, error) {
	created := 0
	for _, a := range accounts {
		_, err := s.store.GetAccount(ctx, a.Identity)
		if err == nil {
			s.logger.Debug("seed account already exists", logger.String("identity", a.Identity))
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, fmt.Errorf("seed account %s: %w", a.Identity, err)
		}

		hash := a.SecretHash
		if hash == "" {
			if hash, err = lockout.HashSecret(a.Secret); err != nil {
				return created, fmt.Errorf("seed account %s: %w", a.Identity, err)
			}
		}

		acc := &domain.Account{Identity: a.Identity, SecretHash: hash, Active: a.IsActive()}
		switch err := s.store.CreateAccount(ctx, acc); {
		case errors.Is(err, store.ErrConflict):
			// Another instance won the race.
			continue
		case err != nil:
			return created, fmt.Errorf("seed account %s: %w", a.Identity, err)
		}
		created++
		s.logger.Info("seeded admin account", logger.String("identity", acc.Identity))
	}
	return created, nil
}

func (s *Seeder) applyCredentials(ctx context.Context, creds []seed.Credential) ([]string, error) {
	var ids []string
	for i, c := range creds {
		n := domain.NewCredential{Name: c.Name, Secret: c.Secret, LimitPerDay: c.LimitPerDay, Active: c.IsActive()}
		if err := n.Validate(s.format); err != nil {
			return ids, fmt.Errorf("seed credentials[%d]: %w", i, err)
		}

		cred := &domain.Credential{Name: n.Name, Secret: n.Secret, Active: n.Active, LimitPerDay: n.LimitPerDay}
		switch err := s.store.CreateCredential(ctx, cred); {
		case errors.Is(err, domain.ErrDuplicateCredential):
			continue
		case err != nil:
			return ids, fmt.Errorf("seed credentials[%d] %s: %w", i, cred.Masked(), err)
		}
		ids = append(ids, cred.ID)
		s.logger.Info("seeded credential",
			logger.String("credential_id", cred.ID),
			logger.String("masked", cred.Masked()))
	}
	return ids, nil
}

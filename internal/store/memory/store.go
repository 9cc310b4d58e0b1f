// Package memory is a process-local store for development and tests.
// Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps credentials and accounts in maps behind one RWMutex.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*domain.Credential // ID -> credential
	history     map[string]map[string]int64   // ID -> day -> count
	accounts    map[string]*domain.Account    // identity -> account
	now         func() time.Time
}

// New returns an empty store. now may be nil.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		credentials: make(map[string]*domain.Credential),
		history:     make(map[string]map[string]int64),
		accounts:    make(map[string]*domain.Account),
		now:         now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) ListCredentials(context.Context) ([]*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		cp := c.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetCredential(_ context.Context, id string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("get credential %s: %w", id, store.ErrNotFound)
	}
	cp := c.Clone()
	return &cp, nil
}

func (s *Store) secretTaken(secret, except string) bool {
	for id, c := range s.credentials {
		if id != except && c.Secret == secret {
			return true
		}
	}
	return false
}

func (s *Store) CreateCredential(_ context.Context, c *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secretTaken(c.Secret, "") {
		return domain.ErrDuplicateCredential
	}
	now := s.now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := c.Clone()
	s.credentials[c.ID] = &cp
	return nil
}

func (s *Store) UpdateCredential(_ context.Context, id string, patch domain.CredentialPatch) (*domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("update credential %s: %w", id, store.ErrNotFound)
	}
	next := cur.Clone()
	patch.Apply(&next)
	if next.Secret != cur.Secret && s.secretTaken(next.Secret, id) {
		return nil, domain.ErrDuplicateCredential
	}
	next.UpdatedAt = s.now().UTC()
	s.credentials[id] = &next
	out := next.Clone()
	return &out, nil
}

func (s *Store) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[id]; !ok {
		return fmt.Errorf("delete credential %s: %w", id, store.ErrNotFound)
	}
	delete(s.credentials, id)
	delete(s.history, id)
	return nil
}

func (s *Store) SetCredentialsActive(_ context.Context, ids []string, active bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c, ok := s.credentials[id]; ok {
			c.Active = active
			c.UpdatedAt = s.now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *Store) ResetUsage(_ context.Context, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		for id := range s.credentials {
			ids = append(ids, id)
		}
	}
	n := 0
	for _, id := range ids {
		if c, ok := s.credentials[id]; ok {
			c.UsageToday = 0
			c.UpdatedAt = s.now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *Store) IncrementUsage(_ context.Context, id string, amount int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("increment usage %s: %w", id, store.ErrNotFound)
	}
	c.UsageToday = domain.AddUsage(c.UsageToday, amount)
	t := usedAt
	c.LastUsedAt = &t

	days, ok := s.history[id]
	if !ok {
		days = make(map[string]int64)
		s.history[id] = days
	}
	day := store.DayKey(usedAt)
	days[day] = domain.AddUsage(days[day], amount)
	return nil
}

func (s *Store) TouchCredential(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("touch credential %s: %w", id, store.ErrNotFound)
	}
	t := usedAt
	c.LastUsedAt = &t
	return nil
}

func (s *Store) UsageHistory(_ context.Context, id string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.history[id]))
	for day, n := range s.history[id] {
		out[day] = n
	}
	return out, nil
}

func (s *Store) PruneUsageHistory(_ context.Context, before time.Time) (int, error) {
	cutoff := store.DayKey(before)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, days := range s.history {
		for day := range days {
			if day < cutoff {
				delete(days, day)
				n++
			}
		}
		if len(days) == 0 {
			delete(s.history, id)
		}
	}
	return n, nil
}

func (s *Store) GetAccount(_ context.Context, identity string) (*domain.Account, error) {
	identity = domain.NormalizeIdentity(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[identity]
	if !ok {
		return nil, fmt.Errorf("get account %s: %w", identity, store.ErrNotFound)
	}
	cp := a.Clone()
	return &cp, nil
}

func (s *Store) CreateAccount(_ context.Context, a *domain.Account) error {
	a.Identity = domain.NormalizeIdentity(a.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.Identity]; ok {
		return fmt.Errorf("create account %s: %w", a.Identity, store.ErrConflict)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := a.Clone()
	s.accounts[a.Identity] = &cp
	return nil
}

func (s *Store) UpdateAccount(_ context.Context, a *domain.Account) error {
	a.Identity = domain.NormalizeIdentity(a.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.Identity]; !ok {
		return fmt.Errorf("update account %s: %w", a.Identity, store.ErrNotFound)
	}
	a.UpdatedAt = s.now().UTC()
	cp := a.Clone()
	s.accounts[a.Identity] = &cp
	return nil
}

// MutateAccount holds the store lock across fn, which makes it trivially atomic.
func (s *Store) MutateAccount(_ context.Context, identity string, fn store.MutateFunc) (*domain.Account, error) {
	identity = domain.NormalizeIdentity(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accounts[identity]
	if !ok {
		return nil, fmt.Errorf("mutate account %s: %w", identity, store.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now().UTC()
	s.accounts[identity] = &next
	out := next.Clone()
	return &out, nil
}

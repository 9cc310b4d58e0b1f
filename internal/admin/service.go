// Package admin implements the operator commands on credentials and
// accounts. Every mutation is written to the store first and then announced
// on the event bus so the pool reloads.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/events"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

// ErrPoolStale is joined to the error of a mutation whose store write
// committed but whose pool refresh failed.
var ErrPoolStale = errors.New("change saved but credential pool not refreshed")

// Publisher announces committed mutations.
type Publisher interface {
	Publish(ctx context.Context, evt events.PoolMutated) error
}

// Unlocker clears account lockouts.
type Unlocker interface {
	Unlock(ctx context.Context, identity string) (*domain.Account, error)
}

// Service runs admin commands.
type Service struct {
	store    store.CredentialStore
	bus      Publisher
	accounts Unlocker
	format   domain.SecretFormat
	log      logger.Logger
	now      func() time.Time
	timeout  time.Duration
}

type Option func(*Service)

func WithSecretFormat(f domain.SecretFormat) Option {
	return func(s *Service) { s.format = f }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(st store.CredentialStore, bus Publisher, accounts Unlocker, opts ...Option) *Service {
	s := &Service{
		store:    st,
		bus:      bus,
		accounts: accounts,
		format:   domain.DefaultSecretFormat,
		log:      logger.NewNop(),
		now:      time.Now,
		timeout:  3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CredentialView is the external shape of a credential. The secret is masked.
type CredentialView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Secret      string     `json:"secret"`
	Active      bool       `json:"active"`
	UsageToday  int64      `json:"usage_today"`
	LimitPerDay int64      `json:"limit_per_day"`
	Remaining   int64      `json:"remaining"`
	UsageRatio  float64    `json:"usage_ratio"`
	Exhausted   bool       `json:"exhausted"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// View masks c for display.
func View(c domain.Credential) CredentialView {
	return CredentialView{
		ID:          c.ID,
		Name:        c.Name,
		Secret:      c.Masked(),
		Active:      c.Active,
		UsageToday:  c.UsageToday,
		LimitPerDay: c.LimitPerDay,
		Remaining:   c.Remaining(),
		UsageRatio:  c.UsageRatio(),
		Exhausted:   c.Exhausted(),
		LastUsedAt:  c.LastUsedAt,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// List returns every stored credential, masked.
func (s *Service) List(ctx context.Context) ([]CredentialView, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.store.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]CredentialView, 0, len(rows))
	for _, c := range rows {
		out = append(out, View(*c))
	}
	return out, nil
}

// Reveal returns the full secret of one credential. Every call is logged
// with the actor that asked.
func (s *Service) Reveal(ctx context.Context, id, actor string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return "", notFound(err, id)
	}
	s.log.Info("credential secret revealed",
		logger.String("credential_id", id),
		logger.String("masked", c.Masked()),
		logger.String("actor", actor))
	return c.Secret, nil
}

// History returns the per-day usage of one credential.
func (s *Service) History(ctx context.Context, id string) (map[string]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.store.GetCredential(ctx, id); err != nil {
		return nil, notFound(err, id)
	}
	h, err := s.store.UsageHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	return h, nil
}

// CreateCredential validates and stores one credential.
func (s *Service) CreateCredential(ctx context.Context, n domain.NewCredential) (*domain.Credential, error) {
	if err := n.Validate(s.format); err != nil {
		return nil, err
	}
	c := &domain.Credential{
		Name:        n.Name,
		Secret:      n.Secret,
		Active:      n.Active,
		LimitPerDay: n.LimitPerDay,
	}

	sctx, cancel := s.withTimeout(ctx)
	err := s.store.CreateCredential(sctx, c)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("create credential %s: %w", c.Masked(), err)
	}

	s.log.Info("credential created",
		logger.String("credential_id", c.ID),
		logger.String("masked", c.Masked()),
		logger.Int64("limit_per_day", c.LimitPerDay))
	return c, s.publish(ctx, events.ReasonCreated, c.ID)
}

// BatchResult reports what a batch import did.
type BatchResult struct {
	Added      []CredentialView `json:"added"`
	Duplicates int              `json:"duplicates"`
	Invalid    []string         `json:"invalid"`
}

// SplitSecrets splits free-form input on newlines, commas and whitespace.
func SplitSecrets(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r' || r == ' ' || r == '\t'
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// CreateCredentialsBatch imports many secrets sharing one limit. Invalid and
// duplicate entries are counted, not fatal. A store outage aborts the batch.
func (s *Service) CreateCredentialsBatch(ctx context.Context, raw string, limit int64, active bool) (BatchResult, error) {
	res := BatchResult{Added: []CredentialView{}, Invalid: []string{}}
	if limit <= 0 {
		return res, fmt.Errorf("%w: limit_per_day must be > 0, got %d", domain.ErrValidation, limit)
	}
	secrets := SplitSecrets(raw)
	if len(secrets) == 0 {
		return res, fmt.Errorf("%w: no secrets supplied", domain.ErrValidation)
	}

	ids := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		if err := s.format.Validate(secret); err != nil {
			res.Invalid = append(res.Invalid, domain.MaskSecret(secret))
			continue
		}
		c := &domain.Credential{Secret: secret, Active: active, LimitPerDay: limit}

		sctx, cancel := s.withTimeout(ctx)
		err := s.store.CreateCredential(sctx, c)
		cancel()
		switch {
		case errors.Is(err, domain.ErrDuplicateCredential):
			res.Duplicates++
			continue
		case err != nil:
			// Whatever was added so far is still announced.
			return res, errors.Join(fmt.Errorf("batch create: %w", err), s.publish(ctx, events.ReasonCreated, ids...))
		}
		ids = append(ids, c.ID)
		res.Added = append(res.Added, View(*c))
	}

	s.log.Info("credential batch imported",
		logger.Int("added", len(res.Added)),
		logger.Int("duplicates", res.Duplicates),
		logger.Int("invalid", len(res.Invalid)))
	if len(ids) == 0 {
		return res, nil
	}
	return res, s.publish(ctx, events.ReasonCreated, ids...)
}

// UpdateCredential applies a partial update.
func (s *Service) UpdateCredential(ctx context.Context, id string, patch domain.CredentialPatch) (*domain.Credential, error) {
	if err := patch.Validate(s.format); err != nil {
		return nil, err
	}

	sctx, cancel := s.withTimeout(ctx)
	c, err := s.store.UpdateCredential(sctx, id, patch)
	cancel()
	if err != nil {
		return nil, notFound(err, id)
	}

	s.log.Info("credential updated", logger.String("credential_id", id))
	return c, s.publish(ctx, events.ReasonUpdated, id)
}

// DeleteCredential removes a credential and its usage history.
func (s *Service) DeleteCredential(ctx context.Context, id string) error {
	sctx, cancel := s.withTimeout(ctx)
	err := s.store.DeleteCredential(sctx, id)
	cancel()
	if err != nil {
		return notFound(err, id)
	}

	s.log.Info("credential deleted", logger.String("credential_id", id))
	return s.publish(ctx, events.ReasonDeleted, id)
}

func (s *Service) Activate(ctx context.Context, id string) error {
	return s.setOne(ctx, id, true)
}

func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.setOne(ctx, id, false)
}

func (s *Service) setOne(ctx context.Context, id string, active bool) error {
	n, err := s.SetStatusBatch(ctx, []string{id}, active)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, id)
	}
	return nil
}

// SetStatusBatch activates or deactivates ids and returns how many existed.
func (s *Service) SetStatusBatch(ctx context.Context, ids []string, active bool) (int, error) {
	ids = compact(ids)
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no credential ids supplied", domain.ErrValidation)
	}

	sctx, cancel := s.withTimeout(ctx)
	n, err := s.store.SetCredentialsActive(sctx, ids, active)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("set status: %w", err)
	}

	s.log.Info("credential status changed",
		logger.Strings("ids", ids),
		logger.Bool("active", active),
		logger.Int("changed", n))
	if n == 0 {
		return 0, nil
	}
	return n, s.publish(ctx, events.ReasonStatus, ids...)
}

// ResetUsage zeroes today's usage for ids, or for every credential when
// ids is empty.
func (s *Service) ResetUsage(ctx context.Context, ids ...string) (int, error) {
	ids = compact(ids)

	sctx, cancel := s.withTimeout(ctx)
	n, err := s.store.ResetUsage(sctx, ids...)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	if len(ids) == 1 && n == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, ids[0])
	}

	s.log.Info("credential usage reset", logger.Strings("ids", ids), logger.Int("reset", n))
	return n, s.publish(ctx, events.ReasonUsageReset, ids...)
}

// UnlockAccount clears an admin account's lockout.
func (s *Service) UnlockAccount(ctx context.Context, identity string) (*domain.Account, error) {
	acc, err := s.accounts.Unlock(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", domain.NormalizeIdentity(identity), store.ErrNotFound)
	}
	return acc, err
}

func (s *Service) publish(ctx context.Context, reason string, ids ...string) error {
	err := s.bus.Publish(ctx, events.PoolMutated{Reason: reason, IDs: ids, At: s.now()})
	if err != nil {
		s.log.Error("pool refresh after mutation failed",
			logger.String("reason", reason),
			logger.Strings("ids", ids),
			logger.Error(err))
		return errors.Join(ErrPoolStale, err)
	}
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// notFound turns store.ErrNotFound into domain.ErrCredentialNotFound.
func notFound(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, id)
	}
	return err
}

func compact(ids []string) []string {
	out := ids[:0:0]
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

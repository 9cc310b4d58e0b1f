package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/keypool/internal/store"
)

const (
	// DefaultHistoryTTL bounds how long per-day usage history is kept.
	DefaultHistoryTTL = 90 * 24 * time.Hour
	// maxTxRetries bounds optimistic WATCH transactions.
	maxTxRetries = 16
)

var _ store.Store = (*Store)(nil)

// Store handles Redis operations for credentials and admin accounts.
type Store struct {
	client     goredis.UniversalClient
	prefix     string
	historyTTL time.Duration
	now        func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the key namespace (default "{keypool}:"). A prefix
// without a hash tag is wrapped in one, so "acme:" becomes "{acme}:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = hashTagged(prefix) }
}

// WithHistoryTTL sets how long usage history hashes live.
func WithHistoryTTL(ttl time.Duration) Option {
	return func(s *Store) { s.historyTTL = ttl }
}

// WithClock overrides time.Now for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a new Redis store
func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		prefix:     DefaultKeyPrefix,
		historyTTL: DefaultHistoryTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// wrapErr maps go-redis errors onto the store sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func parseTimePtr(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

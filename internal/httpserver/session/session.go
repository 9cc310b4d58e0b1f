// Package session issues the signed cookie that proves a successful admin
// login. Sessions have a fixed lifetime and are never extended.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

const (
	CookieName = "keypool_session"

	identityKey = "identity"
	issuedAtKey = "issued_at"
	idKey       = "sid"
)

// ErrNoSession means the request carries no valid, unexpired session.
var ErrNoSession = errors.New("no valid session")

// Info describes an authenticated session.
type Info struct {
	ID        string    `json:"-"`
	Identity  string    `json:"identity"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Manager struct {
	store *sessions.CookieStore
	ttl   time.Duration
	now   func() time.Time
}

// NewManager signs cookies with key. secure sets the cookie Secure flag and
// should only be off for plain-HTTP development.
func NewManager(key []byte, ttl time.Duration, secure bool) *Manager {
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	// Sets both the cookie Max-Age and the codec's timestamp check.
	store.MaxAge(int(ttl.Seconds()))

	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// WithClock overrides time.Now, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue starts a new session for identity, replacing any previous one.
func (m *Manager) Issue(w http.ResponseWriter, r *http.Request, identity string) (Info, error) {
	// A decode error only means the old cookie is unusable; a fresh session
	// is returned either way.
	s, _ := m.store.New(r, CookieName)

	now := m.now().UTC()
	info := Info{
		ID:        uuid.NewString(),
		Identity:  identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	s.Values[idKey] = info.ID
	s.Values[identityKey] = identity
	s.Values[issuedAtKey] = now.Unix()

	if err := s.Save(r, w); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Lookup returns the session carried by r.
func (m *Manager) Lookup(r *http.Request) (Info, error) {
	s, err := m.store.Get(r, CookieName)
	if err != nil || s.IsNew {
		return Info{}, ErrNoSession
	}

	identity, ok1 := s.Values[identityKey].(string)
	issued, ok2 := s.Values[issuedAtKey].(int64)
	id, _ := s.Values[idKey].(string)
	if !ok1 || !ok2 || identity == "" {
		return Info{}, ErrNoSession
	}

	info := Info{
		ID:        id,
		Identity:  identity,
		IssuedAt:  time.Unix(issued, 0).UTC(),
		ExpiresAt: time.Unix(issued, 0).UTC().Add(m.ttl),
	}
	if !m.now().Before(info.ExpiresAt) {
		return Info{}, ErrNoSession
	}
	return info, nil
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter, r *http.Request) error {
	s, _ := m.store.New(r, CookieName)
	s.Options.MaxAge = -1
	return s.Save(r, w)
}

type ctxKey struct{}

// NewContext attaches info to ctx.
func NewContext(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the session stored by the auth middleware.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}

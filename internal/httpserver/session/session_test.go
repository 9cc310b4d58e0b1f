package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte { return []byte(strings.Repeat("s", 32)) }

func issue(t *testing.T, m *Manager, identity string) (*http.Cookie, Info) {
	t.Helper()
	rec := httptest.NewRecorder()
	info, err := m.Issue(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil), identity)
	require.NoError(t, err)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0], info
}

func requestWith(c *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	if c != nil {
		r.AddCookie(c)
	}
	return r
}

func TestIssueAndLookup(t *testing.T) {
	m := NewManager(testKey(), time.Hour, true)

	c, issued := issue(t, m, "admin")
	assert.Equal(t, CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 3600, c.MaxAge)
	assert.Equal(t, time.Hour, issued.ExpiresAt.Sub(issued.IssuedAt))

	info, err := m.Lookup(requestWith(c))
	require.NoError(t, err)
	assert.Equal(t, "admin", info.Identity)
	assert.Equal(t, issued.ID, info.ID)
}

func TestLookupRejects(t *testing.T) {
	m := NewManager(testKey(), time.Hour, false)

	_, err := m.Lookup(requestWith(nil))
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.Lookup(requestWith(&http.Cookie{Name: CookieName, Value: "garbage"}))
	assert.ErrorIs(t, err, ErrNoSession)

	// Signed with another key.
	other := NewManager([]byte(strings.Repeat("o", 32)), time.Hour, false)
	c, _ := issue(t, other, "admin")
	_, err = m.Lookup(requestWith(c))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionExpires(t *testing.T) {
	now := time.Now()
	m := NewManager(testKey(), 15*time.Minute, false).WithClock(func() time.Time { return now })

	c, _ := issue(t, m, "admin")

	now = now.Add(14 * time.Minute)
	_, err := m.Lookup(requestWith(c))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Lookup(requestWith(c))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestClear(t *testing.T) {
	m := NewManager(testKey(), time.Hour, false)
	c, _ := issue(t, m, "admin")

	rec := httptest.NewRecorder()
	require.NoError(t, m.Clear(rec, requestWith(c)))
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, CookieName, cleared[0].Name)
	assert.Negative(t, cleared[0].MaxAge)
}

func TestContext(t *testing.T) {
	_, ok := FromContext(requestWith(nil).Context())
	assert.False(t, ok)

	ctx := NewContext(requestWith(nil).Context(), Info{Identity: "ops"})
	info, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "ops", info.Identity)
}

package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MrSnakeDoc/keypool/internal/logger"
)

var noContent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestEnforceHost(t *testing.T) {
	h := EnforceHost([]string{"keypool.example.com", "*.ops.example.com"}, logger.NewNop())(noContent)

	tests := map[string]int{
		"keypool.example.com":      http.StatusNoContent,
		"KEYPOOL.example.com:8443": http.StatusNoContent,
		"a.ops.example.com":        http.StatusNoContent,
		"ops.example.com":          http.StatusForbidden,
		"evil.com":                 http.StatusForbidden,
	}
	for host, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/admin/credentials", nil)
		r.Host = host
		rec := serve(h, r)
		assert.Equal(t, want, rec.Code, host)
		if want == http.StatusForbidden {
			assert.Contains(t, rec.Body.String(), `"forbidden_host"`)
		}
	}
}

func TestAllowOnlyCIDRS(t *testing.T) {
	h := AllowOnlyCIDRS([]string{"10.0.0.0/8"}, false, logger.NewNop())(noContent)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.RemoteAddr = "10.1.2.3:4000"
	assert.Equal(t, http.StatusNoContent, serve(h, r).Code)

	r.RemoteAddr = "192.0.2.1:4000"
	rec := serve(h, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	// Empty list disables filtering.
	open := AllowOnlyCIDRS(nil, false, logger.NewNop())(noContent)
	assert.Equal(t, http.StatusNoContent, serve(open, r).Code)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{Burst: 2, RefillPerIPPerMin: 1, MaxEntries: 10})(noContent)

	hit := func(ip string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		r.RemoteAddr = ip + ":1234"
		return serve(h, r)
	}

	assert.Equal(t, http.StatusNoContent, hit("192.0.2.1").Code)
	assert.Equal(t, http.StatusNoContent, hit("192.0.2.1").Code)
	rec := hit("192.0.2.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.True(t, strings.Contains(rec.Body.String(), "rate_limited"))

	// Buckets are per client.
	assert.Equal(t, http.StatusNoContent, hit("192.0.2.2").Code)
}

func TestLogCapturesStatus(t *testing.T) {
	h := Log(logger.NewNop(), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	start := time.Now()
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz?token=x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Less(t, time.Since(start), time.Second)
}

func TestRequireAPIKey(t *testing.T) {
	h := RequireAPIKey([]string{"alpha-key", " beta-key "}, logger.NewNop())(noContent)

	tests := map[string]int{
		"":                   http.StatusUnauthorized,
		"Bearer":             http.StatusUnauthorized,
		"Basic alpha-key":    http.StatusUnauthorized,
		"Bearer gamma-key":   http.StatusUnauthorized,
		"Bearer alpha-key":   http.StatusNoContent,
		"bearer beta-key":    http.StatusNoContent,
		"Bearer  alpha-key ": http.StatusNoContent,
	}
	for header, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		rec := serve(h, r)
		assert.Equal(t, want, rec.Code, header)
		if want == http.StatusUnauthorized {
			assert.Contains(t, rec.Body.String(), `_api_key"`)
		}
	}

	open := RequireAPIKey(nil, logger.NewNop())(noContent)
	assert.Equal(t, http.StatusNoContent, serve(open, httptest.NewRequest(http.MethodGet, "/v1/models", nil)).Code)
}

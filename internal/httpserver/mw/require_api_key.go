package mw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// RequireAPIKey accepts only requests carrying "Authorization: Bearer <key>"
// with one of keys. If keys is empty, it acts as a passthrough.
func RequireAPIKey(keys []string, log logger.Logger) func(http.Handler) http.Handler {
	accepted := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			accepted = append(accepted, []byte(k))
		}
	}
	if len(accepted) == 0 {
		log.Debug("RequireAPIKey: no keys configured, passthrough mode")
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			token = strings.TrimSpace(token)
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				log.Debug("client request without api key", logger.String("path", r.URL.Path))
				reject(w, http.StatusUnauthorized, "api key required", "missing_api_key")
				return
			}
			if !matchKey(accepted, []byte(token)) {
				log.Warn("client request with unknown api key rejected",
					logger.String("key", domain.MaskSecret(token)),
					logger.String("path", r.URL.Path))
				reject(w, http.StatusUnauthorized, "invalid api key", "invalid_api_key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchKey compares against every key so timing does not depend on which one matched.
func matchKey(accepted [][]byte, token []byte) bool {
	found := 0
	for _, k := range accepted {
		found |= subtle.ConstantTimeCompare(k, token)
	}
	return found == 1
}

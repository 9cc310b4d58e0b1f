package mw

import (
	"net/http"

	"github.com/MrSnakeDoc/keypool/internal/httpserver/session"
	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// RequireSession rejects requests without a valid admin session and makes
// the session available through session.FromContext.
func RequireSession(m *session.Manager, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := m.Lookup(r)
			if err != nil {
				log.Debug("request without valid session",
					logger.String("path", r.URL.Path),
					logger.String("remote_ip", r.RemoteAddr))
				reject(w, http.StatusUnauthorized, "authentication required", "unauthenticated")
				return
			}
			next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), info)))
		})
	}
}

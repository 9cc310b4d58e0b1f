package routes

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/mw"
)

// adminTimeout bounds admin and auth requests. The proxy has no such limit.
const adminTimeout = 10 * time.Second

func init() {
	Register("auth", registerAuth)
	Register("admin", registerAdmin)
}

func registerAuth(r chi.Router, d deps.Deps) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Use(middleware.Timeout(adminTimeout), mw.EnforceHost(d.AllowedHosts, d.Logger))

		r.With(mw.RateLimit(mw.RateLimitConfig{
			Burst:             d.LoginBurst,
			RefillPerIPPerMin: d.LoginPerMin,
			MaxEntries:        10000,
			TrustProxy:        d.TrustProxy,
		})).Post("/login", handlers.Login(d))

		r.Group(func(r chi.Router) {
			r.Use(mw.RequireSession(d.Sessions, d.Logger))
			r.Post("/logout", handlers.Logout(d))
			r.Get("/me", handlers.Me(d))
		})
	})
}

func registerAdmin(r chi.Router, d deps.Deps) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(
			middleware.Timeout(adminTimeout),
			mw.EnforceHost(d.AllowedHosts, d.Logger),
			mw.RequireSession(d.Sessions, d.Logger),
		)

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", handlers.ListCredentials(d))
			r.Post("/", handlers.CreateCredential(d))
			r.Post("/batch", handlers.CreateCredentialsBatch(d))
			r.Post("/status", handlers.SetCredentialsStatus(d))
			r.Post("/reset-usage", handlers.ResetUsage(d))

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", handlers.UpdateCredential(d))
				r.Delete("/", handlers.DeleteCredential(d))
				r.Post("/activate", handlers.SetCredentialActive(d, true))
				r.Post("/deactivate", handlers.SetCredentialActive(d, false))
				r.Get("/reveal", handlers.RevealCredential(d))
				r.Get("/history", handlers.CredentialHistory(d))
			})
		})

		r.Get("/pool/stats", handlers.PoolStats(d))
		r.Post("/pool/reload", handlers.Reload(d))
		r.Post("/accounts/{identity}/unlock", handlers.UnlockAccount(d))
	})
}

package routes

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/mw"
)

// Probe answers must never be served from a cache.
func init() { Register("health", registerHealth, middleware.NoCache) }

func registerHealth(r chi.Router, d deps.Deps) {
	allow := mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger)
	r.With(allow).Get("/healthz", handlers.Healthz(d))
	r.With(allow).Get("/readyz", handlers.Readyz(d))
	r.With(allow).Get("/infra", handlers.Infra(d))
}

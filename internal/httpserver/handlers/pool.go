package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/keypool/internal/admin"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/pool"
)

// PoolStats returns the read-only pool summary together with each
// credential's masked view.
func PoolStats(d deps.Deps) http.HandlerFunc {
	type response struct {
		Summary     pool.Stats             `json:"summary"`
		Credentials []admin.CredentialView `json:"credentials"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		snap := d.Pool.Snapshot()
		views := make([]admin.CredentialView, 0, len(snap))
		for _, c := range snap {
			views = append(views, admin.View(c))
		}
		writeJSON(w, http.StatusOK, response{Summary: d.Pool.Stats(), Credentials: views})
	}
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Readyz reports ready once the pool has loaded and the store answers.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.Pool.Initialized() {
			writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Reason: "credential pool not loaded"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Reason: "store unreachable"})
			return
		}

		writeJSON(w, http.StatusOK, readyzResponse{Ready: true})
	}
}

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/session"
	"github.com/MrSnakeDoc/keypool/internal/logger"
)

type accountResponse struct {
	Identity      string `json:"identity"`
	Active        bool   `json:"active"`
	LoginAttempts int    `json:"login_attempts"`
	Locked        bool   `json:"locked"`
}

// UnlockAccount clears an admin account's failed attempts and lock.
func UnlockAccount(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, _ := session.FromContext(r.Context())
		acc, err := d.Admin.UnlockAccount(r.Context(), chi.URLParam(r, "identity"))
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		d.Logger.Info("account unlocked",
			logger.String("identity", acc.Identity),
			logger.String("actor", info.Identity))
		writeJSON(w, http.StatusOK, accountResponse{
			Identity:      acc.Identity,
			Active:        acc.Active,
			LoginAttempts: acc.LoginAttempts,
			Locked:        acc.IsLocked(d.TimeNow()),
		})
	}
}

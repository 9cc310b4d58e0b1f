package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/session"
	"github.com/MrSnakeDoc/keypool/internal/logger"
)

type loginRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type loginResponse struct {
	Identity  string `json:"identity"`
	ExpiresAt string `json:"expires_at"`
}

// Login verifies an admin secret through the lockout state machine and
// issues a session cookie on success.
func Login(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(d, w, r, err)
			return
		}

		acc, err := d.Auth.Login(r.Context(), req.Identity, req.Secret)
		if err != nil {
			d.Logger.Info("login rejected",
				logger.String("identity", req.Identity),
				logger.String("remote_ip", r.RemoteAddr),
				logger.Error(err))
			writeError(d, w, r, err)
			return
		}

		info, err := d.Sessions.Issue(w, r, acc.Identity)
		if err != nil {
			writeError(d, w, r, err)
			return
		}

		d.Logger.Info("login accepted",
			logger.String("identity", acc.Identity),
			logger.String("remote_ip", r.RemoteAddr))
		writeJSON(w, http.StatusOK, loginResponse{
			Identity:  info.Identity,
			ExpiresAt: info.ExpiresAt.Format(timeLayout),
		})
	}
}

// Logout drops the session cookie.
func Logout(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, _ := session.FromContext(r.Context())
		if err := d.Sessions.Clear(w, r); err != nil {
			writeError(d, w, r, err)
			return
		}
		d.Logger.Info("logout", logger.String("identity", info.Identity))
		w.WriteHeader(http.StatusNoContent)
	}
}

// Me returns the current session.
func Me(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, _ := session.FromContext(r.Context())
		writeJSON(w, http.StatusOK, info)
	}
}

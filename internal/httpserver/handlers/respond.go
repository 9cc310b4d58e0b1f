package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/admin"
	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

// maxBodyBytes caps JSON request bodies. Batch imports are the largest.
const maxBodyBytes = 1 << 20

const timeLayout = time.RFC3339

type errorResponse struct {
	Error             string     `json:"error"`
	Code              string     `json:"code"`
	RemainingAttempts *int       `json:"remaining_attempts,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", domain.ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrValidation, err)
	}
	return nil
}

// writeError maps domain and store errors onto HTTP statuses.
func writeError(d deps.Deps, w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := errorResponse{Error: err.Error(), Code: code}

	var le *domain.LoginError
	if errors.As(err, &le) {
		if errors.Is(le, domain.ErrInvalidCredentials) {
			n := le.RemainingAttempts
			resp.RemainingAttempts = &n
		}
		resp.LockedUntil = le.LockedUntil
	}

	switch {
	case status >= 500:
		d.Logger.Error("request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Error(err))
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "30")
		}
	default:
		d.Logger.Debug("request rejected",
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Error(err))
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	// Checked first: the write committed even if the reason it could not be
	// applied is an unavailable store.
	case errors.Is(err, admin.ErrPoolStale):
		return http.StatusInternalServerError, "pool_stale"
	case errors.Is(err, domain.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, domain.ErrInvalidCredentialFormat):
		return http.StatusBadRequest, "invalid_credential_format"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, domain.ErrDuplicateCredential):
		return http.StatusConflict, "duplicate_credential"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrCredentialNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAccountDisabled):
		return http.StatusForbidden, "account_disabled"
	case errors.Is(err, domain.ErrAccountLocked):
		return http.StatusLocked, "account_locked"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

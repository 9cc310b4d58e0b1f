package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/keypool/internal/admin"
	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/session"
)

type createCredentialRequest struct {
	Name        string `json:"name"`
	Secret      string `json:"secret"`
	LimitPerDay int64  `json:"limit_per_day"`
	Active      *bool  `json:"active,omitempty"`
}

type batchCreateRequest struct {
	// Secrets separated by newlines, commas or whitespace.
	Secrets     string `json:"secrets"`
	LimitPerDay int64  `json:"limit_per_day"`
	Active      *bool  `json:"active,omitempty"`
}

type idsRequest struct {
	IDs    []string `json:"ids"`
	Active *bool    `json:"active,omitempty"`
}

var errMissingActive = fmt.Errorf("%w: active is required", domain.ErrValidation)

type countResponse struct {
	Count int `json:"count"`
}

func ListCredentials(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := d.Admin.List(r.Context())
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func CreateCredential(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCredentialRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(d, w, r, err)
			return
		}

		c, err := d.Admin.CreateCredential(r.Context(), domain.NewCredential{
			Name:        req.Name,
			Secret:      req.Secret,
			LimitPerDay: req.LimitPerDay,
			Active:      req.Active == nil || *req.Active,
		})
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, admin.View(*c))
	}
}

func CreateCredentialsBatch(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchCreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(d, w, r, err)
			return
		}

		res, err := d.Admin.CreateCredentialsBatch(r.Context(), req.Secrets, req.LimitPerDay, req.Active == nil || *req.Active)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func UpdateCredential(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch domain.CredentialPatch
		if err := decodeJSON(w, r, &patch); err != nil {
			writeError(d, w, r, err)
			return
		}

		c, err := d.Admin.UpdateCredential(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, admin.View(*c))
	}
}

func DeleteCredential(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Admin.DeleteCredential(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(d, w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SetCredentialActive backs both the activate and deactivate routes.
func SetCredentialActive(d deps.Deps, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var err error
		if active {
			err = d.Admin.Activate(r.Context(), id)
		} else {
			err = d.Admin.Deactivate(r.Context(), id)
		}
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func SetCredentialsStatus(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req idsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(d, w, r, err)
			return
		}
		if req.Active == nil {
			writeError(d, w, r, errMissingActive)
			return
		}

		n, err := d.Admin.SetStatusBatch(r.Context(), req.IDs, *req.Active)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, countResponse{Count: n})
	}
}

// ResetUsage zeroes the listed credentials, or all of them when ids is
// empty or the body is omitted.
func ResetUsage(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req idsRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(d, w, r, err)
				return
			}
		}

		n, err := d.Admin.ResetUsage(r.Context(), req.IDs...)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, countResponse{Count: n})
	}
}

type revealResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

func RevealCredential(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, _ := session.FromContext(r.Context())
		id := chi.URLParam(r, "id")

		secret, err := d.Admin.Reveal(r.Context(), id, info.Identity)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, revealResponse{ID: id, Secret: secret})
	}
}

func CredentialHistory(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := d.Admin.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ai_routing/internal/models"
	"ai_routing/internal/utils"
	"ai_routing/internal/vault"
)

// CreateKeyRequest is the body of POST /ai-keys
type CreateKeyRequest struct {
	WorkspaceID         string            `json:"workspace_id,omitempty"`
	Provider            string            `json:"provider" validate:"required,max=64"`
	Label               string            `json:"label,omitempty" validate:"max=100"`
	APIKey              string            `json:"api_key" validate:"required,min=8"`
	Scopes              []models.Modality `json:"scopes,omitempty" validate:"omitempty,dive,oneof=text image audio video"`
	MonthlyBudgetUSD    *float64          `json:"monthly_budget_usd,omitempty" validate:"omitempty,gt=0"`
	MonthlyTokenLimit   *int64            `json:"monthly_token_limit,omitempty" validate:"omitempty,gt=0"`
	MonthlyRequestLimit *int64            `json:"monthly_request_limit,omitempty" validate:"omitempty,gt=0"`
}

// KeyResponse is a stored key. LivenessError is set when the upstream
// check just failed and the key is now invalid.
type KeyResponse struct {
	*vault.KeyView
	LivenessError string `json:"liveness_error,omitempty"`
}

func (d *Dependencies) listKeys(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r, "")
	if !ok {
		return
	}
	keys, err := d.Vault.ListKeys(r.Context(), s)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (d *Dependencies) createKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	s, ok := scope(w, r, req.WorkspaceID)
	if !ok {
		return
	}

	view, err := d.Vault.AddKey(r.Context(), s, vault.AddKeyInput{
		Provider: req.Provider,
		Label:    req.Label,
		Secret:   req.APIKey,
		Scopes:   req.Scopes,
		Limits: vault.Limits{
			MonthlyBudgetUSD:    req.MonthlyBudgetUSD,
			MonthlyTokenLimit:   req.MonthlyTokenLimit,
			MonthlyRequestLimit: req.MonthlyRequestLimit,
		},
	})
	d.respondWithKey(w, http.StatusCreated, view, err)
}

// respondWithKey treats a failed liveness check as a result, not an error:
// the key was stored either way
func (d *Dependencies) respondWithKey(w http.ResponseWriter, status int, view *vault.KeyView, err error) {
	var liveness *vault.LivenessError
	switch {
	case errors.As(err, &liveness) && view != nil:
		utils.RespondWithJSON(w, status, KeyResponse{KeyView: view, LivenessError: liveness.Error()})
	case err != nil:
		writeError(w, d.logger, err)
	default:
		utils.RespondWithJSON(w, status, KeyResponse{KeyView: view})
	}
}

// keyAction runs op on the key named in the URL
func (d *Dependencies) keyAction(op func(r *http.Request, s models.Scope, id uuid.UUID) (*vault.KeyView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid key ID")
			return
		}
		s, ok := scope(w, r, "")
		if !ok {
			return
		}
		view, err := op(r, s, id)
		d.respondWithKey(w, http.StatusOK, view, err)
	}
}

func (d *Dependencies) getKey(r *http.Request, s models.Scope, id uuid.UUID) (*vault.KeyView, error) {
	return d.Vault.Get(r.Context(), s, id)
}

func (d *Dependencies) verifyKey(r *http.Request, s models.Scope, id uuid.UUID) (*vault.KeyView, error) {
	return d.Vault.Verify(r.Context(), s, id)
}

func (d *Dependencies) disableKey(r *http.Request, s models.Scope, id uuid.UUID) (*vault.KeyView, error) {
	return d.Vault.Disable(r.Context(), s, id)
}

package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ai_routing/internal/aliases"
	"ai_routing/internal/models"
	"ai_routing/internal/utils"
)

// FallbackEntryRequest is one fallback step
type FallbackEntryRequest struct {
	Provider string `json:"provider" validate:"required"`
	Model    string `json:"model"`
	Priority int    `json:"priority" validate:"gte=0"`
}

// CreateAliasRequest is the body of POST /ai-aliases
type CreateAliasRequest struct {
	WorkspaceID       string                 `json:"workspace_id,omitempty"`
	AliasName         string                 `json:"alias_name" validate:"required,max=100"`
	DisplayName       string                 `json:"display_name,omitempty" validate:"max=200"`
	Modality          string                 `json:"modality" validate:"required"`
	Capability        string                 `json:"capability" validate:"required"`
	PrimaryProvider   string                 `json:"primary_provider" validate:"required"`
	PrimaryModel      string                 `json:"primary_model"`
	FallbackChain     []FallbackEntryRequest `json:"fallback_chain,omitempty" validate:"max=8,dive"`
	RoutingPreference string                 `json:"routing_preference,omitempty" validate:"omitempty,oneof=quality speed cost"`
	AllowAggregators  bool                   `json:"allow_aggregators"`
}

func (d *Dependencies) listAliases(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r, "")
	if !ok {
		return
	}
	views, err := d.Aliases.List(r.Context(), s)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"aliases": views})
}

func (d *Dependencies) createAlias(w http.ResponseWriter, r *http.Request) {
	var req CreateAliasRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	s, ok := scope(w, r, req.WorkspaceID)
	if !ok {
		return
	}

	chain := make([]models.FallbackEntry, 0, len(req.FallbackChain))
	for _, e := range req.FallbackChain {
		chain = append(chain, models.FallbackEntry{Provider: e.Provider, Model: e.Model, Priority: e.Priority})
	}
	alias, err := d.Aliases.Create(r.Context(), s, aliases.CreateInput{
		AliasName:         req.AliasName,
		DisplayName:       req.DisplayName,
		Modality:          models.Modality(req.Modality),
		Capability:        models.Feature(req.Capability),
		PrimaryProvider:   req.PrimaryProvider,
		PrimaryModel:      req.PrimaryModel,
		FallbackChain:     chain,
		RoutingPreference: models.RoutingPreference(req.RoutingPreference),
		AllowAggregators:  req.AllowAggregators,
	})
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	d.respondWithAlias(w, r, http.StatusCreated, s, alias)
}

func (d *Dependencies) getAlias(w http.ResponseWriter, r *http.Request) {
	d.aliasAction(w, r, d.Aliases.Get)
}

func (d *Dependencies) deactivateAlias(w http.ResponseWriter, r *http.Request) {
	d.aliasAction(w, r, d.Aliases.Deactivate)
}

func (d *Dependencies) aliasAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, s models.Scope, id uuid.UUID) (*models.ModelAlias, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid alias ID")
		return
	}
	s, ok := scope(w, r, "")
	if !ok {
		return
	}
	alias, err := op(r.Context(), s, id)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	d.respondWithAlias(w, r, http.StatusOK, s, alias)
}

func (d *Dependencies) respondWithAlias(w http.ResponseWriter, r *http.Request, status int, s models.Scope, alias *models.ModelAlias) {
	view, err := d.Aliases.Health(r.Context(), s, alias)
	if err != nil {
		writeError(w, d.logger, err)
		return
	}
	utils.RespondWithJSON(w, status, view)
}

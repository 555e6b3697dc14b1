package aliases

import (
	"context"
	"errors"

	"ai_routing/internal/catalog"
	"ai_routing/internal/models"
	"ai_routing/internal/vault"
)

// CandidateStatus is the live health of one candidate
type CandidateStatus struct {
	Provider     string              `json:"provider"`
	Model        string              `json:"model"`
	Rank         int                 `json:"rank"`
	KeyStatus    models.KeyStatus    `json:"key_status"`
	BudgetStatus models.BudgetStatus `json:"budget_status"`
	Healthy      bool                `json:"healthy"`
	Reason       string              `json:"reason,omitempty"`
}

// AliasView is an alias enriched with per-candidate health
type AliasView struct {
	*models.ModelAlias
	PrimaryKeyStatus    models.KeyStatus    `json:"primary_key_status"`
	PrimaryBudgetStatus models.BudgetStatus `json:"primary_budget_status"`
	FallbackStatus      []CandidateStatus   `json:"fallback_status"`
	HealthyProviders    int                 `json:"healthy_providers"`
	TotalProviders      int                 `json:"total_providers"`
}

// List returns the workspace's aliases with the health of every candidate,
// so callers can show "2 of 3 providers healthy" directly
func (r *Registry) List(ctx context.Context, scope models.Scope) ([]*AliasView, error) {
	aliases, err := r.store.ListByWorkspace(ctx, scope.TenantID, scope.WorkspaceID)
	if err != nil {
		return nil, err
	}
	keys, err := r.keys.ListKeys(ctx, scope)
	if err != nil {
		return nil, err
	}
	byProvider := pickKeys(keys)

	views := make([]*AliasView, 0, len(aliases))
	for _, a := range aliases {
		view, err := r.enrich(ctx, a, byProvider)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Health enriches a single alias
func (r *Registry) Health(ctx context.Context, scope models.Scope, alias *models.ModelAlias) (*AliasView, error) {
	keys, err := r.keys.ListKeys(ctx, scope)
	if err != nil {
		return nil, err
	}
	return r.enrich(ctx, alias, pickKeys(keys))
}

// pickKeys chooses the key dispatch would use per provider: the first
// active one, else the first listed
func pickKeys(keys []*vault.KeyView) map[string]*vault.KeyView {
	picked := make(map[string]*vault.KeyView)
	for _, k := range keys {
		cur, ok := picked[k.Provider]
		if !ok || (cur.Status != models.KeyStatusActive && k.Status == models.KeyStatusActive) {
			picked[k.Provider] = k
		}
	}
	return picked
}

func (r *Registry) enrich(ctx context.Context, alias *models.ModelAlias, keys map[string]*vault.KeyView) (*AliasView, error) {
	candidates := Resolve(alias)
	view := &AliasView{ModelAlias: alias, FallbackStatus: make([]CandidateStatus, 0, len(candidates)-1)}

	for _, c := range candidates {
		st, err := r.candidateStatus(ctx, alias, c, keys[c.Provider])
		if err != nil {
			return nil, err
		}
		if st.Healthy {
			view.HealthyProviders++
		}
		if c.Rank == 0 {
			view.PrimaryKeyStatus = st.KeyStatus
			view.PrimaryBudgetStatus = st.BudgetStatus
			continue
		}
		view.FallbackStatus = append(view.FallbackStatus, st)
	}
	view.TotalProviders = len(candidates)
	return view, nil
}

func (r *Registry) candidateStatus(ctx context.Context, alias *models.ModelAlias, c Candidate, key *vault.KeyView) (CandidateStatus, error) {
	st := CandidateStatus{Provider: c.Provider, Model: c.Model, Rank: c.Rank, KeyStatus: models.KeyStatusMissing, BudgetStatus: models.BudgetNoLimit}
	if key != nil {
		st.KeyStatus = key.Status
		st.BudgetStatus = key.BudgetStatus
	}

	desc, err := r.catalog.Get(ctx, c.Provider)
	switch {
	case errors.Is(err, catalog.ErrUnknownProvider):
		st.Reason = "provider not in catalog"
		return st, nil
	case err != nil:
		return st, err
	}

	switch {
	case !desc.IsActive:
		st.Reason = "provider inactive"
	case desc.IsAggregator && !alias.AllowAggregators:
		st.Reason = "aggregators not allowed"
	case key == nil:
		st.Reason = "no key"
	case key.Status != models.KeyStatusActive:
		st.Reason = "key " + string(key.Status)
	case len(key.Scopes) > 0 && !key.Scopes.Contains(alias.Modality):
		st.Reason = "key not scoped for " + string(alias.Modality)
	case key.BudgetStatus == models.BudgetExceeded:
		st.Reason = "budget exhausted"
	default:
		st.Healthy = true
	}
	return st, nil
}

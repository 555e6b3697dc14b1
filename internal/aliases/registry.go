package aliases

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/catalog"
	"ai_routing/internal/models"
	"ai_routing/internal/storage"
	"ai_routing/internal/utils"
	"ai_routing/internal/vault"
)

// MaxFallbacks bounds the fallback chain, and with it the worst-case
// latency of one dispatch
const MaxFallbacks = 8

var aliasName = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

var (
	// ErrAliasNotFound is returned when an alias does not exist
	ErrAliasNotFound = errors.New("alias not found")

	// ErrForbidden is returned when an alias belongs to another tenant or workspace
	ErrForbidden = errors.New("alias belongs to another workspace")
)

// ValidationError is a rejected alias definition. Provider names the chain
// entry at fault, when there is one.
type ValidationError struct {
	Field    string
	Provider string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (provider %s)", e.Field, e.Reason, e.Provider)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Store is the alias persistence
type Store interface {
	Create(ctx context.Context, a *models.ModelAlias) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ModelAlias, error)
	GetByName(ctx context.Context, tenantID, workspaceID, name string) (*models.ModelAlias, error)
	ListByWorkspace(ctx context.Context, tenantID, workspaceID string) ([]*models.ModelAlias, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool, now time.Time) error
}

// Catalog looks up provider descriptors
type Catalog interface {
	Get(ctx context.Context, name string) (*models.ProviderDescriptor, error)
	GetActive(ctx context.Context, name string) (*models.ProviderDescriptor, error)
}

// KeyLister reports the workspace's keys for health enrichment
type KeyLister interface {
	ListKeys(ctx context.Context, scope models.Scope) ([]*vault.KeyView, error)
}

// CreateInput is a new alias definition
type CreateInput struct {
	AliasName         string
	DisplayName       string
	Modality          models.Modality
	Capability        models.Feature
	PrimaryProvider   string
	PrimaryModel      string
	FallbackChain     []models.FallbackEntry
	RoutingPreference models.RoutingPreference
	AllowAggregators  bool
}

// Registry manages tenants' aliases
type Registry struct {
	store   Store
	catalog Catalog
	keys    KeyLister
	logger  *utils.Logger

	// Now is the clock; tests replace it
	Now func() time.Time
}

// NewRegistry creates an alias registry
func NewRegistry(store Store, catalog Catalog, keys KeyLister) *Registry {
	return &Registry{
		store:   store,
		catalog: catalog,
		keys:    keys,
		logger:  utils.NewLogger("aliases"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create validates every chain entry against the catalog and stores the
// alias. Configuration problems are reported here, never at dispatch.
func (r *Registry) Create(ctx context.Context, scope models.Scope, in CreateInput) (*models.ModelAlias, error) {
	alias, err := r.build(ctx, scope, in)
	if err != nil {
		return nil, err
	}

	if err := r.store.Create(ctx, alias); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, &ValidationError{Field: "alias_name", Reason: fmt.Sprintf("%q already exists in this workspace", alias.AliasName)}
		}
		return nil, err
	}

	r.logger.Info("Created alias",
		"alias", alias.AliasName,
		"workspace_id", scope.WorkspaceID,
		"primary", alias.PrimaryProvider+"/"+alias.PrimaryModel,
		"fallbacks", len(alias.FallbackChain),
	)
	return alias, nil
}

func (r *Registry) build(ctx context.Context, scope models.Scope, in CreateInput) (*models.ModelAlias, error) {
	name := strings.ToLower(strings.TrimSpace(in.AliasName))
	if !aliasName.MatchString(name) {
		return nil, &ValidationError{Field: "alias_name", Reason: "must be 1-64 lowercase letters, digits, '.', '_' or '-'"}
	}
	if !in.Modality.Valid() {
		return nil, &ValidationError{Field: "modality", Reason: fmt.Sprintf("unknown modality %q", in.Modality)}
	}
	if !in.Capability.Valid() {
		return nil, &ValidationError{Field: "capability", Reason: fmt.Sprintf("unknown capability %q", in.Capability)}
	}
	pref := in.RoutingPreference
	if pref == "" {
		pref = models.PreferQuality
	}
	if !pref.Valid() {
		return nil, &ValidationError{Field: "routing_preference", Reason: fmt.Sprintf("unknown preference %q", pref)}
	}
	if len(in.FallbackChain) > MaxFallbacks {
		return nil, &ValidationError{Field: "fallback_chain", Reason: fmt.Sprintf("at most %d entries", MaxFallbacks)}
	}

	primaryModel, err := r.checkEntry(ctx, "primary_provider", in.PrimaryProvider, in.PrimaryModel, in.Modality, in.Capability)
	if err != nil {
		return nil, err
	}
	primaryProvider := normalizeProvider(in.PrimaryProvider)

	seen := map[string]bool{primaryProvider + "/" + primaryModel: true}
	chain := make(models.FallbackChain, 0, len(in.FallbackChain))
	for i, e := range in.FallbackChain {
		field := fmt.Sprintf("fallback_chain[%d]", i)
		if e.Priority < 0 {
			return nil, &ValidationError{Field: field + ".priority", Provider: e.Provider, Reason: "must be zero or greater"}
		}
		model, err := r.checkEntry(ctx, field, e.Provider, e.Model, in.Modality, in.Capability)
		if err != nil {
			return nil, err
		}
		provider := normalizeProvider(e.Provider)
		if seen[provider+"/"+model] {
			return nil, &ValidationError{Field: field, Provider: provider, Reason: fmt.Sprintf("%s/%s is already in the chain", provider, model)}
		}
		seen[provider+"/"+model] = true
		chain = append(chain, models.FallbackEntry{Provider: provider, Model: model, Priority: e.Priority})
	}

	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = name
	}

	now := r.Now()
	return &models.ModelAlias{
		ID:                uuid.New(),
		TenantID:          scope.TenantID,
		WorkspaceID:       scope.WorkspaceID,
		AliasName:         name,
		DisplayName:       display,
		Modality:          in.Modality,
		Capability:        in.Capability,
		PrimaryProvider:   primaryProvider,
		PrimaryModel:      primaryModel,
		FallbackChain:     chain,
		RoutingPreference: pref,
		AllowAggregators:  in.AllowAggregators,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// checkEntry validates one (provider, model) against the catalog and
// returns the model, defaulted from the catalog when empty
func (r *Registry) checkEntry(ctx context.Context, field, provider, model string, modality models.Modality, capability models.Feature) (string, error) {
	provider = normalizeProvider(provider)
	if provider == "" {
		return "", &ValidationError{Field: field, Reason: "provider is required"}
	}
	desc, err := r.catalog.GetActive(ctx, provider)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownProvider) || errors.Is(err, catalog.ErrProviderInactive) {
			return "", &ValidationError{Field: field, Provider: provider, Reason: err.Error()}
		}
		return "", err
	}
	if !desc.SupportsModality(modality) {
		return "", &ValidationError{Field: field, Provider: provider, Reason: fmt.Sprintf("does not support modality %s", modality)}
	}
	if !desc.SupportsFeature(capability) {
		return "", &ValidationError{Field: field, Provider: provider, Reason: fmt.Sprintf("does not support capability %s", capability)}
	}

	model = strings.TrimSpace(model)
	if model == "" {
		model = desc.DefaultModels[modality]
	}
	if model == "" {
		return "", &ValidationError{Field: field, Provider: provider, Reason: "model is required"}
	}
	return model, nil
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Lookup returns an active alias by name with its candidates in order.
// Missing and inactive aliases are both ErrAliasNotFound.
func (r *Registry) Lookup(ctx context.Context, scope models.Scope, name string) (*models.ModelAlias, []Candidate, error) {
	alias, err := r.store.GetByName(ctx, scope.TenantID, scope.WorkspaceID, strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		if errors.Is(err, storage.ErrAliasNotFound) {
			return nil, nil, ErrAliasNotFound
		}
		return nil, nil, err
	}
	if !alias.IsActive {
		return nil, nil, ErrAliasNotFound
	}
	return alias, Resolve(alias), nil
}

// Get returns one alias, enforcing ownership
func (r *Registry) Get(ctx context.Context, scope models.Scope, id uuid.UUID) (*models.ModelAlias, error) {
	alias, err := r.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrAliasNotFound) {
			return nil, ErrAliasNotFound
		}
		return nil, err
	}
	if !scope.Owns(alias.TenantID, alias.WorkspaceID) {
		return nil, ErrForbidden
	}
	return alias, nil
}

// Deactivate removes an alias from resolution. Its usage history stays.
func (r *Registry) Deactivate(ctx context.Context, scope models.Scope, id uuid.UUID) (*models.ModelAlias, error) {
	alias, err := r.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	now := r.Now()
	if err := r.store.SetActive(ctx, alias.ID, false, now); err != nil {
		return nil, err
	}
	alias.IsActive = false
	alias.UpdatedAt = now

	r.logger.Info("Deactivated alias", "alias", alias.AliasName, "workspace_id", scope.WorkspaceID)
	return alias, nil
}

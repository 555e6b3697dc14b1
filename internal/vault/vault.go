package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/billing"
	"ai_routing/internal/catalog"
	"ai_routing/internal/models"
	"ai_routing/internal/providers"
	"ai_routing/internal/storage"
	"ai_routing/internal/utils"
)

// DefaultWarningThreshold is the spend ratio at which budget_status turns to warning
const DefaultWarningThreshold = 0.8

const maxLabelLength = 64

// KeyStore is the persistence the vault needs
type KeyStore interface {
	Create(ctx context.Context, k *models.ProviderKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProviderKey, error)
	ListByWorkspace(ctx context.Context, tenantID, workspaceID string) ([]*models.ProviderKey, error)
	FindForProvider(ctx context.Context, tenantID, workspaceID, provider string) (*models.ProviderKey, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.KeyStatus, lastError *string, verifiedAt *time.Time, now time.Time) error
}

// Catalog resolves provider names for validation
type Catalog interface {
	GetActive(ctx context.Context, name string) (*models.ProviderDescriptor, error)
	Get(ctx context.Context, name string) (*models.ProviderDescriptor, error)
}

// Sealer encrypts secrets per tenant
type Sealer interface {
	Seal(tenantID string, plaintext []byte) (string, error)
	Open(tenantID, sealed string) ([]byte, error)
}

// Verifier runs the minimal upstream call that proves a credential works
type Verifier interface {
	Verify(ctx context.Context, call providers.Call) error
}

// Limits are the optional monthly caps of a key
type Limits struct {
	MonthlyBudgetUSD    *float64
	MonthlyTokenLimit   *int64
	MonthlyRequestLimit *int64
}

// AddKeyInput is a new credential submitted by a tenant
type AddKeyInput struct {
	Provider string
	Label    string
	Secret   string
	Scopes   []models.Modality
	Limits
}

// KeyView is a key as exposed to callers: masked, with the derived budget
// status. It carries no sealed material.
type KeyView struct {
	ID                  uuid.UUID           `json:"id"`
	WorkspaceID         string              `json:"workspace_id"`
	Provider            string              `json:"provider"`
	Label               string              `json:"label"`
	MaskedKey           string              `json:"masked_key"`
	Scopes              models.ModalitySet  `json:"scopes"`
	MonthlyBudgetUSD    *float64            `json:"monthly_budget_usd"`
	MonthlyTokenLimit   *int64              `json:"monthly_token_limit"`
	MonthlyRequestLimit *int64              `json:"monthly_request_limit"`
	CurrentSpendUSD     float64             `json:"current_spend_usd"`
	CurrentTokens       int64               `json:"current_tokens"`
	CurrentRequests     int64               `json:"current_requests"`
	BudgetPeriod        string              `json:"budget_period"`
	BudgetStatus        models.BudgetStatus `json:"budget_status"`
	Status              models.KeyStatus    `json:"status"`
	LastVerifiedAt      *time.Time          `json:"last_verified_at"`
	LastError           *string             `json:"last_error,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Options tune a Vault
type Options struct {
	LivenessTimeout  time.Duration
	WarningThreshold float64
}

// Vault stores tenant credentials sealed, checks them upstream, and fronts
// the budget counters.
type Vault struct {
	keys     KeyStore
	catalog  Catalog
	sealer   Sealer
	verifier Verifier
	counter  billing.Counter
	opts     Options
	logger   *utils.Logger

	// Now is the clock; tests replace it
	Now func() time.Time
}

// New creates a vault
func New(keys KeyStore, catalog Catalog, sealer Sealer, verifier Verifier, counter billing.Counter, opts Options) *Vault {
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 10 * time.Second
	}
	if opts.WarningThreshold <= 0 || opts.WarningThreshold >= 1 {
		opts.WarningThreshold = DefaultWarningThreshold
	}
	return &Vault{
		keys:     keys,
		catalog:  catalog,
		sealer:   sealer,
		verifier: verifier,
		counter:  counter,
		opts:     opts,
		logger:   utils.NewLogger("vault"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddKey validates and seals a new credential, then checks it upstream.
// A failed check still stores the key, with status invalid, and returns
// the stored view together with a *LivenessError.
func (v *Vault) AddKey(ctx context.Context, scope models.Scope, in AddKeyInput) (*KeyView, error) {
	provider, err := v.validate(ctx, scope, &in)
	if err != nil {
		return nil, err
	}

	sealed, err := v.sealer.Seal(scope.TenantID, []byte(in.Secret))
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}

	now := v.Now()
	key := &models.ProviderKey{
		ID:                  uuid.New(),
		TenantID:            scope.TenantID,
		WorkspaceID:         scope.WorkspaceID,
		ProviderName:        provider.Name,
		Label:               in.Label,
		EncryptedSecret:     sealed,
		KeyLastFour:         utils.LastN(in.Secret, 4),
		SecretFingerprint:   utils.HashString(scope.TenantID + ":" + in.Secret),
		Scopes:              models.ModalitySet(in.Scopes),
		MonthlyBudgetUSD:    in.MonthlyBudgetUSD,
		MonthlyTokenLimit:   in.MonthlyTokenLimit,
		MonthlyRequestLimit: in.MonthlyRequestLimit,
		BudgetPeriod:        models.BudgetPeriodFor(now),
		Status:              models.KeyStatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	liveErr := v.checkLiveness(ctx, provider, key, in.Secret)
	if liveErr != nil {
		key.Status = models.KeyStatusInvalid
		key.LastError = utils.StringPtr(liveErr.Error())
	} else {
		key.LastVerifiedAt = &now
	}

	if err := v.keys.Create(ctx, key); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, &ValidationError{Field: "label", Provider: provider.Name, Reason: "a key with this label already exists"}
		}
		return nil, err
	}

	v.logger.Info("Stored provider key",
		"key_id", key.ID,
		"provider", key.ProviderName,
		"key_last_four", key.KeyLastFour,
		"status", key.Status,
	)

	view := v.view(key, BudgetStatus(0, key.MonthlyBudgetUSD, v.opts.WarningThreshold))
	if liveErr != nil {
		return view, &LivenessError{Provider: provider.Name, Err: liveErr}
	}
	return view, nil
}

func (v *Vault) validate(ctx context.Context, scope models.Scope, in *AddKeyInput) (*models.ProviderDescriptor, error) {
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	in.Label = strings.TrimSpace(in.Label)
	in.Secret = strings.TrimSpace(in.Secret)

	provider, err := v.catalog.GetActive(ctx, in.Provider)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownProvider) || errors.Is(err, catalog.ErrProviderInactive) {
			return nil, &ValidationError{Field: "provider", Provider: in.Provider, Reason: err.Error()}
		}
		return nil, err
	}
	if in.Label == "" {
		in.Label = "default"
	}
	if len(in.Label) > maxLabelLength {
		return nil, &ValidationError{Field: "label", Reason: fmt.Sprintf("must be at most %d characters", maxLabelLength)}
	}
	if len(in.Secret) < 8 {
		return nil, &ValidationError{Field: "api_key", Provider: provider.Name, Reason: "too short"}
	}
	for _, m := range in.Scopes {
		if !m.Valid() {
			return nil, &ValidationError{Field: "scopes", Reason: fmt.Sprintf("unknown modality %q", m)}
		}
		if !provider.SupportsModality(m) {
			return nil, &ValidationError{Field: "scopes", Provider: provider.Name, Reason: fmt.Sprintf("provider does not support %s", m)}
		}
	}
	if in.MonthlyBudgetUSD != nil && *in.MonthlyBudgetUSD <= 0 {
		return nil, &ValidationError{Field: "monthly_budget_usd", Reason: "must be positive"}
	}
	if in.MonthlyTokenLimit != nil && *in.MonthlyTokenLimit <= 0 {
		return nil, &ValidationError{Field: "monthly_token_limit", Reason: "must be positive"}
	}
	if in.MonthlyRequestLimit != nil && *in.MonthlyRequestLimit <= 0 {
		return nil, &ValidationError{Field: "monthly_request_limit", Reason: "must be positive"}
	}

	existing, err := v.keys.ListByWorkspace(ctx, scope.TenantID, scope.WorkspaceID)
	if err != nil {
		return nil, err
	}
	fingerprint := utils.HashString(scope.TenantID + ":" + in.Secret)
	for _, k := range existing {
		if k.ProviderName == provider.Name && k.SecretFingerprint == fingerprint {
			return nil, &ValidationError{Field: "api_key", Provider: provider.Name, Reason: fmt.Sprintf("already stored as %q", k.Label)}
		}
	}
	return provider, nil
}

// checkLiveness runs the provider's cheapest call with the plain secret
func (v *Vault) checkLiveness(ctx context.Context, provider *models.ProviderDescriptor, key *models.ProviderKey, secret string) error {
	if v.verifier == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, v.opts.LivenessTimeout)
	defer cancel()

	modality := models.ModalityText
	if len(key.Scopes) > 0 {
		modality = key.Scopes[0]
	} else if !provider.SupportsModality(modality) && len(provider.SupportedModalities) > 0 {
		modality = provider.SupportedModalities[0]
	}
	var capability models.Feature
	if len(provider.SupportedFeatures) > 0 {
		capability = provider.SupportedFeatures[0]
	}

	return v.verifier.Verify(ctx, providers.Call{
		Provider:   provider.Name,
		Model:      provider.DefaultModels[modality],
		Modality:   modality,
		Capability: capability,
		BaseURL:    provider.APIBaseURL,
		APIKey:     secret,
		Payload: map[string]any{
			"messages":   []map[string]string{{"role": "user", "content": "ping"}},
			"max_tokens": 1,
		},
	})
}

// ListKeys returns the workspace's keys, masked, with budget status
func (v *Vault) ListKeys(ctx context.Context, scope models.Scope) ([]*KeyView, error) {
	keys, err := v.keys.ListByWorkspace(ctx, scope.TenantID, scope.WorkspaceID)
	if err != nil {
		return nil, err
	}

	views := make([]*KeyView, 0, len(keys))
	for _, k := range keys {
		view, err := v.liveView(ctx, k)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Get returns one key. Keys of another tenant or workspace are ErrForbidden.
func (v *Vault) Get(ctx context.Context, scope models.Scope, id uuid.UUID) (*KeyView, error) {
	key, err := v.owned(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	return v.liveView(ctx, key)
}

// Disable soft-disables a key. Its usage history stays attributable.
func (v *Vault) Disable(ctx context.Context, scope models.Scope, id uuid.UUID) (*KeyView, error) {
	key, err := v.owned(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := v.keys.UpdateStatus(ctx, key.ID, models.KeyStatusDisabled, key.LastError, nil, v.Now()); err != nil {
		return nil, err
	}
	key.Status = models.KeyStatusDisabled

	v.logger.Info("Disabled provider key", "key_id", key.ID, "provider", key.ProviderName)
	return v.liveView(ctx, key)
}

// Verify re-runs the liveness check. Success restores an invalid key to
// active; failure marks it invalid. Disabled keys stay disabled.
func (v *Vault) Verify(ctx context.Context, scope models.Scope, id uuid.UUID) (*KeyView, error) {
	key, err := v.owned(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	provider, err := v.catalog.Get(ctx, key.ProviderName)
	if err != nil {
		return nil, err
	}
	secret, err := v.Unseal(key)
	if err != nil {
		return nil, err
	}

	now := v.Now()
	liveErr := v.checkLiveness(ctx, provider, key, secret.Reveal())
	status := models.KeyStatusActive
	var lastError *string
	if liveErr != nil {
		status = models.KeyStatusInvalid
		lastError = utils.StringPtr(liveErr.Error())
	}
	if key.Status == models.KeyStatusDisabled {
		status = models.KeyStatusDisabled
	}

	var verifiedAt *time.Time
	if liveErr == nil {
		verifiedAt = &now
		key.LastVerifiedAt = verifiedAt
	}
	if err := v.keys.UpdateStatus(ctx, key.ID, status, lastError, verifiedAt, now); err != nil {
		return nil, err
	}
	key.Status = status
	key.LastError = lastError

	view, err := v.liveView(ctx, key)
	if err != nil {
		return nil, err
	}
	if liveErr != nil {
		return view, &LivenessError{Provider: key.ProviderName, Err: liveErr}
	}
	return view, nil
}

// KeyFor returns the key dispatch uses for provider in scope, or
// ErrKeyNotFound. The key may be unusable; callers check Status.
func (v *Vault) KeyFor(ctx context.Context, scope models.Scope, provider string) (*models.ProviderKey, error) {
	key, err := v.keys.FindForProvider(ctx, scope.TenantID, scope.WorkspaceID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrProviderKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
}

// Unseal opens a key's secret for an upstream call. Nothing on the API
// surface calls it.
func (v *Vault) Unseal(key *models.ProviderKey) (Secret, error) {
	raw, err := v.sealer.Open(key.TenantID, key.EncryptedSecret)
	if err != nil {
		return Secret{}, fmt.Errorf("failed to unseal key %s: %w", key.ID, err)
	}
	return Secret{raw: string(raw)}, nil
}

// Reserve holds estimated cost and tokens against the key's monthly limits.
// It fails with ErrBudgetExceeded instead of letting the call overshoot,
// and with ErrKeyInactive when the key stopped being active.
func (v *Vault) Reserve(ctx context.Context, key *models.ProviderKey, estUSD float64, estTokens int64) (*billing.Reservation, error) {
	return v.counter.Reserve(ctx, key, estUSD, estTokens, v.Now())
}

// ChargeUsage settles a reservation with the cost and tokens the call
// actually consumed
func (v *Vault) ChargeUsage(ctx context.Context, r *billing.Reservation, costUSD float64, tokens int64) error {
	return v.counter.Settle(ctx, r, costUSD, tokens, v.Now())
}

// MarkInvalid records that the provider rejected the key
func (v *Vault) MarkInvalid(ctx context.Context, key *models.ProviderKey, reason string) error {
	if err := v.keys.UpdateStatus(ctx, key.ID, models.KeyStatusInvalid, utils.StringPtr(reason), nil, v.Now()); err != nil {
		return err
	}
	v.logger.Warn("Provider rejected key", "key_id", key.ID, "provider", key.ProviderName, "key_last_four", key.KeyLastFour)
	return nil
}

func (v *Vault) owned(ctx context.Context, scope models.Scope, id uuid.UUID) (*models.ProviderKey, error) {
	key, err := v.keys.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrProviderKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if !scope.Owns(key.TenantID, key.WorkspaceID) {
		return nil, ErrForbidden
	}
	return key, nil
}

func (v *Vault) liveView(ctx context.Context, key *models.ProviderKey) (*KeyView, error) {
	usage, err := v.counter.Usage(ctx, key, v.Now())
	if err != nil {
		return nil, err
	}
	view := v.view(key, BudgetStatus(usage.SpendUSD, key.MonthlyBudgetUSD, v.opts.WarningThreshold))
	view.CurrentSpendUSD = usage.SpendUSD
	view.CurrentTokens = usage.Tokens
	view.CurrentRequests = usage.Requests
	view.BudgetPeriod = models.BudgetPeriodFor(v.Now())
	return view, nil
}

func (v *Vault) view(key *models.ProviderKey, status models.BudgetStatus) *KeyView {
	return &KeyView{
		ID:                  key.ID,
		WorkspaceID:         key.WorkspaceID,
		Provider:            key.ProviderName,
		Label:               key.Label,
		MaskedKey:           Mask(key.KeyLastFour),
		Scopes:              key.Scopes,
		MonthlyBudgetUSD:    key.MonthlyBudgetUSD,
		MonthlyTokenLimit:   key.MonthlyTokenLimit,
		MonthlyRequestLimit: key.MonthlyRequestLimit,
		CurrentSpendUSD:     key.CurrentSpendUSD,
		CurrentTokens:       key.CurrentTokens,
		CurrentRequests:     key.CurrentRequests,
		BudgetPeriod:        key.BudgetPeriod,
		BudgetStatus:        status,
		Status:              key.Status,
		LastVerifiedAt:      key.LastVerifiedAt,
		LastError:           key.LastError,
		CreatedAt:           key.CreatedAt,
	}
}

// BudgetStatus derives the budget label from spend against the budget:
// below threshold ok, below the budget warning, otherwise exceeded.
func BudgetStatus(spend float64, budget *float64, threshold float64) models.BudgetStatus {
	if budget == nil || *budget <= 0 {
		return models.BudgetNoLimit
	}
	ratio := spend / *budget
	switch {
	case ratio >= 1:
		return models.BudgetExceeded
	case ratio >= threshold:
		return models.BudgetWarning
	default:
		return models.BudgetOK
	}
}

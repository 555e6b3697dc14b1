package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderKey is a tenant's stored credential for one provider, together
// with its monthly limits and live counters.
type ProviderKey struct {
	ID                  uuid.UUID   `db:"id"`
	TenantID            string      `db:"tenant_id"`
	WorkspaceID         string      `db:"workspace_id"`
	ProviderName        string      `db:"provider_name"`
	Label               string      `db:"label"`
	EncryptedSecret     string      `db:"encrypted_secret"`
	KeyLastFour         string      `db:"key_last_four"`
	SecretFingerprint   string      `db:"secret_fingerprint"`
	Scopes              ModalitySet `db:"scopes"`
	MonthlyBudgetUSD    *float64    `db:"monthly_budget_usd"`
	MonthlyTokenLimit   *int64      `db:"monthly_token_limit"`
	MonthlyRequestLimit *int64      `db:"monthly_request_limit"`
	CurrentSpendUSD     float64     `db:"current_spend_usd"`
	CurrentTokens       int64       `db:"current_tokens"`
	CurrentRequests     int64       `db:"current_requests"`
	ReservedUSD         float64     `db:"reserved_usd"`
	ReservedTokens      int64       `db:"reserved_tokens"`
	InFlight            int64       `db:"in_flight"`
	MaxCallUSD          float64     `db:"max_call_usd"`
	BudgetPeriod        string      `db:"budget_period"`
	Status              KeyStatus   `db:"status"`
	LastVerifiedAt      *time.Time  `db:"last_verified_at"`
	LastError           *string     `db:"last_error"`
	CreatedAt           time.Time   `db:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at"`
}

// BudgetPeriodFor returns the UTC calendar month label counters are kept under.
func BudgetPeriodFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Counters returns spend, tokens and requests for period, treating counters
// stamped with an older period as already reset.
func (k *ProviderKey) Counters(period string) (spend float64, tokens, requests int64) {
	if k.BudgetPeriod != period {
		return 0, 0, 0
	}
	return k.CurrentSpendUSD, k.CurrentTokens, k.CurrentRequests
}

// AllowsModality reports whether the key is scoped for m. An empty scope
// list permits every modality.
func (k *ProviderKey) AllowsModality(m Modality) bool {
	return len(k.Scopes) == 0 || k.Scopes.Contains(m)
}

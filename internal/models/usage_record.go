package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one dispatch attempt. Rows are never updated.
type UsageRecord struct {
	ID            uuid.UUID `db:"id" json:"id"`
	DispatchID    uuid.UUID `db:"dispatch_id" json:"dispatch_id"`
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	WorkspaceID   string    `db:"workspace_id" json:"workspace_id"`
	AliasName     *string   `db:"alias_name" json:"alias_name,omitempty"`
	ProviderName  string    `db:"provider_name" json:"provider_name"`
	Model         string    `db:"model" json:"model"`
	Tokens        int64     `db:"tokens" json:"tokens"`
	CostUSD       float64   `db:"cost_usd" json:"cost_usd"`
	LatencyMs     int64     `db:"latency_ms" json:"latency_ms"`
	Success       bool      `db:"success" json:"success"`
	ErrorMessage  *string   `db:"error_message" json:"error_message,omitempty"`
	ErrorKind     *string   `db:"error_kind" json:"error_kind,omitempty"`
	FallbackDepth int       `db:"fallback_depth" json:"fallback_depth"`
	CreatedAt     time.Time `db:"created_at" json:"timestamp"`
}

// BudgetSkip records a candidate passed over because its key had no budget
// left. Kept apart from UsageRecord so skips never count as calls.
type BudgetSkip struct {
	ID               uuid.UUID `db:"id" json:"id"`
	DispatchID       uuid.UUID `db:"dispatch_id" json:"dispatch_id"`
	TenantID         string    `db:"tenant_id" json:"tenant_id"`
	WorkspaceID      string    `db:"workspace_id" json:"workspace_id"`
	AliasName        *string   `db:"alias_name" json:"alias_name,omitempty"`
	ProviderName     string    `db:"provider_name" json:"provider_name"`
	Model            string    `db:"model" json:"model"`
	KeyID            uuid.UUID `db:"key_id" json:"key_id"`
	Rank             int       `db:"candidate_rank" json:"rank"`
	EstimatedCostUSD float64   `db:"estimated_cost_usd" json:"estimated_cost_usd"`
	Reason           string    `db:"reason" json:"reason"`
	CreatedAt        time.Time `db:"created_at" json:"timestamp"`
}

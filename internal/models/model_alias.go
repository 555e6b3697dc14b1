package models

import (
	"time"

	"github.com/google/uuid"
)

// FallbackEntry is one step of an alias's fallback chain. Lower priority is
// tried first; ties keep list order.
type FallbackEntry struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}

// FallbackChain is stored as a JSON array.
type FallbackChain []FallbackEntry

// ModelAlias maps a tenant-chosen name to a primary provider/model and an
// ordered fallback chain.
type ModelAlias struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	TenantID          string            `db:"tenant_id" json:"-"`
	WorkspaceID       string            `db:"workspace_id" json:"workspace_id"`
	AliasName         string            `db:"alias_name" json:"alias_name"`
	DisplayName       string            `db:"display_name" json:"display_name"`
	Modality          Modality          `db:"modality" json:"modality"`
	Capability        Feature           `db:"capability" json:"capability"`
	PrimaryProvider   string            `db:"primary_provider" json:"primary_provider"`
	PrimaryModel      string            `db:"primary_model" json:"primary_model"`
	FallbackChain     FallbackChain     `db:"fallback_chain" json:"fallback_chain"`
	RoutingPreference RoutingPreference `db:"routing_preference" json:"routing_preference"`
	AllowAggregators  bool              `db:"allow_aggregators" json:"allow_aggregators"`
	IsActive          bool              `db:"is_active" json:"is_active"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

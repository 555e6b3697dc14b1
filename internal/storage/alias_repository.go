package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/models"
)

const aliasColumns = `id, tenant_id, workspace_id, alias_name, display_name, modality, capability,
	primary_provider, primary_model, fallback_chain, routing_preference, allow_aggregators,
	is_active, created_at, updated_at`

// AliasRepository handles model alias database operations
type AliasRepository struct {
	db *DB
}

// NewAliasRepository creates a new alias repository
func NewAliasRepository(db *DB) *AliasRepository {
	return &AliasRepository{db: db}
}

// Create inserts a new alias
func (r *AliasRepository) Create(ctx context.Context, a *models.ModelAlias) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		INSERT INTO ai_model_aliases (`+aliasColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.TenantID, a.WorkspaceID, a.AliasName, a.DisplayName, a.Modality, a.Capability,
		a.PrimaryProvider, a.PrimaryModel, a.FallbackChain, a.RoutingPreference, a.AllowAggregators,
		a.IsActive, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create alias: %w", err)
	}
	return nil
}

// GetByID retrieves an alias regardless of owner; callers check ownership
func (r *AliasRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ModelAlias, error) {
	var alias models.ModelAlias
	query := r.db.rebind(`SELECT ` + aliasColumns + ` FROM ai_model_aliases WHERE id = ?`)
	if err := r.db.conn.GetContext(ctx, &alias, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAliasNotFound
		}
		return nil, fmt.Errorf("failed to get alias: %w", err)
	}
	return &alias, nil
}

// GetByName retrieves an alias of a (tenant, workspace) by name, active or not
func (r *AliasRepository) GetByName(ctx context.Context, tenantID, workspaceID, name string) (*models.ModelAlias, error) {
	var alias models.ModelAlias
	query := r.db.rebind(`SELECT ` + aliasColumns + ` FROM ai_model_aliases
		WHERE tenant_id = ? AND workspace_id = ? AND alias_name = ?`)
	if err := r.db.conn.GetContext(ctx, &alias, query, tenantID, workspaceID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAliasNotFound
		}
		return nil, fmt.Errorf("failed to get alias: %w", err)
	}
	return &alias, nil
}

// ListByWorkspace returns all aliases of a (tenant, workspace) by name
func (r *AliasRepository) ListByWorkspace(ctx context.Context, tenantID, workspaceID string) ([]*models.ModelAlias, error) {
	query := r.db.rebind(`SELECT ` + aliasColumns + ` FROM ai_model_aliases
		WHERE tenant_id = ? AND workspace_id = ?
		ORDER BY alias_name`)

	var aliases []*models.ModelAlias
	if err := r.db.conn.SelectContext(ctx, &aliases, query, tenantID, workspaceID); err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	return aliases, nil
}

// SetActive toggles whether an alias takes part in resolution
func (r *AliasRepository) SetActive(ctx context.Context, id uuid.UUID, active bool, now time.Time) error {
	result, err := r.db.conn.ExecContext(ctx,
		r.db.rebind(`UPDATE ai_model_aliases SET is_active = ?, updated_at = ? WHERE id = ?`),
		active, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update alias: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAliasNotFound
	}
	return nil
}

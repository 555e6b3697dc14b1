package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ai_routing/internal/models"
)

const providerColumns = `name, display_name, tier, is_aggregator, supported_modalities,
	supported_features, default_models, pricing_model, rate_limits, data_residency,
	api_base_url, is_active, sort_order, created_at, updated_at`

// ProviderRepository handles catalog database operations
type ProviderRepository struct {
	db *DB
}

// NewProviderRepository creates a new provider repository
func NewProviderRepository(db *DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

// GetByName retrieves a catalog entry by name, active or not
func (r *ProviderRepository) GetByName(ctx context.Context, name string) (*models.ProviderDescriptor, error) {
	var provider models.ProviderDescriptor
	query := r.db.rebind(`SELECT ` + providerColumns + ` FROM ai_providers WHERE name = ?`)

	if err := r.db.conn.GetContext(ctx, &provider, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &provider, nil
}

// List returns catalog entries ordered by sort_order, then name
func (r *ProviderRepository) List(ctx context.Context, activeOnly bool) ([]*models.ProviderDescriptor, error) {
	query := `SELECT ` + providerColumns + ` FROM ai_providers`
	if activeOnly {
		query += ` WHERE is_active = ?`
	}
	query += ` ORDER BY sort_order, name`

	var args []interface{}
	if activeOnly {
		args = append(args, true)
	}

	var providers []*models.ProviderDescriptor
	if err := r.db.conn.SelectContext(ctx, &providers, r.db.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return providers, nil
}

// Upsert inserts a descriptor or refreshes the stored one by name. An
// existing row keeps its is_active flag and created_at.
func (r *ProviderRepository) Upsert(ctx context.Context, p *models.ProviderDescriptor, now time.Time) (inserted bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, r.db.rebind(`SELECT COUNT(*) FROM ai_providers WHERE name = ?`), p.Name); err != nil {
		return false, fmt.Errorf("failed to check provider: %w", err)
	}

	if count == 0 {
		_, err = tx.ExecContext(ctx, r.db.rebind(`
			INSERT INTO ai_providers (`+providerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.Name, p.DisplayName, p.Tier, p.IsAggregator, p.SupportedModalities,
			p.SupportedFeatures, p.DefaultModels, p.PricingModel, p.RateLimits, p.DataResidency,
			p.APIBaseURL, p.IsActive, p.SortOrder, now, now,
		)
		inserted = true
	} else {
		_, err = tx.ExecContext(ctx, r.db.rebind(`
			UPDATE ai_providers
			SET display_name = ?, tier = ?, is_aggregator = ?, supported_modalities = ?,
			    supported_features = ?, default_models = ?, pricing_model = ?, rate_limits = ?,
			    data_residency = ?, api_base_url = ?, sort_order = ?, updated_at = ?
			WHERE name = ?`),
			p.DisplayName, p.Tier, p.IsAggregator, p.SupportedModalities,
			p.SupportedFeatures, p.DefaultModels, p.PricingModel, p.RateLimits,
			p.DataResidency, p.APIBaseURL, p.SortOrder, now, p.Name,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert provider %s: %w", p.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit provider %s: %w", p.Name, err)
	}
	return inserted, nil
}

// SetActive toggles a catalog entry in place
func (r *ProviderRepository) SetActive(ctx context.Context, name string, active bool, now time.Time) error {
	result, err := r.db.conn.ExecContext(ctx,
		r.db.rebind(`UPDATE ai_providers SET is_active = ?, updated_at = ? WHERE name = ?`),
		active, now, name,
	)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrProviderNotFound
	}
	return nil
}

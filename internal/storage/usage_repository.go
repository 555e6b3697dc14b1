package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/models"
)

const usageColumns = `id, dispatch_id, tenant_id, workspace_id, alias_name, provider_name, model,
	tokens, cost_usd, latency_ms, success, error_message, error_kind, fallback_depth, created_at`

const budgetSkipColumns = `id, dispatch_id, tenant_id, workspace_id, alias_name, provider_name,
	model, key_id, candidate_rank, estimated_cost_usd, reason, created_at`

// UsageRepository handles the append-only usage ledger tables
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create appends a usage record
func (r *UsageRepository) Create(ctx context.Context, rec *models.UsageRecord) error {
	return r.CreateBatch(ctx, []*models.UsageRecord{rec})
}

// CreateBatch appends records in one transaction. Records replayed from a
// queue with an ID already stored are ignored.
func (r *UsageRepository) CreateBatch(ctx context.Context, records []*models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.rebind(`INSERT INTO ai_usage_records (` + usageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	for _, rec := range records {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, query,
			rec.ID, rec.DispatchID, rec.TenantID, rec.WorkspaceID, rec.AliasName, rec.ProviderName, rec.Model,
			rec.Tokens, rec.CostUSD, rec.LatencyMs, rec.Success, rec.ErrorMessage, rec.ErrorKind,
			rec.FallbackDepth, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage records: %w", err)
	}
	return nil
}

// ListInWindow returns records of a (tenant, workspace) with from <= created_at < to
func (r *UsageRepository) ListInWindow(ctx context.Context, tenantID, workspaceID string, from, to time.Time) ([]*models.UsageRecord, error) {
	query := r.db.rebind(`SELECT ` + usageColumns + ` FROM ai_usage_records
		WHERE tenant_id = ? AND workspace_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at`)

	var records []*models.UsageRecord
	if err := r.db.conn.SelectContext(ctx, &records, query, tenantID, workspaceID, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, nil
}

// ListByDispatch returns all attempts of one dispatch
func (r *UsageRepository) ListByDispatch(ctx context.Context, dispatchID uuid.UUID) ([]*models.UsageRecord, error) {
	query := r.db.rebind(`SELECT ` + usageColumns + ` FROM ai_usage_records
		WHERE dispatch_id = ? ORDER BY fallback_depth, created_at`)

	var records []*models.UsageRecord
	if err := r.db.conn.SelectContext(ctx, &records, query, dispatchID); err != nil {
		return nil, fmt.Errorf("failed to list dispatch records: %w", err)
	}
	return records, nil
}

// CreateBudgetSkip appends a skipped-for-budget signal
func (r *UsageRepository) CreateBudgetSkip(ctx context.Context, s *models.BudgetSkip) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`INSERT INTO ai_budget_skips (`+budgetSkipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.DispatchID, s.TenantID, s.WorkspaceID, s.AliasName, s.ProviderName,
		s.Model, s.KeyID, s.Rank, s.EstimatedCostUSD, s.Reason, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert budget skip: %w", err)
	}
	return nil
}

// ListBudgetSkipsInWindow returns skips of a (tenant, workspace) with from <= created_at < to
func (r *UsageRepository) ListBudgetSkipsInWindow(ctx context.Context, tenantID, workspaceID string, from, to time.Time) ([]*models.BudgetSkip, error) {
	query := r.db.rebind(`SELECT ` + budgetSkipColumns + ` FROM ai_budget_skips
		WHERE tenant_id = ? AND workspace_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at`)

	var skips []*models.BudgetSkip
	if err := r.db.conn.SelectContext(ctx, &skips, query, tenantID, workspaceID, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list budget skips: %w", err)
	}
	return skips, nil
}

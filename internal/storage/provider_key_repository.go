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

const providerKeyColumns = `id, tenant_id, workspace_id, provider_name, label, encrypted_secret,
	key_last_four, secret_fingerprint, scopes, monthly_budget_usd, monthly_token_limit,
	monthly_request_limit, current_spend_usd, current_tokens, current_requests,
	reserved_usd, reserved_tokens, in_flight, max_call_usd, budget_period, status,
	last_verified_at, last_error, created_at, updated_at`

const keyCounterColumns = `current_spend_usd, current_tokens, current_requests,
	reserved_usd, reserved_tokens, in_flight, max_call_usd`

// KeyCounters is the counter state returned by the conditional updates
type KeyCounters struct {
	CurrentSpendUSD float64 `db:"current_spend_usd"`
	CurrentTokens   int64   `db:"current_tokens"`
	CurrentRequests int64   `db:"current_requests"`
	ReservedUSD     float64 `db:"reserved_usd"`
	ReservedTokens  int64   `db:"reserved_tokens"`
	InFlight        int64   `db:"in_flight"`
	MaxCallUSD      float64 `db:"max_call_usd"`
}

// HoldUSD is the amount Reserve holds for a call estimated at estUSD: the
// estimate, raised to the largest call the key has settled.
func HoldUSD(estUSD, maxCallUSD float64) float64 {
	if maxCallUSD > estUSD {
		return maxCallUSD
	}
	return estUSD
}

// ProviderKeyRepository handles credential vault database operations
type ProviderKeyRepository struct {
	db *DB
}

// NewProviderKeyRepository creates a new provider key repository
func NewProviderKeyRepository(db *DB) *ProviderKeyRepository {
	return &ProviderKeyRepository{db: db}
}

// Create inserts a new key. created_at/updated_at are taken from the record.
func (r *ProviderKeyRepository) Create(ctx context.Context, k *models.ProviderKey) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		INSERT INTO ai_provider_keys (`+providerKeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		k.ID, k.TenantID, k.WorkspaceID, k.ProviderName, k.Label, k.EncryptedSecret,
		k.KeyLastFour, k.SecretFingerprint, k.Scopes, k.MonthlyBudgetUSD, k.MonthlyTokenLimit,
		k.MonthlyRequestLimit, k.CurrentSpendUSD, k.CurrentTokens, k.CurrentRequests,
		k.ReservedUSD, k.ReservedTokens, k.InFlight, k.MaxCallUSD, k.BudgetPeriod, k.Status,
		k.LastVerifiedAt, k.LastError, k.CreatedAt, k.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create provider key: %w", err)
	}
	return nil
}

// GetByID retrieves a key regardless of owner; callers check ownership
func (r *ProviderKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProviderKey, error) {
	var key models.ProviderKey
	query := r.db.rebind(`SELECT ` + providerKeyColumns + ` FROM ai_provider_keys WHERE id = ?`)
	if err := r.db.conn.GetContext(ctx, &key, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderKeyNotFound
		}
		return nil, fmt.Errorf("failed to get provider key: %w", err)
	}
	return &key, nil
}

// ListByWorkspace returns every key of a (tenant, workspace), disabled ones included
func (r *ProviderKeyRepository) ListByWorkspace(ctx context.Context, tenantID, workspaceID string) ([]*models.ProviderKey, error) {
	query := r.db.rebind(`SELECT ` + providerKeyColumns + ` FROM ai_provider_keys
		WHERE tenant_id = ? AND workspace_id = ?
		ORDER BY provider_name, created_at, label`)

	var keys []*models.ProviderKey
	if err := r.db.conn.SelectContext(ctx, &keys, query, tenantID, workspaceID); err != nil {
		return nil, fmt.Errorf("failed to list provider keys: %w", err)
	}
	return keys, nil
}

// FindForProvider returns the key dispatch should use for a provider: the
// oldest active key, or failing that the oldest key of any status so the
// caller can report why it is unusable.
func (r *ProviderKeyRepository) FindForProvider(ctx context.Context, tenantID, workspaceID, provider string) (*models.ProviderKey, error) {
	var key models.ProviderKey
	query := r.db.rebind(`SELECT ` + providerKeyColumns + ` FROM ai_provider_keys
		WHERE tenant_id = ? AND workspace_id = ? AND provider_name = ?
		ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, created_at, label
		LIMIT 1`)
	if err := r.db.conn.GetContext(ctx, &key, query, tenantID, workspaceID, provider, models.KeyStatusActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderKeyNotFound
		}
		return nil, fmt.Errorf("failed to find provider key: %w", err)
	}
	return &key, nil
}

// UpdateStatus sets status, the last verification time and the last error
func (r *ProviderKeyRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.KeyStatus, lastError *string, verifiedAt *time.Time, now time.Time) error {
	query := `UPDATE ai_provider_keys SET status = ?, last_error = ?, updated_at = ?`
	args := []interface{}{status, lastError, now}
	if verifiedAt != nil {
		query += `, last_verified_at = ?`
		args = append(args, *verifiedAt)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := r.db.conn.ExecContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update provider key status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrProviderKeyNotFound
	}
	return nil
}

// RollPeriod zeroes the counters of a key stamped with an older budget
// period. Periods are "YYYY-MM" so string order is calendar order and a key
// never rolls backwards. The in-flight count resets with the reservations,
// which also clears counts left behind by calls that never settled.
func (r *ProviderKeyRepository) RollPeriod(ctx context.Context, id uuid.UUID, period string, now time.Time) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		UPDATE ai_provider_keys
		SET current_spend_usd = 0, current_tokens = 0, current_requests = 0,
		    reserved_usd = 0, reserved_tokens = 0, in_flight = 0,
		    budget_period = ?, updated_at = ?
		WHERE id = ? AND budget_period < ?`),
		period, now, id, period,
	)
	if err != nil {
		return fmt.Errorf("failed to roll budget period: %w", err)
	}
	return nil
}

// Reserve atomically checks the key's limits against the estimate and, if
// they hold, moves the hold into the reserved counters and counts the
// request. The hold is HoldUSD(estUSD, max_call_usd). On a capped key a
// call may only start alongside others when its hold is non-zero and fits
// the remaining budget, so calls with no estimate run one at a time until
// the key has settled a paid call.
//
// When no row qualifies the key is re-read: a missing key yields
// ErrProviderKeyNotFound, a key that is not active ErrKeyInactive, and
// anything else (limits, another period) ErrBudgetExceeded.
func (r *ProviderKeyRepository) Reserve(ctx context.Context, id uuid.UUID, period string, estUSD float64, estTokens int64, now time.Time) (*KeyCounters, error) {
	const hold = `CASE WHEN max_call_usd > ? THEN max_call_usd ELSE ? END`

	var counters KeyCounters
	err := r.db.conn.GetContext(ctx, &counters, r.db.rebind(`
		UPDATE ai_provider_keys
		SET reserved_usd = reserved_usd + `+hold+`,
		    reserved_tokens = reserved_tokens + ?,
		    current_requests = current_requests + 1,
		    in_flight = in_flight + 1,
		    updated_at = ?
		WHERE id = ? AND status = ? AND budget_period = ?
		  AND (monthly_budget_usd IS NULL OR (
		        current_spend_usd + reserved_usd < monthly_budget_usd
		    AND current_spend_usd + reserved_usd + ? <= monthly_budget_usd
		    AND (in_flight = 0 OR (
		            `+hold+` > 0
		        AND current_spend_usd + reserved_usd + `+hold+` <= monthly_budget_usd))))
		  AND (monthly_request_limit IS NULL OR current_requests + 1 <= monthly_request_limit)
		  AND (monthly_token_limit IS NULL OR current_tokens + reserved_tokens + ? <= monthly_token_limit)
		RETURNING `+keyCounterColumns),
		estUSD, estUSD, estTokens, now,
		id, models.KeyStatusActive, period,
		estUSD,
		estUSD, estUSD,
		estUSD, estUSD,
		estTokens,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.reserveRefusal(ctx, id)
		}
		return nil, fmt.Errorf("failed to reserve budget: %w", err)
	}
	return &counters, nil
}

func (r *ProviderKeyRepository) reserveRefusal(ctx context.Context, id uuid.UUID) error {
	var status models.KeyStatus
	err := r.db.conn.GetContext(ctx, &status, r.db.rebind(`SELECT status FROM ai_provider_keys WHERE id = ?`), id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrProviderKeyNotFound
	case err != nil:
		return fmt.Errorf("failed to read provider key status: %w", err)
	case status != models.KeyStatusActive:
		return fmt.Errorf("%w: %s", ErrKeyInactive, status)
	default:
		return ErrBudgetExceeded
	}
}

// Settle releases a reservation and charges the actual cost and tokens in
// one statement, ending the call's in-flight count and raising max_call_usd
// to the actual cost when it is the largest seen. Reserved counters never
// drop below zero, so a period roll between reserve and settle cannot push
// them negative.
func (r *ProviderKeyRepository) Settle(ctx context.Context, id uuid.UUID, reservedUSD float64, reservedTokens int64, actualUSD float64, actualTokens int64, now time.Time) (*KeyCounters, error) {
	var counters KeyCounters
	err := r.db.conn.GetContext(ctx, &counters, r.db.rebind(`
		UPDATE ai_provider_keys
		SET reserved_usd = CASE WHEN reserved_usd >= ? THEN reserved_usd - ? ELSE 0 END,
		    reserved_tokens = CASE WHEN reserved_tokens >= ? THEN reserved_tokens - ? ELSE 0 END,
		    in_flight = CASE WHEN in_flight > 0 THEN in_flight - 1 ELSE 0 END,
		    max_call_usd = CASE WHEN max_call_usd >= ? THEN max_call_usd ELSE ? END,
		    current_spend_usd = current_spend_usd + ?,
		    current_tokens = current_tokens + ?,
		    updated_at = ?
		WHERE id = ?
		RETURNING `+keyCounterColumns),
		reservedUSD, reservedUSD,
		reservedTokens, reservedTokens,
		actualUSD, actualUSD,
		actualUSD, actualTokens, now, id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderKeyNotFound
		}
		return nil, fmt.Errorf("failed to settle budget: %w", err)
	}
	return &counters, nil
}

// ApplyCharge unconditionally adds to the live counters of the given period.
// Used when another store is authoritative and the database mirrors it.
// Charges for a period the key has already left are dropped and reported
// as applied=false. A single-request charge also raises max_call_usd, so a
// counter reseeded from the row starts with the largest call seen.
func (r *ProviderKeyRepository) ApplyCharge(ctx context.Context, id uuid.UUID, period string, usd float64, tokens, requests int64, now time.Time) (applied bool, err error) {
	if err := r.RollPeriod(ctx, id, period, now); err != nil {
		return false, err
	}
	result, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		UPDATE ai_provider_keys
		SET current_spend_usd = current_spend_usd + ?,
		    current_tokens = current_tokens + ?,
		    current_requests = current_requests + ?,
		    max_call_usd = CASE WHEN ? = 1 AND max_call_usd < ? THEN ? ELSE max_call_usd END,
		    updated_at = ?
		WHERE id = ? AND budget_period = ?`),
		usd, tokens, requests,
		requests, usd, usd,
		now, id, period,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply charge: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/models"
	"ai_routing/internal/storage"
)

// ErrBudgetExceeded is returned when a reservation would break one of the
// key's monthly limits
var ErrBudgetExceeded = errors.New("monthly limit reached")

// ErrKeyInactive is returned when the key was disabled or invalidated
// after it was selected
var ErrKeyInactive = storage.ErrKeyInactive

// Reservation is budget held for one in-flight upstream call. USD is the
// hold, which may exceed the estimate (see storage.HoldUSD).
type Reservation struct {
	KeyID  uuid.UUID `json:"key_id"`
	Period string    `json:"period"`
	USD    float64   `json:"usd"`
	Tokens int64     `json:"tokens"`
}

// Usage is a key's live counters for a period
type Usage struct {
	SpendUSD float64
	Tokens   int64
	Requests int64
}

// Counter holds the live budget counters of provider keys. Reserve checks
// every monthly limit against the estimate and holds it atomically; Settle
// releases the hold and charges what the call actually cost. Spend only
// ever grows within a period.
type Counter interface {
	Reserve(ctx context.Context, key *models.ProviderKey, estUSD float64, estTokens int64, now time.Time) (*Reservation, error)
	Settle(ctx context.Context, r *Reservation, actualUSD float64, actualTokens int64, now time.Time) error
	Usage(ctx context.Context, key *models.ProviderKey, now time.Time) (Usage, error)
}

// KeyStore is the slice of the key repository the counters use
type KeyStore interface {
	RollPeriod(ctx context.Context, id uuid.UUID, period string, now time.Time) error
	Reserve(ctx context.Context, id uuid.UUID, period string, estUSD float64, estTokens int64, now time.Time) (*storage.KeyCounters, error)
	Settle(ctx context.Context, id uuid.UUID, reservedUSD float64, reservedTokens int64, actualUSD float64, actualTokens int64, now time.Time) (*storage.KeyCounters, error)
	ApplyCharge(ctx context.Context, id uuid.UUID, period string, usd float64, tokens, requests int64, now time.Time) (bool, error)
}

// DBCounter keeps counters on the key rows with conditional updates, so
// concurrent reservations for one key serialize in the database
type DBCounter struct {
	store KeyStore
}

// NewDBCounter creates a database-backed counter
func NewDBCounter(store KeyStore) *DBCounter {
	return &DBCounter{store: store}
}

// Reserve rolls a stale period forward, then holds the estimate
func (c *DBCounter) Reserve(ctx context.Context, key *models.ProviderKey, estUSD float64, estTokens int64, now time.Time) (*Reservation, error) {
	period := models.BudgetPeriodFor(now)
	if err := c.store.RollPeriod(ctx, key.ID, period, now); err != nil {
		return nil, err
	}

	counters, err := c.store.Reserve(ctx, key.ID, period, estUSD, estTokens, now)
	switch {
	case errors.Is(err, storage.ErrBudgetExceeded):
		return nil, ErrBudgetExceeded
	case err != nil:
		return nil, err
	}
	return &Reservation{
		KeyID:  key.ID,
		Period: period,
		USD:    storage.HoldUSD(estUSD, counters.MaxCallUSD),
		Tokens: estTokens,
	}, nil
}

// Settle releases the hold and charges the actual usage in one statement
func (c *DBCounter) Settle(ctx context.Context, r *Reservation, actualUSD float64, actualTokens int64, now time.Time) error {
	if _, err := c.store.Settle(ctx, r.KeyID, r.USD, r.Tokens, actualUSD, actualTokens, now); err != nil {
		return fmt.Errorf("failed to settle key %s: %w", r.KeyID, err)
	}
	return nil
}

// Usage reads the counters off the key row
func (c *DBCounter) Usage(ctx context.Context, key *models.ProviderKey, now time.Time) (Usage, error) {
	spend, tokens, requests := key.Counters(models.BudgetPeriodFor(now))
	return Usage{SpendUSD: spend, Tokens: tokens, Requests: requests}, nil
}

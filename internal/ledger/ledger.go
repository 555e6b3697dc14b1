package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/metrics"
	"ai_routing/internal/models"
	"ai_routing/internal/utils"
)

// DefaultRecentErrors is how many failed attempts a report lists
const DefaultRecentErrors = 10

// Store is the append-only ledger persistence
type Store interface {
	Create(ctx context.Context, rec *models.UsageRecord) error
	CreateBatch(ctx context.Context, records []*models.UsageRecord) error
	ListInWindow(ctx context.Context, tenantID, workspaceID string, from, to time.Time) ([]*models.UsageRecord, error)
	CreateBudgetSkip(ctx context.Context, s *models.BudgetSkip) error
	ListBudgetSkipsInWindow(ctx context.Context, tenantID, workspaceID string, from, to time.Time) ([]*models.BudgetSkip, error)
}

// Enqueuer accepts records for a background writer
type Enqueuer interface {
	Enqueue(ctx context.Context, rec *models.UsageRecord) error
}

// Exporter receives a copy of every written record
type Exporter interface {
	Export(rec *models.UsageRecord)
}

// Ledger records one row per dispatch attempt and reports over them.
// Rows are never updated.
type Ledger struct {
	store        Store
	queue        Enqueuer
	exporter     Exporter
	metrics      metrics.Recorder
	recentErrors int
	logger       *utils.Logger

	// Now is the clock; tests replace it
	Now func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithQueue writes records through a background worker instead of inline
func WithQueue(q Enqueuer) Option {
	return func(l *Ledger) { l.queue = q }
}

// WithExporter mirrors written records to an export sink
func WithExporter(e Exporter) Option {
	return func(l *Ledger) { l.exporter = e }
}

// WithMetrics counts ledger writes
func WithMetrics(m metrics.Recorder) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithRecentErrors sets how many failed attempts reports list
func WithRecentErrors(n int) Option {
	return func(l *Ledger) { l.recentErrors = n }
}

// New creates a ledger over store
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		metrics:      metrics.Noop{},
		recentErrors: DefaultRecentErrors,
		logger:       utils.NewLogger("ledger"),
		Now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one attempt. A zero ID or timestamp is filled in. With a
// queue the write happens in the background; a full or failed queue falls
// back to an inline write so accounting is never dropped.
func (l *Ledger) Record(ctx context.Context, rec *models.UsageRecord) error {
	if rec.TenantID == "" || rec.ProviderName == "" {
		return errors.New("usage record needs a tenant and a provider")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.Now()
	}

	if l.queue != nil {
		err := l.queue.Enqueue(ctx, rec)
		if err == nil {
			l.export(rec)
			return nil
		}
		l.logger.Warn("Ledger queue unavailable, writing inline", "dispatch_id", rec.DispatchID, "error", err)
	}

	if err := l.store.Create(ctx, rec); err != nil {
		l.metrics.LedgerRecord(false)
		l.logger.Error("Failed to write usage record",
			"dispatch_id", rec.DispatchID,
			"provider", rec.ProviderName,
			"cost_usd", rec.CostUSD,
			"error", err,
		)
		return err
	}
	l.metrics.LedgerRecord(true)
	l.export(rec)
	return nil
}

func (l *Ledger) export(rec *models.UsageRecord) {
	if l.exporter != nil {
		l.exporter.Export(rec)
	}
}

// RecordBudgetSkip stores a skipped-for-budget signal. Skips are not
// attempts and never show up in call counts.
func (l *Ledger) RecordBudgetSkip(ctx context.Context, skip *models.BudgetSkip) error {
	if skip.ID == uuid.Nil {
		skip.ID = uuid.New()
	}
	if skip.CreatedAt.IsZero() {
		skip.CreatedAt = l.Now()
	}
	return l.store.CreateBudgetSkip(ctx, skip)
}

// Metrics reports on the scope's attempts in the current UTC day, week or month
func (l *Ledger) Metrics(ctx context.Context, scope models.Scope, tf Timeframe) (*Metrics, error) {
	from, to := Window(tf, l.Now())

	records, err := l.store.ListInWindow(ctx, scope.TenantID, scope.WorkspaceID, from, to)
	if err != nil {
		return nil, err
	}
	skips, err := l.store.ListBudgetSkipsInWindow(ctx, scope.TenantID, scope.WorkspaceID, from, to)
	if err != nil {
		return nil, err
	}

	m := Aggregate(records, skips, l.recentErrors)
	m.Timeframe = tf
	m.From = from
	m.To = to
	return m, nil
}

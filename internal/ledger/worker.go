package ledger

import (
	"context"

	"ai_routing/internal/metrics"
	"ai_routing/internal/models"
	"ai_routing/internal/queue"
)

// Worker drains queued usage records into the store in batches. A failed
// batch is retried record by record; inserts ignore ids already written,
// so a replay never duplicates a row.
type Worker struct {
	*queue.Worker[*models.UsageRecord]
	store   Store
	metrics metrics.Recorder
}

// NewWorker creates a ledger worker over q
func NewWorker(q queue.Queue[*models.UsageRecord], dlq queue.DeadLetterQueue[*models.UsageRecord], store Store, m metrics.Recorder, config *queue.Config) *Worker {
	if config == nil {
		config = queue.DefaultConfig("usage-ledger")
	}
	if m == nil {
		m = metrics.Noop{}
	}
	w := &Worker{store: store, metrics: m}
	w.Worker = queue.NewWorker[*models.UsageRecord](q, dlq, w.writeBatch, w.writeOne, config)
	return w
}

func (w *Worker) writeBatch(ctx context.Context, records []*models.UsageRecord) error {
	if err := w.store.CreateBatch(ctx, records); err != nil {
		return err
	}
	for range records {
		w.metrics.LedgerRecord(true)
	}
	return nil
}

func (w *Worker) writeOne(ctx context.Context, rec *models.UsageRecord) error {
	if err := w.store.Create(ctx, rec); err != nil {
		return err
	}
	w.metrics.LedgerRecord(true)
	return nil
}

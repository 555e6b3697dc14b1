package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ai_routing/internal/queue"
	"ai_routing/internal/utils"
)

// ChargeEvent is one settled call to mirror into the database counters
type ChargeEvent struct {
	KeyID    uuid.UUID `json:"key_id"`
	Period   string    `json:"period"`
	USD      float64   `json:"usd"`
	Tokens   int64     `json:"tokens"`
	Requests int64     `json:"requests"`
	At       time.Time `json:"at"`
}

// SyncWorker applies queued charges to the key rows so listings, the
// database counter and Redis agree. Charges for a period the key already
// left are dropped.
type SyncWorker struct {
	*queue.Worker[ChargeEvent]
	store  KeyStore
	logger *utils.Logger
}

// NewSyncWorker creates a sync worker over q
func NewSyncWorker(q queue.Queue[ChargeEvent], dlq queue.DeadLetterQueue[ChargeEvent], store KeyStore, config *queue.Config) *SyncWorker {
	if config == nil {
		config = queue.DefaultConfig("budget-sync")
	}
	w := &SyncWorker{store: store, logger: utils.NewLogger("budget-sync")}
	// charges are not idempotent, so there is no batch path that could be
	// replayed item by item after a partial failure
	w.Worker = queue.NewWorker[ChargeEvent](q, dlq, nil, w.apply, config)
	return w
}

func (w *SyncWorker) apply(ctx context.Context, ev ChargeEvent) error {
	applied, err := w.store.ApplyCharge(ctx, ev.KeyID, ev.Period, ev.USD, ev.Tokens, ev.Requests, time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		w.logger.Warn("Dropped charge for a closed period", "key_id", ev.KeyID, "period", ev.Period, "usd", ev.USD)
	}
	return nil
}

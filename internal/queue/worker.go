package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ai_routing/internal/utils"
)

// BatchHandler persists a whole batch at once
type BatchHandler[T any] func(ctx context.Context, items []T) error

// ItemHandler persists a single item
type ItemHandler[T any] func(ctx context.Context, item T) error

// Worker drains a Queue in batches. A failed batch falls back to per-item
// writes with exponential backoff; items that exhaust their retries are
// parked in the dead letter queue when one is configured.
type Worker[T any] struct {
	name        string
	queue       Queue[T]
	dlq         DeadLetterQueue[T]
	handleBatch BatchHandler[T]
	handleItem  ItemHandler[T]
	config      *Config
	logger      *utils.Logger
	sleep       func(time.Duration)

	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a worker. handleItem is required; handleBatch may be
// nil, in which case items go through handleItem one by one.
func NewWorker[T any](q Queue[T], dlq DeadLetterQueue[T], handleBatch BatchHandler[T], handleItem ItemHandler[T], config *Config) *Worker[T] {
	if config == nil {
		config = DefaultConfig("worker")
	}
	return &Worker[T]{
		name:        config.Name,
		queue:       q,
		dlq:         dlq,
		handleBatch: handleBatch,
		handleItem:  handleItem,
		config:      config,
		logger:      utils.NewLogger(config.Name + "-worker"),
		sleep:       time.Sleep,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker[T]) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker, waits for the loop to exit and drains what is
// still queued
func (w *Worker[T]) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan
	return w.drain()
}

// Enqueue adds an item to the worker's queue
func (w *Worker[T]) Enqueue(ctx context.Context, item T) error {
	return w.queue.Enqueue(ctx, item)
}

// QueueLength returns the number of items still waiting
func (w *Worker[T]) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

func (w *Worker[T]) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled")
			return
		default:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch handles one batch; it returns the number of items dequeued
func (w *Worker[T]) ProcessBatch(ctx context.Context) int {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to dequeue", "error", err)
			w.sleep(time.Second)
		}
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	w.logger.Debug("Processing batch", "count", len(items))
	w.handle(ctx, items)
	return len(items)
}

func (w *Worker[T]) handle(ctx context.Context, items []T) {
	if w.handleBatch != nil {
		err := w.handleBatch(ctx, items)
		if err == nil {
			return
		}
		w.logger.Error("Batch failed, falling back to individual writes", "count", len(items), "error", err)
	}

	for _, item := range items {
		if err := w.processItem(ctx, item); err != nil {
			w.logger.Error("Failed to process item", "error", err)
		}
	}
}

func (w *Worker[T]) processItem(ctx context.Context, item T) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying item", "attempt", attempt, "backoff", backoff)
			w.sleep(backoff)
		}
		if lastErr = w.handleItem(ctx, item); lastErr == nil {
			return nil
		}
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, item, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Item moved to dead letter queue", "error", lastErr)
		}
	}
	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// drain flushes items left in the queue after the loop exits, bounded by
// one batch timeout per round
func (w *Worker[T]) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		n, err := w.queue.Length(ctx)
		if err != nil || n == 0 {
			return nil
		}
		items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, 10*time.Millisecond)
		if err != nil {
			return fmt.Errorf("failed to drain %s queue: %w", w.name, err)
		}
		if len(items) == 0 {
			return nil
		}
		w.handle(ctx, items)
	}
}

// DeadLetterItems lists parked items
func (w *Worker[T]) DeadLetterItems(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a parked item and removes it from the DLQ
func (w *Worker[T]) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}
	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dlItem.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		return w.dlq.Remove(ctx, id)
	}
	return ErrItemNotFound
}

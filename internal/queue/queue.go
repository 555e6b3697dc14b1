package queue

import (
	"context"
	"time"
)

// Package queue carries the asynchronous side of dispatch accounting with
// two interchangeable backends:
//
// 1. Memory queue (buffered channel):
//    - No persistence, items are lost on restart
//    - Default for single-node and test deployments
//
// 2. Redis queue (Redis list):
//    - Survives restarts and is shared by every replica
//
//	┌──────────────┐
//	│  Dispatcher  │
//	└──────┬───────┘
//	       ├──────────────────────────┐
//	       ▼                          ▼
//	┌──────────────┐          ┌──────────────┐
//	│ Ledger queue │          │ Budget sync  │
//	│ (attempts)   │          │ queue        │
//	└──────┬───────┘          └──────┬───────┘
//	       ▼                          ▼
//	┌──────────────┐          ┌──────────────┐
//	│ Worker       │          │ Worker       │
//	│ batch→retry  │          │ batch→retry  │
//	└──┬───────┬───┘          └──┬───────┬───┘
//	   ▼       ▼                 ▼       ▼
//	 usage    DLQ            key counters DLQ
//	 records                 (database)
//
// Workers write a batch at a time, fall back to per-item writes with
// exponential backoff, park items that keep failing in a dead-letter queue
// and drain what is left on shutdown.

// Queue is a FIFO of T shared between producers and a Worker
type Queue[T any] interface {
	// Enqueue adds an item to the tail
	Enqueue(ctx context.Context, item T) error

	// DequeueWithTimeout waits up to timeout for the first item, then takes
	// whatever else is immediately available, up to maxItems. An empty slice
	// means the timeout elapsed.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	// Length returns the number of queued items
	Length(ctx context.Context) (int, error)

	// Close stops accepting items
	Close() error
}

// DeadLetterQueue holds items a Worker gave up on
type DeadLetterQueue[T any] interface {
	Add(ctx context.Context, item T, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem is a failed item with the error that parked it
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds queue and worker settings
type Config struct {
	// Name keys the Redis list ("queue:<name>") and dead-letter hash ("dlq:<name>")
	Name string

	// BatchSize is the maximum number of items handled at once
	BatchSize int

	// BatchTimeout is how long to wait before handling a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the number of per-item retries before an item is dead-lettered
	MaxRetries int

	// RetryBackoff is the first retry delay; it doubles on every attempt
	RetryBackoff time.Duration
}

// DefaultConfig returns default queue configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}

package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue[string](DefaultConfig("test"))
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "item-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := q.DequeueWithTimeout(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(items) != 1 || items[0] != "item-1" {
		t.Fatalf("Expected [item-1], got %v", items)
	}
}

func TestMemoryQueue_Batches(t *testing.T) {
	config := DefaultConfig("test")
	config.BatchSize = 5
	q := NewMemoryQueue[int](config)
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if err := q.Enqueue(ctx, i); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	items, _ := q.DequeueWithTimeout(ctx, 5, time.Second)
	if len(items) != 5 {
		t.Errorf("Expected 5 items, got %d", len(items))
	}
	if items[0] != 0 || items[4] != 4 {
		t.Errorf("Expected FIFO order, got %v", items)
	}

	items, _ = q.DequeueWithTimeout(ctx, 5, time.Second)
	if len(items) != 3 {
		t.Errorf("Expected 3 items, got %d", len(items))
	}
}

func TestMemoryQueue_Timeout(t *testing.T) {
	q := NewMemoryQueue[int](DefaultConfig("test"))
	defer q.Close()

	start := time.Now()
	items, err := q.DequeueWithTimeout(context.Background(), 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected no items, got %d", len(items))
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("Returned before timeout")
	}
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue[int](DefaultConfig("test"))
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := q.Enqueue(context.Background(), 1); err != ErrQueueClosed {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	if _, err := q.Length(context.Background()); err != ErrQueueClosed {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	// closing twice is harmless
	if err := q.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestMemoryQueue_ConcurrentProducers(t *testing.T) {
	q := NewMemoryQueue[int](DefaultConfig("test"))
	defer q.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = q.Enqueue(ctx, i)
			}
		}()
	}
	wg.Wait()

	n, _ := q.Length(ctx)
	if n != 200 {
		t.Errorf("Expected 200 items, got %d", n)
	}
}

func TestMemoryDeadLetterQueue(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue[string]()
	defer dlq.Close()

	ctx := context.Background()
	if err := dlq.Add(ctx, "a", context.DeadlineExceeded); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := dlq.Add(ctx, "b", context.Canceled); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	items, err := dlq.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 || items[0].Item != "a" || items[0].Error != context.DeadlineExceeded.Error() {
		t.Fatalf("Unexpected items: %+v", items)
	}

	if err := dlq.Remove(ctx, items[0].ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := dlq.Remove(ctx, items[0].ID); err != ErrItemNotFound {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}

	items, _ = dlq.List(ctx, 1)
	if len(items) != 1 || items[0].Item != "b" {
		t.Errorf("Unexpected items after remove: %+v", items)
	}
}

package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when a dead-letter item is not found
	ErrItemNotFound = errors.New("item not found")

	// ErrMaxRetriesExceeded wraps the last error of an item that was dead-lettered
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Package queue provides durable hand-off queues for work that must survive the
// component that produced it. The billing engine uses it for charges whose ledger
// write could not complete before shutdown.
//
// Two backends share one interface:
//
//  1. Memory queue (channel-based): no persistence, for single-process deployments
//     and tests.
//  2. Redis queue (list-based): survives restarts and can be drained by any replica.
//
// Flow:
//
//	┌─────────────┐     ┌──────────────┐     ┌──────────────┐
//	│ Billing     │────▶│ Pending      │────▶│ Replay       │
//	│ Engine      │     │ Charge Queue │     │ Worker       │
//	└─────────────┘     └──────────────┘     └──────┬───────┘
//	                                                │ (retry)
//	                                         ┌──────┴──────┐
//	                                         ▼             ▼
//	                                    ┌────────┐     ┌─────┐
//	                                    │ Ledger │     │ DLQ │
//	                                    └────────┘     └─────┘
//
// Payloads are opaque bytes; callers own the encoding.
package queue

import (
	"context"
	"time"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds a payload to the tail of the queue
	Enqueue(ctx context.Context, payload []byte) error

	// Dequeue retrieves up to maxItems payloads.
	// Blocks until at least one is available or ctx is cancelled
	Dequeue(ctx context.Context, maxItems int) ([][]byte, error)

	// DequeueWithTimeout retrieves up to maxItems payloads.
	// Returns an empty slice when nothing arrives before the timeout
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([][]byte, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue defines the interface for handling failed items
type DeadLetterQueue interface {
	// Add stores a payload that could not be processed, with the reason
	Add(ctx context.Context, payload []byte, err error) error

	// List retrieves items from the dead letter queue, oldest first
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds queue configuration
type Config struct {
	// Name is the key suffix for Redis and the label for logs
	Name string

	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts per item
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
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

// Package order provides the durable work queue for asynchronous,
// retryable operations: an Order captures everything needed to retry
// without re-deriving it, a RetryTable maps failure counts to delays,
// and a Scheduler runs a fixed worker pool over a pluggable queue
// backend. Delivery is at-least-once; every executed operation must be
// safe to repeat.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmpty is returned by Claim when no order is due.
var ErrEmpty = errors.New("order: queue empty")

// Order is one unit of asynchronous work.
type Order struct {
	ID           string    `json:"id"`
	Destination  string    `json:"destination"`
	Payload      []byte    `json:"payload"`
	FailureCount int       `json:"failure_count"`
	LastError    string    `json:"last_error,omitempty"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Backend is the durable queue SPI. Claiming and acknowledging are
// separate durable steps: an order is only discarded on Ack, so a
// crash mid-execution resurfaces it when its lease runs out. That
// makes delivery at-least-once rather than exactly-once.
type Backend interface {
	// Push enqueues the order for execution at its scheduled time.
	// Re-pushing a claimed id schedules the next attempt; the stale
	// claim is then discarded by Ack.
	Push(ctx context.Context, o *Order) error

	// Claim leases one order scheduled at or before now. The order
	// stays durable; without an Ack it becomes claimable again once
	// the lease expires. Returns ErrEmpty when nothing is due.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*Order, error)

	// Ack durably discards a claimed order. Acking an id whose claim
	// no longer exists is a no-op.
	Ack(ctx context.Context, id string) error

	// DeadLetter moves the order to the terminal sink.
	DeadLetter(ctx context.Context, o *Order) error

	// DeadLetters returns up to limit dead-lettered orders for
	// operator inspection.
	DeadLetters(ctx context.Context, limit int) ([]*Order, error)

	// Len reports the number of pending orders, claimed ones
	// included; dead letters never count.
	Len(ctx context.Context) (int, error)

	Close() error
}

// PermanentError marks a failure as non-retryable: the scheduler
// short-circuits straight to the dead-letter sink.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in
// its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dverbeek/tierstore/internal/observability"
)

// Executor runs one order's payload. Returning nil acknowledges the
// order; an error wrapped by Permanent skips retries entirely.
type Executor func(ctx context.Context, o *Order) error

const (
	defaultPollInterval = time.Second
	defaultLease        = 5 * time.Minute
)

// Scheduler drives a fixed worker pool over a durable queue backend:
// each worker loops claim → execute → ack or requeue. Failures
// increment the order's failure count and requeue it after the retry
// table's delay; exhausted orders move to the dead-letter sink with
// their full failure history, never silently dropped. A claimed order
// whose process dies before acking resurfaces after the lease.
type Scheduler struct {
	backend Backend
	table   RetryTable
	workers int
	poll    time.Duration
	lease   time.Duration
	metrics *observability.Metrics

	mu        sync.RWMutex
	executors map[string]Executor

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SchedulerOption adjusts scheduler construction.
type SchedulerOption func(*Scheduler)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithLease sets how long a claimed order stays invisible before it
// becomes claimable again. Must exceed the longest expected execution.
func WithLease(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler over the given queue backend.
func NewScheduler(backend Backend, table RetryTable, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		backend:   backend,
		table:     table,
		workers:   4,
		poll:      defaultPollInterval,
		lease:     defaultLease,
		executors: make(map[string]Executor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs the executor for a destination. Orders for a
// destination with no executor are dead-lettered immediately.
func (s *Scheduler) Register(destination string, fn Executor) {
	s.mu.Lock()
	s.executors[destination] = fn
	s.mu.Unlock()
}

func (s *Scheduler) executor(destination string) (Executor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.executors[destination]
	return fn, ok
}

// Enqueue submits a new order for immediate execution.
func (s *Scheduler) Enqueue(ctx context.Context, destination string, payload []byte) (*Order, error) {
	now := time.Now()
	o := &Order{
		ID:          uuid.NewString(),
		Destination: destination,
		Payload:     payload,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	if err := s.backend.Push(ctx, o); err != nil {
		return nil, fmt.Errorf("order: enqueue: %w", err)
	}
	s.updateDepth(ctx)
	return o, nil
}

// Start launches the worker pool. Workers stop when the context is
// cancelled; Stop waits for in-flight orders to finish.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	slog.InfoContext(ctx, "order scheduler started",
		"workers", s.workers, "poll_interval", s.poll.String(), "retry_table", s.table.String())

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Stop cancels the workers and waits for them to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	logger := slog.Default().With("worker", id)
	for {
		o, err := s.backend.Claim(ctx, time.Now(), s.lease)
		if err != nil {
			if err != ErrEmpty {
				logger.WarnContext(ctx, "queue claim failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.poll):
			}
			continue
		}

		s.execute(ctx, logger, o)
		s.updateDepth(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, logger *slog.Logger, o *Order) {
	fn, ok := s.executor(o.Destination)
	if !ok {
		s.deadLetter(ctx, logger, o, fmt.Errorf("no executor for destination %q", o.Destination))
		return
	}

	err := fn(ctx, o)
	if err == nil {
		s.ack(ctx, logger, o)
		return
	}

	o.FailureCount++
	o.LastError = err.Error()

	if IsPermanent(err) {
		s.deadLetter(ctx, logger, o, err)
		return
	}

	delay, retry := s.table.Delay(o.FailureCount)
	if !retry {
		s.deadLetter(ctx, logger, o, err)
		return
	}

	// Push first, ack after: a crash in between means a duplicate
	// attempt, never a lost order.
	o.ScheduledAt = time.Now().Add(delay)
	if pushErr := s.backend.Push(ctx, o); pushErr != nil {
		// Requeue failure would drop work silently; dead-letter instead.
		s.deadLetter(ctx, logger, o, fmt.Errorf("requeue failed: %w (after: %v)", pushErr, err))
		return
	}
	s.ack(ctx, logger, o)

	if s.metrics != nil {
		s.metrics.OrdersRetried.Inc()
	}
	logger.WarnContext(ctx, "order failed, requeued",
		"order", o.ID, "destination", o.Destination,
		"failures", o.FailureCount, "retry_in", delay.String(), "error", err)
}

func (s *Scheduler) ack(ctx context.Context, logger *slog.Logger, o *Order) {
	if err := s.backend.Ack(ctx, o.ID); err != nil {
		logger.WarnContext(ctx, "order ack failed", "order", o.ID, "error", err)
	}
}

func (s *Scheduler) deadLetter(ctx context.Context, logger *slog.Logger, o *Order, cause error) {
	logger.ErrorContext(ctx, "order dead-lettered",
		"order", o.ID, "destination", o.Destination,
		"failures", o.FailureCount, "created_at", o.CreatedAt,
		"last_error", o.LastError, "cause", cause)

	if err := s.backend.DeadLetter(ctx, o); err != nil {
		// The claim stays; the order comes back when the lease runs out.
		logger.ErrorContext(ctx, "dead-letter sink write failed", "order", o.ID, "error", err)
		return
	}
	s.ack(ctx, logger, o)
	if s.metrics != nil {
		s.metrics.OrdersDeadLettered.Inc()
	}
}

func (s *Scheduler) updateDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if n, err := s.backend.Len(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(n))
	}
}

package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dverbeek/tierstore/internal/order"
	"github.com/dverbeek/tierstore/internal/order/physical/memory"
)

func TestSchedulerSuccess(t *testing.T) {
	backend := memory.New()
	s := order.NewScheduler(backend, order.MustRetryTable("10ms,-"),
		order.WithWorkers(2), order.WithPollInterval(5*time.Millisecond))

	done := make(chan *order.Order, 1)
	s.Register("noop", func(_ context.Context, o *order.Order) error {
		done <- o
		return nil
	})

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	if _, err := s.Enqueue(ctx, "noop", []byte("payload")); err != nil {
		t.Fatal(err)
	}

	select {
	case o := <-done:
		if string(o.Payload) != "payload" {
			t.Fatalf("payload = %q", o.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order never executed")
	}

	waitFor(t, func() bool {
		n, err := backend.Len(ctx)
		return err == nil && n == 0
	})
}

func TestSchedulerRetriesThenDeadLetters(t *testing.T) {
	backend := memory.New()
	// Three retries then stop: the fourth failure is terminal.
	s := order.NewScheduler(backend, order.MustRetryTable("1ms,2ms,5ms,-"),
		order.WithWorkers(1), order.WithPollInterval(time.Millisecond))

	var mu sync.Mutex
	var attempts int
	s.Register("flaky", func(_ context.Context, _ *order.Order) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("remote unavailable")
	})

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	if _, err := s.Enqueue(ctx, "flaky", nil); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		dead, err := backend.DeadLetters(ctx, 0)
		return err == nil && len(dead) == 1
	})

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 4 {
		t.Fatalf("attempts = %d, want 4 (three retries then dead letter)", got)
	}

	dead, err := backend.DeadLetters(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if dead[0].FailureCount != 4 || dead[0].LastError == "" {
		t.Fatalf("dead letter = %+v", dead[0])
	}
}

func TestSchedulerPermanentErrorSkipsRetries(t *testing.T) {
	backend := memory.New()
	s := order.NewScheduler(backend, order.MustRetryTable("1ms,1ms,1ms"),
		order.WithWorkers(1), order.WithPollInterval(time.Millisecond))

	var mu sync.Mutex
	var attempts int
	s.Register("reject", func(_ context.Context, _ *order.Order) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return order.Permanent(errors.New("schema rejected"))
	})

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	if _, err := s.Enqueue(ctx, "reject", nil); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		dead, err := backend.DeadLetters(ctx, 0)
		return err == nil && len(dead) == 1
	})

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 1 {
		t.Fatalf("attempts = %d, want exactly 1 for a permanent failure", got)
	}
}

func TestSchedulerUnknownDestination(t *testing.T) {
	backend := memory.New()
	s := order.NewScheduler(backend, order.MustRetryTable("1ms,-"),
		order.WithWorkers(1), order.WithPollInterval(time.Millisecond))

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	if _, err := s.Enqueue(ctx, "nobody-home", nil); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		dead, err := backend.DeadLetters(ctx, 0)
		return err == nil && len(dead) == 1
	})
}

func TestSchedulerRequeueIsDelayed(t *testing.T) {
	backend := memory.New()
	s := order.NewScheduler(backend, order.MustRetryTable("250ms,-"),
		order.WithWorkers(1), order.WithPollInterval(time.Millisecond))

	var mu sync.Mutex
	var times []time.Time
	s.Register("slow-retry", func(_ context.Context, _ *order.Order) error {
		mu.Lock()
		times = append(times, time.Now())
		n := len(times)
		mu.Unlock()
		if n == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	})

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop()

	if _, err := s.Enqueue(ctx, "slow-retry", nil); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) == 2
	})

	mu.Lock()
	gap := times[1].Sub(times[0])
	mu.Unlock()
	if gap < 250*time.Millisecond {
		t.Fatalf("retry after %v, want at least the configured 250ms delay", gap)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

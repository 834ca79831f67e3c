package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dverbeek/tierstore/internal/order"
)

func newTestBackend(t *testing.T) order.Backend {
	t.Helper()
	b, err := NewFactory(context.Background(), map[string]string{KeyInMemory: "true"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPushClaimRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()

	in := &order.Order{
		ID:          "o-1",
		Destination: "verify",
		Payload:     []byte(`{"path":"/a/b"}`),
		ScheduledAt: now.Add(-time.Second),
		CreatedAt:   now.Add(-time.Minute),
	}
	if err := b.Push(ctx, in); err != nil {
		t.Fatal(err)
	}

	out, err := b.Claim(ctx, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.Destination != in.Destination || string(out.Payload) != string(in.Payload) {
		t.Fatalf("claimed %+v, want %+v", out, in)
	}

	// Claimed: invisible until the lease runs out.
	if _, err := b.Claim(ctx, now, time.Minute); !errors.Is(err, order.ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}

	if err := b.Ack(ctx, out.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Claim(ctx, now.Add(time.Hour), time.Minute); !errors.Is(err, order.ErrEmpty) {
		t.Fatalf("err = %v, an acked order must not come back", err)
	}
	if n, _ := b.Len(ctx); n != 0 {
		t.Fatalf("len = %d, want 0 after ack", n)
	}
}

func TestClaimOrdering(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()

	for _, o := range []*order.Order{
		{ID: "late", ScheduledAt: now.Add(-time.Second), CreatedAt: now},
		{ID: "early", ScheduledAt: now.Add(-time.Minute), CreatedAt: now},
		{ID: "future", ScheduledAt: now.Add(time.Hour), CreatedAt: now},
	} {
		if err := b.Push(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	first, err := b.Claim(ctx, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "early" {
		t.Fatalf("claimed %q first, want earliest scheduled", first.ID)
	}

	second, err := b.Claim(ctx, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "late" {
		t.Fatalf("claimed %q second, want late", second.ID)
	}

	// The future order is not due.
	if _, err := b.Claim(ctx, now, time.Minute); !errors.Is(err, order.ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
	// Two claimed plus one queued order are all still pending.
	if n, _ := b.Len(ctx); n != 3 {
		t.Fatalf("len = %d, want 3", n)
	}
}

func TestUnackedClaimResurfaces(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()

	o := &order.Order{ID: "o-1", Destination: "verify", ScheduledAt: now.Add(-time.Second), CreatedAt: now}
	if err := b.Push(ctx, o); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Claim(ctx, now, time.Minute); err != nil {
		t.Fatal(err)
	}

	// The lease ran out without an ack: the order must come back.
	again, err := b.Claim(ctx, now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != "o-1" {
		t.Fatalf("reclaimed %q, want o-1", again.ID)
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	o := &order.Order{
		ID:           "d-1",
		Destination:  "verify",
		FailureCount: 4,
		LastError:    "remote unavailable",
		ScheduledAt:  time.Now(),
		CreatedAt:    time.Now(),
	}
	if err := b.DeadLetter(ctx, o); err != nil {
		t.Fatal(err)
	}

	dead, err := b.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != "d-1" || dead[0].FailureCount != 4 {
		t.Fatalf("dead letters = %+v", dead)
	}

	// Dead letters never count toward queue depth.
	if n, _ := b.Len(ctx); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}

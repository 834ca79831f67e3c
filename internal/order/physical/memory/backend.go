// Package memory provides an in-process queue backend. Orders are
// lost on restart; it exists for tests and single-shot tooling.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/dverbeek/tierstore/internal/order"
	"github.com/dverbeek/tierstore/internal/order/physical"
)

func init() {
	physical.Register("memory", NewFactory, nil)
}

// NewFactory creates a memory queue backend.
func NewFactory(_ context.Context, _ map[string]string) (order.Backend, error) {
	return New(), nil
}

// orderHeap orders by scheduled time, earliest first.
type orderHeap []*order.Order

func (h orderHeap) Len() int           { return len(h) }
func (h orderHeap) Less(i, j int) bool { return h[i].ScheduledAt.Before(h[j].ScheduledAt) }
func (h orderHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *orderHeap) Push(x any)        { *h = append(*h, x.(*order.Order)) }
func (h *orderHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

type claim struct {
	order  *order.Order
	expiry time.Time
}

// Backend keeps the queue in a scheduled-time heap; claimed orders
// move to a lease map until acked or expired.
type Backend struct {
	mu     sync.Mutex
	heap   orderHeap
	claims map[string]*claim
	dead   []*order.Order
}

// New creates an empty memory queue.
func New() *Backend {
	return &Backend{claims: make(map[string]*claim)}
}

func (b *Backend) Push(_ context.Context, o *order.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	heap.Push(&b.heap, o)
	return nil
}

func (b *Backend) Claim(_ context.Context, now time.Time, lease time.Duration) (*order.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Expired claims come back first.
	for _, c := range b.claims {
		if !c.expiry.After(now) {
			c.expiry = now.Add(lease)
			return c.order, nil
		}
	}

	if len(b.heap) == 0 || b.heap[0].ScheduledAt.After(now) {
		return nil, order.ErrEmpty
	}
	o := heap.Pop(&b.heap).(*order.Order)
	b.claims[o.ID] = &claim{order: o, expiry: now.Add(lease)}
	return o, nil
}

func (b *Backend) Ack(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claims, id)
	return nil
}

func (b *Backend) DeadLetter(_ context.Context, o *order.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, o)
	return nil
}

func (b *Backend) DeadLetters(_ context.Context, limit int) ([]*order.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > len(b.dead) {
		limit = len(b.dead)
	}
	out := make([]*order.Order, limit)
	copy(out, b.dead[:limit])
	return out, nil
}

func (b *Backend) Len(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.heap) + len(b.claims), nil
}

func (b *Backend) Close() error { return nil }

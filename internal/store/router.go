package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dverbeek/tierstore/internal/observability"
)

// Router is the storage façade. It resolves a domain or pool to the
// best-available backend for stores, fans retrieval out across a
// domain keeping the best hit, and aggregates delete and commit across
// every backend of a domain or pool.
type Router struct {
	registry *Registry
	metrics  *observability.Metrics
	events   *subscribers
}

// NewRouter creates a router over the given registry. Backends that
// implement Notifier are hooked so availability flips surface as
// router events.
func NewRouter(registry *Registry, metrics *observability.Metrics) *Router {
	r := &Router{
		registry: registry,
		metrics:  metrics,
		events:   newSubscribers(),
	}

	for _, inst := range registry.Instances() {
		if n, ok := inst.Backend.(Notifier); ok {
			name := inst.Name
			n.OnAvailabilityChange(func(_, now Availability) {
				r.events.publish(Event{
					Kind:         EventAvailabilityChanged,
					Backend:      name,
					Availability: now,
					Time:         time.Now(),
				})
			})
		}
	}
	return r
}

// Subscribe registers an event subscriber. Events are dropped, not
// blocked on, when the subscriber falls behind.
func (r *Router) Subscribe(buffer int) (<-chan Event, func()) {
	return r.events.add(buffer)
}

// Store writes a document to the best-available backend of the domain.
// Returns (nil, nil) when the selected backend already holds a
// document with the same uid and mime type.
func (r *Router) Store(ctx context.Context, domain, uid, mime string, data io.Reader) (doc *Document, err error) {
	op, ctx := observability.StartOperation(ctx, r.metrics, "router.store")
	defer op.End(err)

	instances, err := r.registry.Domain(domain)
	if err != nil {
		return nil, err
	}
	return r.storeOn(ctx, domain, instances, uid, mime, data)
}

// StorePool writes a document to the best-available backend of a pool.
func (r *Router) StorePool(ctx context.Context, pool, uid, mime string, data io.Reader) (doc *Document, err error) {
	op, ctx := observability.StartOperation(ctx, r.metrics, "router.store_pool")
	defer op.End(err)

	instances, err := r.registry.Pool(pool)
	if err != nil {
		return nil, err
	}
	return r.storeOn(ctx, pool, instances, uid, mime, data)
}

func (r *Router) storeOn(ctx context.Context, group string, instances []*Instance, uid, mime string, data io.Reader) (*Document, error) {
	inst := selectInstance(ctx, instances)
	if inst == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoBackendAvailable, group)
	}

	doc, err := inst.Backend.Store(ctx, uid, mime, data)
	if err != nil {
		return nil, fmt.Errorf("store on %s: %w", inst.Name, err)
	}
	if doc == nil {
		// Duplicate uid+mime: idempotent no-op.
		slog.DebugContext(ctx, "duplicate store ignored", "backend", inst.Name, "uid", uid, "mime", mime)
		return nil, nil
	}
	doc.Backend = inst.Name

	r.metrics.BytesStored.WithLabelValues(inst.Name).Add(float64(doc.Size))
	r.events.publish(Event{
		Kind: EventStored, Domain: group, Backend: inst.Name,
		UID: uid, MimeType: doc.MimeType, Time: time.Now(),
	})
	return doc, nil
}

// Retrieve queries every backend of the domain and keeps the hit with
// the best availability. An empty mime returns the first stored
// variant. Returns (nil, nil) when no backend has the document.
func (r *Router) Retrieve(ctx context.Context, domain, uid, mime string) (doc *Document, err error) {
	op, ctx := observability.StartOperation(ctx, r.metrics, "router.retrieve")
	defer op.End(err)

	instances, err := r.registry.Domain(domain)
	if err != nil {
		return nil, err
	}

	var best *Document
	var errs []error
	for _, inst := range instances {
		d, err := inst.Backend.Retrieve(ctx, uid, mime)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Name, err))
			continue
		}
		if d == nil {
			continue
		}
		d.Backend = inst.Name
		if best == nil || d.Availability.Better(best.Availability) {
			best = d
		}
	}

	if best == nil && len(errs) > 0 {
		return nil, fmt.Errorf("retrieve %q: %w", uid, errors.Join(errs...))
	}
	return best, nil
}

// Open returns a reader over the bytes of a previously retrieved document.
func (r *Router) Open(ctx context.Context, domain string, doc *Document) (io.ReadCloser, error) {
	inst, err := r.registry.Backend(domain, doc.Backend)
	if err != nil {
		return nil, err
	}
	return inst.Backend.Open(ctx, doc.UID, doc.MimeType)
}

// Delete removes the document from every backend of the domain.
// Returns true iff at least one backend reported a successful delete.
func (r *Router) Delete(ctx context.Context, domain, uid string) (deleted bool, err error) {
	op, ctx := observability.StartOperation(ctx, r.metrics, "router.delete")
	defer op.End(err)

	instances, err := r.registry.Domain(domain)
	if err != nil {
		return false, err
	}
	return r.deleteOn(ctx, domain, instances, uid)
}

// DeletePool removes the document from every backend of the pool.
func (r *Router) DeletePool(ctx context.Context, pool, uid string) (deleted bool, err error) {
	op, ctx := observability.StartOperation(ctx, r.metrics, "router.delete_pool")
	defer op.End(err)

	instances, err := r.registry.Pool(pool)
	if err != nil {
		return false, err
	}
	return r.deleteOn(ctx, pool, instances, uid)
}

func (r *Router) deleteOn(ctx context.Context, group string, instances []*Instance, uid string) (bool, error) {
	var any bool
	var errs []error
	for _, inst := range instances {
		ok, err := inst.Backend.Delete(ctx, uid)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Name, err))
			continue
		}
		any = any || ok
	}

	if any {
		r.events.publish(Event{Kind: EventDeleted, Domain: group, UID: uid, Time: time.Now()})
	}
	if !any && len(errs) > 0 {
		return false, fmt.Errorf("delete %q: %w", uid, errors.Join(errs...))
	}
	return any, nil
}

// Commit marks the document committed on every backend of the pool.
func (r *Router) Commit(ctx context.Context, pool, uid string) (err error) {
	op, ctx := observability.StartOperation(ctx, r.metrics, "router.commit")
	defer op.End(err)

	instances, err := r.registry.Pool(pool)
	if err != nil {
		return err
	}

	var errs []error
	for _, inst := range instances {
		if err := inst.Backend.Commit(ctx, uid); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Name, err))
		}
	}
	return errors.Join(errs...)
}

// RefreshAvailability re-derives availability for every backend and
// updates the availability gauge. Intended to run on a ticker.
func (r *Router) RefreshAvailability(ctx context.Context) {
	for _, domain := range r.registry.Domains() {
		instances, err := r.registry.Domain(domain)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			a := inst.Backend.Availability(ctx)
			r.metrics.BackendAvailability.WithLabelValues(domain, inst.Name).Set(float64(a))
		}
	}
}

// selectInstance picks the candidate with the numerically lowest (best)
// availability. Ties keep the first one encountered in iteration
// order; there is no further tie-break.
func selectInstance(ctx context.Context, instances []*Instance) *Instance {
	var best *Instance
	var bestAvail Availability
	for _, inst := range instances {
		a := inst.Backend.Availability(ctx)
		if best == nil || a.Better(bestAvail) {
			best = inst
			bestAvail = a
		}
	}
	return best
}

package store_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/dverbeek/tierstore/internal/store"
	"github.com/dverbeek/tierstore/internal/store/memory"
)

func testDescriptor() store.Descriptor {
	return store.Descriptor{
		Domains: []store.DomainConfig{
			{
				Name: "archive",
				Backends: []store.BackendConfig{
					{Name: "fast", Type: "memory", Pools: []string{"near"}, Features: []string{"commit"}},
					{Name: "slow", Type: "memory", Pools: []string{"near", "far"},
						Config: map[string]string{memory.KeyAvailability: "nearline"}},
				},
			},
			{
				Name: "cache",
				Backends: []store.BackendConfig{
					{Name: "mem", Type: "memory"},
				},
			},
		},
	}
}

func TestRegistryLoadAndLookup(t *testing.T) {
	ctx := context.Background()
	r := store.NewRegistry()
	if err := r.Load(ctx, testDescriptor()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(ctx) })

	if got := r.Domains(); len(got) != 2 || got[0] != "archive" || got[1] != "cache" {
		t.Fatalf("Domains = %v", got)
	}

	inst, err := r.Backend("archive", "slow")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Type != "memory" || inst.Backend.Availability(ctx) != store.Nearline {
		t.Fatalf("unexpected instance %+v", inst)
	}

	// Empty name resolves to the first backend of the domain.
	first, err := r.Backend("archive", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.Name != "fast" {
		t.Fatalf("first backend = %q, want fast", first.Name)
	}

	if _, err := r.Backend("nope", ""); !errors.Is(err, store.ErrUnknownDomain) {
		t.Fatalf("err = %v, want ErrUnknownDomain", err)
	}
}

func TestRegistryPools(t *testing.T) {
	ctx := context.Background()
	r := store.NewRegistry()
	if err := r.Load(ctx, testDescriptor()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close(ctx) })

	near, err := r.Pool("near")
	if err != nil {
		t.Fatal(err)
	}
	if len(near) != 2 {
		t.Fatalf("pool near has %d backends, want 2", len(near))
	}

	far, err := r.Pool("far")
	if err != nil {
		t.Fatal(err)
	}
	if len(far) != 1 || far[0].Name != "slow" {
		t.Fatalf("pool far = %+v", far)
	}

	if _, err := r.Pool("nope"); !errors.Is(err, store.ErrUnknownPool) {
		t.Fatalf("err = %v, want ErrUnknownPool", err)
	}
}

func TestRegistryWithFeatures(t *testing.T) {
	ctx := context.Background()
	r := store.NewRegistry()
	if err := r.Load(ctx, testDescriptor()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close(ctx) })

	got := r.WithFeatures("commit")
	if len(got) != 1 || got[0].Name != "fast" {
		t.Fatalf("WithFeatures = %+v", got)
	}
	if all := r.WithFeatures(); len(all) != 3 {
		t.Fatalf("WithFeatures() = %d instances, want 3", len(all))
	}
}

func TestRegistryFailedLoadRetainsOldMapping(t *testing.T) {
	ctx := context.Background()
	r := store.NewRegistry()
	if err := r.Load(ctx, testDescriptor()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close(ctx) })

	bad := store.Descriptor{
		Domains: []store.DomainConfig{
			{Name: "broken", Backends: []store.BackendConfig{
				{Name: "x", Type: "no-such-type"},
			}},
		},
	}
	if err := r.Load(ctx, bad); err == nil {
		t.Fatal("expected load error for unknown backend type")
	}

	// The previous mapping must still answer.
	if _, err := r.Backend("archive", "fast"); err != nil {
		t.Fatalf("old mapping lost: %v", err)
	}
	if _, err := r.Backend("broken", ""); !errors.Is(err, store.ErrUnknownDomain) {
		t.Fatalf("partial mapping leaked: %v", err)
	}
}

func TestRegistryReloadClosesReplacedBackends(t *testing.T) {
	ctx := context.Background()
	r := store.NewRegistry()
	if err := r.Load(ctx, testDescriptor()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close(ctx) })

	old, err := r.Backend("archive", "fast")
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Load(ctx, testDescriptor()); err != nil {
		t.Fatal(err)
	}

	// The replaced backend is closed and refuses writes.
	_, err = old.Backend.Store(ctx, "x", "", bytes.NewReader(nil))
	if !errors.Is(err, store.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRegistryRejectsDuplicateDomain(t *testing.T) {
	r := store.NewRegistry()
	err := r.Load(context.Background(), store.Descriptor{
		Domains: []store.DomainConfig{
			{Name: "a", Backends: []store.BackendConfig{{Name: "m", Type: "memory"}}},
			{Name: "a", Backends: []store.BackendConfig{{Name: "n", Type: "memory"}}},
		},
	})
	if err == nil {
		t.Fatal("expected error for duplicate domain name")
	}
}

func TestTypesRegistered(t *testing.T) {
	types := store.Types()
	var found bool
	for _, name := range types {
		if name == "memory" {
			found = true
		}
	}
	if !found {
		t.Fatalf("memory type not registered: %v", types)
	}
}

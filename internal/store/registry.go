package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dverbeek/tierstore/internal/storage"
)

// Factory creates a Backend from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// DefaultsFunc returns the default configuration for a backend type.
type DefaultsFunc func() map[string]string

type typeEntry struct {
	factory  Factory
	defaults DefaultsFunc
}

var (
	typesMu sync.RWMutex
	types   = make(map[string]typeEntry)
)

// Register adds a backend type to the type registry.
// Panics if the type name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	typesMu.Lock()
	defer typesMu.Unlock()

	if _, exists := types[name]; exists {
		panic(fmt.Sprintf("store: backend type %q already registered", name))
	}
	types[name] = typeEntry{factory: factory, defaults: defaults}
}

// Types returns the names of all registered backend types, sorted.
func Types() []string {
	typesMu.RLock()
	defer typesMu.RUnlock()

	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New creates a Backend of the named type. Config values are merged
// over the type's defaults (explicit config wins).
func New(ctx context.Context, typeName string, config map[string]string) (Backend, error) {
	typesMu.RLock()
	entry, ok := types[typeName]
	typesMu.RUnlock()

	if !ok {
		return nil, storage.NewConfigError(typeName, "",
			fmt.Sprintf("unknown backend type %q (registered: %v)", typeName, Types()))
	}

	var defaults map[string]string
	if entry.defaults != nil {
		defaults = entry.defaults()
	}
	return entry.factory(ctx, storage.MergeConfig(defaults, config))
}

// BackendConfig describes one backend instance of the descriptor.
type BackendConfig struct {
	Name        string            `mapstructure:"name"`
	Type        string            `mapstructure:"type"`
	Description string            `mapstructure:"description"`
	Pools       []string          `mapstructure:"pools"`
	Features    []string          `mapstructure:"features"`
	Config      map[string]string `mapstructure:"config"`
}

// DomainConfig is a named, ordered group of backend instances.
type DomainConfig struct {
	Name     string          `mapstructure:"name"`
	Backends []BackendConfig `mapstructure:"backends"`
}

// Descriptor is the complete storage configuration.
type Descriptor struct {
	Domains []DomainConfig `mapstructure:"domains"`
}

// mapping is one fully constructed, immutable generation of the
// domain and pool maps. Readers get a complete generation or none.
type mapping struct {
	domains     map[string][]*Instance // insertion order preserved per domain
	domainOrder []string
	pools       map[string][]*Instance
	instances   []*Instance
}

// Registry holds the live domain and pool maps built from a
// descriptor. Reconfiguration builds a complete replacement mapping
// before publishing it; a failed load leaves the previous mapping
// untouched.
type Registry struct {
	mu      sync.RWMutex
	current *mapping
}

// NewRegistry returns an empty registry. Call Load to publish a descriptor.
func NewRegistry() *Registry {
	return &Registry{current: &mapping{
		domains: map[string][]*Instance{},
		pools:   map[string][]*Instance{},
	}}
}

// Load constructs every backend of the descriptor and atomically swaps
// the new mapping in. On any construction error the partial mapping is
// torn down, the previous mapping is retained, and the error is
// returned. Backends replaced by a successful load are closed.
func (r *Registry) Load(ctx context.Context, desc Descriptor) error {
	next := &mapping{
		domains: make(map[string][]*Instance, len(desc.Domains)),
		pools:   map[string][]*Instance{},
	}

	for _, dom := range desc.Domains {
		if dom.Name == "" {
			r.teardown(ctx, next)
			return storage.NewConfigError("descriptor", "domain", "name is required")
		}
		if _, dup := next.domains[dom.Name]; dup {
			r.teardown(ctx, next)
			return storage.NewConfigErrorWithValue("descriptor", "domain", dom.Name, "duplicate domain name")
		}

		instances := make([]*Instance, 0, len(dom.Backends))
		for _, bc := range dom.Backends {
			inst, err := r.build(ctx, dom.Name, bc)
			if err != nil {
				r.teardown(ctx, next)
				return err
			}
			instances = append(instances, inst)
			next.instances = append(next.instances, inst)
			for _, pool := range bc.Pools {
				next.pools[pool] = append(next.pools[pool], inst)
			}
		}
		next.domains[dom.Name] = instances
		next.domainOrder = append(next.domainOrder, dom.Name)
	}

	r.mu.Lock()
	old := r.current
	r.current = next
	r.mu.Unlock()

	slog.InfoContext(ctx, "storage configuration published",
		"domains", len(next.domains), "pools", len(next.pools), "backends", len(next.instances))

	r.teardown(ctx, old)
	return nil
}

func (r *Registry) build(ctx context.Context, domain string, bc BackendConfig) (*Instance, error) {
	if bc.Name == "" {
		return nil, storage.NewConfigError("descriptor", "backend",
			fmt.Sprintf("backend in domain %q has no name", domain))
	}

	backend, err := New(ctx, bc.Type, bc.Config)
	if err != nil {
		return nil, fmt.Errorf("backend %s/%s: %w", domain, bc.Name, err)
	}

	slog.DebugContext(ctx, "backend instantiated",
		"domain", domain, "backend", bc.Name, "type", bc.Type, "pools", bc.Pools)

	return &Instance{
		Name:        bc.Name,
		Type:        bc.Type,
		Description: bc.Description,
		Features:    Features(bc.Features),
		Backend:     backend,
	}, nil
}

func (r *Registry) teardown(ctx context.Context, m *mapping) {
	for _, inst := range m.instances {
		if err := inst.Backend.Close(); err != nil {
			slog.WarnContext(ctx, "backend close failed", "backend", inst.Name, "error", err)
		}
	}
}

// Backend looks up a backend instance. An empty name returns the first
// backend of the domain.
func (r *Registry) Backend(domain, name string) (*Instance, error) {
	r.mu.RLock()
	instances, ok := r.current.domains[domain]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: domain %q is empty", ErrNoBackendAvailable, domain)
	}
	if name == "" {
		return instances[0], nil
	}
	for _, inst := range instances {
		if inst.Name == name {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: no backend %q in domain %q", ErrNotFound, name, domain)
}

// Domain returns the ordered backend instances of a domain.
func (r *Registry) Domain(name string) ([]*Instance, error) {
	r.mu.RLock()
	instances, ok := r.current.domains[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, name)
	}
	return slices.Clone(instances), nil
}

// Domains returns the domain names in configuration order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.current.domainOrder)
}

// Pool returns the backend instances of a named pool.
func (r *Registry) Pool(name string) ([]*Instance, error) {
	r.mu.RLock()
	instances, ok := r.current.pools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, name)
	}
	return slices.Clone(instances), nil
}

// WithFeatures returns every instance whose feature set includes all
// required tags, in domain configuration order.
func (r *Registry) WithFeatures(required ...string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Instance
	for _, inst := range r.current.instances {
		if inst.Features.Has(required...) {
			out = append(out, inst)
		}
	}
	return out
}

// Instances returns every backend instance of the current mapping.
func (r *Registry) Instances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.current.instances)
}

// Close tears down every backend of the current mapping.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	old := r.current
	r.current = &mapping{
		domains: map[string][]*Instance{},
		pools:   map[string][]*Instance{},
	}
	r.mu.Unlock()

	var errs []error
	for _, inst := range old.instances {
		if err := inst.Backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Name, err))
		}
	}
	return errors.Join(errs...)
}

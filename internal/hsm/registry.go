package hsm

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dverbeek/tierstore/internal/storage"
)

// Factory creates a Connector from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Connector, error)

// DefaultsFunc returns the default configuration for a connector type.
type DefaultsFunc func() map[string]string

type typeEntry struct {
	factory  Factory
	defaults DefaultsFunc
}

var (
	typesMu sync.RWMutex
	types   = make(map[string]typeEntry)
)

// Register adds a connector type to the type registry.
// Panics if the type name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	typesMu.Lock()
	defer typesMu.Unlock()

	if _, exists := types[name]; exists {
		panic(fmt.Sprintf("hsm: connector type %q already registered", name))
	}
	types[name] = typeEntry{factory: factory, defaults: defaults}
}

// Types returns the names of all registered connector types, sorted.
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

// New creates a Connector of the named type. Config values are merged
// over the type's defaults (explicit config wins).
func New(ctx context.Context, typeName string, config map[string]string) (Connector, error) {
	typesMu.RLock()
	entry, ok := types[typeName]
	typesMu.RUnlock()

	if !ok {
		return nil, storage.NewConfigError(typeName, "",
			fmt.Sprintf("unknown connector type %q (registered: %v)", typeName, Types()))
	}

	var defaults map[string]string
	if entry.defaults != nil {
		defaults = entry.defaults()
	}
	return entry.factory(ctx, storage.MergeConfig(defaults, config))
}

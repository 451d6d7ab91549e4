// Package registry implements the Service Type Registry (§4.3): a static
// mapping from a service type tag to a factory producing fresh primitive
// instances.
package registry

import (
	"sort"
	"sync"

	"github.com/corestate-io/svcmux/service"
)

// TypeRegistry maps a type tag to a Factory. Lookup is total: an unknown
// tag is reported to the caller, who turns it into the fatal UnknownType
// error (§7) — the registry itself has no notion of "fatal", that policy
// belongs to the manager.
//
// The registry is static across the lifetime of a manager (§4.3);
// registration happens during setup, before any apply call, but the type
// is still safe for concurrent reads since nothing else in this package
// assumes otherwise.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]service.Factory
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{factories: make(map[string]service.Factory)}
}

// Register associates a type tag with a factory. Registering the same
// tag twice overwrites the previous factory — callers are expected to
// register each type exactly once during setup.
func (r *TypeRegistry) Register(typeTag string, factory service.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeTag] = factory
}

// Lookup returns the factory for typeTag, or false if no such type is
// registered.
func (r *TypeRegistry) Lookup(typeTag string) (service.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typeTag]
	return f, ok
}

// RegisteredTypes returns the currently registered type tags, sorted for
// deterministic introspection output.
func (r *TypeRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

package tool

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

type registryEntry struct {
	def atomic.Pointer[Definition]
}

// Registry is the in-memory set of validated tool definitions. The map lock
// only covers lookups and inserts; each entry swaps its definition pointer
// atomically so readers never wait on an update.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register validates and adds a new definition. Duplicate names are rejected
// with a ConfigError.
func (r *Registry) Register(def Definition) error {
	if err := Validate(def); err != nil {
		return err
	}
	def = def.Normalize().Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return Errorf(KindConfig, "tool %q is already registered", def.Name)
	}
	entry := &registryEntry{}
	entry.def.Store(&def)
	r.entries[def.Name] = entry
	return nil
}

// Replace swaps the definition registered under def.Name, or registers it
// when absent. Callers holding the previous definition keep using it.
func (r *Registry) Replace(def Definition) error {
	if err := Validate(def); err != nil {
		return err
	}
	def = def.Normalize().Clone()

	r.mu.RLock()
	entry, ok := r.entries[def.Name]
	r.mu.RUnlock()
	if ok {
		entry.def.Store(&def)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[def.Name]; ok {
		entry.def.Store(&def)
		return nil
	}
	entry = &registryEntry{}
	entry.def.Store(&def)
	r.entries[def.Name] = entry
	return nil
}

// Unregister removes a definition. It reports whether the name was present.
func (r *Registry) Unregister(name string) bool {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// Get returns a copy of the named definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	entry, ok := r.entries[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, false
	}
	return entry.def.Load().Clone(), true
}

// List returns every definition sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	defs := make([]Definition, 0, len(entries))
	for _, entry := range entries {
		defs = append(defs, entry.def.Load().Clone())
	}
	slices.SortFunc(defs, func(a, b Definition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Load registers every definition held by store, replacing existing entries.
func (r *Registry) Load(ctx context.Context, store Store) error {
	defs, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := r.Replace(def); err != nil {
			return err
		}
	}
	return nil
}

// Apply folds a discovery result into the registry.
func (r *Registry) Apply(result DiscoveryResult) error {
	for _, def := range result.New {
		if err := r.Replace(def); err != nil {
			return err
		}
	}
	for _, def := range result.Updated {
		if err := r.Replace(def); err != nil {
			return err
		}
	}
	for _, name := range result.Removed {
		r.Unregister(name)
	}
	return nil
}

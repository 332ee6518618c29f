package venue

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maintains named adapters resolved once at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:       sync.RWMutex{},
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under its normalised name.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("venue registry: adapter required")
	}
	name := normalizeName(adapter.Name())
	if name == "" {
		return fmt.Errorf("venue registry: adapter name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("venue registry: %q already registered", name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get resolves an adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[normalizeName(name)]
	return a, ok
}

// Names lists registered venue names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every adapter ordered by name.
func (r *Registry) All() []Adapter {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, r.adapters[name])
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

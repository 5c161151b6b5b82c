package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps rtype strings to their handlers. Registration happens by
// explicit enumeration at process start; the registry is immutable once the
// sink begins accepting traffic, so lookups need only a read lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. A duplicate rtype is a configuration error: the
// process must not start with an ambiguous registry, so main treats this as
// fatal before binding the listener.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("plugin registry: duplicate rtype %q", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Get returns the handler for the given rtype.
func (r *Registry) Get(rtype string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[rtype]
	if !ok {
		return nil, fmt.Errorf("no handler registered for rtype %q", rtype)
	}
	return h, nil
}

// Types returns all registered rtype strings, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

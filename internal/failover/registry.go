package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry is a named directory of managers owned by whoever composes them.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	defaults []Option
}

// NewRegistry creates an empty registry. defaults are applied to every
// manager before the options passed to Register.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
		defaults: defaults,
	}
}

// Register creates and stores a manager under name. cfg.Name is set to
// name when empty.
func (r *Registry) Register(name string, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Name == "" {
		cfg.Name = name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrManagerExists, name)
	}

	all := append(append([]Option(nil), r.defaults...), opts...)
	m, err := New(cfg, all...)
	if err != nil {
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	r.managers[name] = m
	return m, nil
}

// Get returns the manager registered under name.
func (r *Registry) Get(name string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[name]
	return m, ok
}

// Remove destroys and forgets the manager registered under name.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	m, ok := r.managers[name]
	delete(r.managers, name)
	r.mu.Unlock()

	if ok {
		m.Destroy()
	}
	return ok
}

// GetAll returns a copy of the directory.
func (r *Registry) GetAll() map[string]*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Manager, len(r.managers))
	for k, v := range r.managers {
		out[k] = v
	}
	return out
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetAllMetrics returns a metrics snapshot for every manager.
func (r *Registry) GetAllMetrics() map[string]ManagerMetrics {
	all := r.GetAll()
	out := make(map[string]ManagerMetrics, len(all))
	for name, m := range all {
		out[name] = m.Metrics()
	}
	return out
}

// StartAll starts health checks on every manager.
func (r *Registry) StartAll(ctx context.Context) {
	for _, m := range r.GetAll() {
		m.Start(ctx)
	}
}

// DestroyAll destroys every manager and empties the registry.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Destroy()
	}
}

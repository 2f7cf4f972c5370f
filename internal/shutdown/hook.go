package shutdown

import (
	"context"
	"sync"
)

// Standard priorities for shutdown hooks (higher = earlier execution).
const (
	// PriorityHTTPServer stops accepting requests first.
	PriorityHTTPServer = 90

	// PriorityScheduler stops the periodic queue trigger.
	PriorityScheduler = 80

	// PriorityBackgroundLoops stops failover health checks and the
	// admission sweep.
	PriorityBackgroundLoops = 70

	// PriorityDeliveryQueue gives pending deliveries a final pass.
	PriorityDeliveryQueue = 60

	// PriorityConnections closes Redis and the archive database.
	PriorityConnections = 50
)

// HookFunc performs shutdown logic. ctx is cancelled when the hook times out.
type HookFunc func(ctx context.Context) error

// Hook is a named shutdown step.
type Hook struct {
	Name string
	// Priority determines execution order. Higher priorities execute first;
	// hooks with equal priority run concurrently.
	Priority int
	Fn       HookFunc
}

// Registry manages shutdown hooks.
type Registry struct {
	mu    sync.Mutex
	hooks []Hook
}

// NewRegistry creates a new hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a shutdown hook to the registry.
func (r *Registry) Register(name string, priority int, fn HookFunc) {
	r.RegisterHook(Hook{Name: name, Priority: priority, Fn: fn})
}

// RegisterHook adds a Hook struct to the registry.
func (r *Registry) RegisterHook(hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Hook(nil), r.hooks...)
}

// Count returns the number of registered hooks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

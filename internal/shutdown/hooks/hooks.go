// Package hooks builds shutdown hooks for the resilience server's components.
package hooks

import (
	"context"
	"io"

	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/shutdown"
)

// HTTPServer is the subset of *http.Server used at shutdown.
type HTTPServer interface {
	Shutdown(ctx context.Context) error
	SetKeepAlivesEnabled(v bool)
}

// HTTPServerShutdown disables keep-alives and waits for in-flight requests.
func HTTPServerShutdown(server HTTPServer) shutdown.Hook {
	return shutdown.Hook{
		Name:     "http-server",
		Priority: shutdown.PriorityHTTPServer,
		Fn: func(ctx context.Context) error {
			server.SetKeepAlivesEnabled(false)
			return server.Shutdown(ctx)
		},
	}
}

// Stopper is a background loop stopped without an error.
type Stopper interface {
	Stop()
}

// StopLoop stops a background loop such as the memory backend sweep.
func StopLoop(name string, s Stopper) shutdown.Hook {
	return shutdown.Hook{
		Name:     name,
		Priority: shutdown.PriorityBackgroundLoops,
		Fn: func(context.Context) error {
			s.Stop()
			return nil
		},
	}
}

// Destroyer is implemented by the failover registry.
type Destroyer interface {
	DestroyAll()
}

// DestroyFailover destroys every failover manager, stopping their health checks.
func DestroyFailover(d Destroyer) shutdown.Hook {
	return shutdown.Hook{
		Name:     "failover",
		Priority: shutdown.PriorityBackgroundLoops,
		Fn: func(context.Context) error {
			d.DestroyAll()
			return nil
		},
	}
}

// SchedulerShutdown stops the periodic queue trigger.
func SchedulerShutdown(s Stopper) shutdown.Hook {
	return shutdown.Hook{
		Name:     "scheduler",
		Priority: shutdown.PriorityScheduler,
		Fn: func(context.Context) error {
			s.Stop()
			return nil
		},
	}
}

// FlushQueue runs one last pass over items that are already due.
func FlushQueue(q *delivery.Queue) shutdown.Hook {
	return shutdown.Hook{
		Name:     "delivery-queue",
		Priority: shutdown.PriorityDeliveryQueue,
		Fn: func(ctx context.Context) error {
			q.ProcessQueue(ctx)
			return nil
		},
	}
}

// Close closes a connection such as the Redis client or the archive.
func Close(name string, c io.Closer) shutdown.Hook {
	return shutdown.Hook{
		Name:     name,
		Priority: shutdown.PriorityConnections,
		Fn: func(context.Context) error {
			return c.Close()
		},
	}
}

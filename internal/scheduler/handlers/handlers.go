// Package handlers runs scheduler tasks against the delivery queue and the
// failover registry.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/failover"
	"github.com/bargom/resilience/internal/scheduler/tasks"
	"github.com/bargom/resilience/pkg/logging"
)

// ErrUnknownManager is returned for a check task naming no registered manager.
var ErrUnknownManager = errors.New("unknown failover manager")

// Handlers holds the components tasks operate on. Either may be nil.
type Handlers struct {
	queue    *delivery.Queue
	failover *failover.Registry
	logger   *slog.Logger
}

// New creates task handlers.
func New(queue *delivery.Queue, registry *failover.Registry, logger *slog.Logger) *Handlers {
	return &Handlers{
		queue:    queue,
		failover: registry,
		logger:   logging.ComponentLogger(logger, "scheduler"),
	}
}

// Mux returns an asynq mux routing every task type.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeProcessQueue, h.HandleProcessQueue)
	mux.HandleFunc(tasks.TypeCheckProviders, h.HandleCheckProviders)
	return mux
}

// HandleProcessQueue runs one delivery queue pass.
func (h *Handlers) HandleProcessQueue(ctx context.Context, _ *asynq.Task) error {
	if h.queue == nil {
		return fmt.Errorf("no delivery queue configured: %w", asynq.SkipRetry)
	}
	delivered := h.queue.ProcessQueue(ctx)
	h.logger.DebugContext(ctx, "scheduled queue pass", "delivered", delivered, "pending", h.queue.Length())
	return nil
}

// HandleCheckProviders probes one or all failover managers.
func (h *Handlers) HandleCheckProviders(ctx context.Context, t *asynq.Task) error {
	if h.failover == nil {
		return fmt.Errorf("no failover registry configured: %w", asynq.SkipRetry)
	}
	p, err := tasks.ParseCheckProviders(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	if p.Manager != "" {
		m, ok := h.failover.Get(p.Manager)
		if !ok {
			return fmt.Errorf("%w: %s: %w", ErrUnknownManager, p.Manager, asynq.SkipRetry)
		}
		m.CheckAllProviders(ctx)
		return nil
	}
	for _, m := range h.failover.GetAll() {
		m.CheckAllProviders(ctx)
	}
	return nil
}

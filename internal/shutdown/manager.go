// Package shutdown runs prioritized shutdown hooks for the resilience server.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bargom/resilience/pkg/logging"
)

// State represents the current state of the shutdown manager.
type State int

const (
	StateRunning State = iota
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Manager coordinates graceful shutdown of all registered components.
type Manager struct {
	config   Config
	registry *Registry
	logger   *slog.Logger

	stateMu sync.RWMutex
	state   State

	once sync.Once
	done chan struct{}

	errMu  sync.Mutex
	errors []error
}

// NewManager creates a shutdown manager. Non-positive timeouts take defaults.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		config:   cfg.withDefaults(),
		registry: NewRegistry(),
		logger:   logging.ComponentLogger(logger, "shutdown"),
		state:    StateRunning,
		done:     make(chan struct{}),
	}
}

// Register adds a shutdown hook.
func (m *Manager) Register(name string, priority int, fn HookFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown hook", "name", name, "priority", priority)
}

// RegisterHook adds a Hook struct.
func (m *Manager) RegisterHook(hook Hook) {
	m.Register(hook.Name, hook.Priority, hook.Fn)
}

// WaitForSignal blocks until one of signals arrives or ctx is done, then
// runs Shutdown. It returns the shutdown error, if any.
func (m *Manager) WaitForSignal(ctx context.Context, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = DefaultSignals()
	}
	sigCtx, stop := signal.NotifyContext(ctx, signals...)
	defer stop()

	<-sigCtx.Done()
	m.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	return m.Shutdown(context.Background())
}

// Shutdown runs every hook once, in priority order, bounded by
// OverallTimeout. Later calls wait for the first to finish and return
// the same result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.setState(StateShuttingDown)
		m.logger.Info("starting graceful shutdown",
			"timeout", m.config.OverallTimeout,
			"hook_count", m.registry.Count())

		ctx, cancel := context.WithTimeout(ctx, m.config.OverallTimeout)
		defer cancel()

		m.executeHooks(ctx)

		m.setState(StateShutdown)
		m.logger.Info("graceful shutdown complete", "errors", len(m.Errors()))
		close(m.done)
	})
	<-m.done
	return errors.Join(m.Errors()...)
}

func (m *Manager) executeHooks(ctx context.Context) {
	hooks := m.registry.Hooks()
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Priority > hooks[j].Priority
	})

	groups := groupByPriority(hooks)
	for i, group := range groups {
		m.executeGroup(ctx, group)

		if ctx.Err() != nil && i < len(groups)-1 {
			m.logger.Warn("shutdown timeout exceeded, remaining hooks skipped",
				"remaining_groups", len(groups)-1-i)
			m.addError(errors.New("overall shutdown timeout exceeded"))
			return
		}
	}
}

func (m *Manager) executeGroup(ctx context.Context, hooks []Hook) {
	var g errgroup.Group
	for _, h := range hooks {
		g.Go(func() error {
			m.executeHook(ctx, h)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) executeHook(ctx context.Context, hook Hook) {
	start := time.Now()
	err := runHook(ctx, m.config.PerHookTimeout, hook.Name, hook.Fn)
	duration := time.Since(start)

	if duration > m.config.SlowHookThreshold {
		m.logger.Warn("slow shutdown hook", "name", hook.Name, "duration", duration)
	}
	if err != nil {
		m.logger.Error("shutdown hook failed", "name", hook.Name, "error", err, "duration", duration)
		m.addError(fmt.Errorf("hook %s: %w", hook.Name, err))
		return
	}
	m.logger.Info("shutdown hook completed", "name", hook.Name, "duration", duration)
}

// groupByPriority splits hooks sorted by descending priority into runs of
// equal priority.
func groupByPriority(hooks []Hook) [][]Hook {
	var groups [][]Hook
	for i, h := range hooks {
		if i == 0 || h.Priority != hooks[i-1].Priority {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}

func (m *Manager) addError(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.errors = append(m.errors, err)
}

// Errors returns all errors that occurred during shutdown.
func (m *Manager) Errors() []error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return append([]error(nil), m.errors...)
}

// State returns the current state of the manager.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.state = s
}

// Done is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// HookCount returns the number of registered hooks.
func (m *Manager) HookCount() int {
	return m.registry.Count()
}

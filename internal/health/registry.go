package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a full round of checks.
const DefaultTimeout = 5 * time.Second

// Registry manages health checkers and executes checks.
type Registry struct {
	mu        sync.RWMutex
	checkers  []Checker
	startTime time.Time
	version   string
	timeout   time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout bounds each round of checks.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry creates a new health check registry.
func NewRegistry(version string, opts ...Option) *Registry {
	r := &Registry{
		startTime: time.Now(),
		version:   version,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds checkers to the registry.
func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checkers...)
}

// Checkers returns a copy of the registered checkers.
func (r *Registry) Checkers() []Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	return checkers
}

// Liveness only fails if the process is broken, so it runs no checks.
func (r *Registry) Liveness(_ context.Context) Response {
	return Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).String(),
	}
}

// Readiness runs the critical checks.
func (r *Registry) Readiness(ctx context.Context) Response {
	return r.runChecks(ctx, true)
}

// Health runs every check.
func (r *Registry) Health(ctx context.Context) Response {
	return r.runChecks(ctx, false)
}

func (r *Registry) runChecks(ctx context.Context, criticalOnly bool) Response {
	checkers := r.Checkers()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make([]CheckResult, len(checkers))
	ran := make([]bool, len(checkers))

	var g errgroup.Group
	for i, c := range checkers {
		if criticalOnly && c.Severity() != SeverityCritical {
			continue
		}
		ran[i] = true
		g.Go(func() error {
			results[i] = runOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	checks := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy
	for i, c := range checkers {
		if !ran[i] {
			continue
		}
		result := results[i]
		checks[c.Name()] = result

		switch {
		case result.Status == StatusUnhealthy && c.Severity() == SeverityCritical:
			overall = StatusUnhealthy
		case result.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return Response{
		Status:    overall,
		Timestamp: time.Now(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).String(),
		Checks:    checks,
	}
}

func runOne(ctx context.Context, c Checker) (result CheckResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", rec)}
		}
		result.Duration = time.Since(start)
	}()
	return c.Check(ctx)
}

// StartTime returns when the registry was created.
func (r *Registry) StartTime() time.Time {
	return r.startTime
}

// Version returns the version string.
func (r *Registry) Version() string {
	return r.version
}

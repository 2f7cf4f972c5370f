package failover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bargom/resilience/pkg/logging"
	"github.com/bargom/resilience/pkg/metrics"
)

// Operation runs against the named provider.
type Operation func(ctx context.Context, provider string) (any, error)

// ExecuteOptions adjusts a single Execute call.
type ExecuteOptions struct {
	// ForceProvider runs exactly one attempt on this provider without
	// touching the current provider.
	ForceProvider string
	// Timeout bounds each attempt; zero means no timeout.
	Timeout time.Duration
}

// ManagerMetrics is a point-in-time view of a manager's counters.
type ManagerMetrics struct {
	TotalRequests      int64                      `json:"total_requests"`
	SuccessfulRequests int64                      `json:"successful_requests"`
	FailedRequests     int64                      `json:"failed_requests"`
	FailoverCount      int64                      `json:"failover_count"`
	FailbackCount      int64                      `json:"failback_count"`
	CurrentProvider    string                     `json:"current_provider"`
	Providers          map[string]ProviderMetrics `json:"providers"`
}

// Manager owns the current provider of one provider set.
type Manager struct {
	config       Config
	order        []string
	providers    map[string]*providerState
	healthCheck  HealthCheckFunc
	checkTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.FailoverMetrics
	now          func() time.Time

	mu      sync.Mutex
	current string

	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	failoverCount      atomic.Int64
	failbackCount      atomic.Int64

	destroyed atomic.Bool
	loop      healthLoop
}

// Option configures a Manager.
type Option func(*Manager)

// WithHealthCheck sets the provider probe used by CheckAllProviders.
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.healthCheck = fn
		}
	}
}

// WithHealthCheckTimeout bounds each probe.
func WithHealthCheckTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.checkTimeout = d
		}
	}
}

// WithMetadata attaches metadata to a provider.
func WithMetadata(provider string, md map[string]string) Option {
	return func(m *Manager) {
		if p, ok := m.providers[provider]; ok {
			p.metadata = md
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.ComponentLogger(logger, "failover").With("manager", m.config.Name)
	}
}

// WithMetrics records provider activity on the given registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.metrics = reg.Failover()
		}
	}
}

// WithClock overrides the time source used for health results.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a manager for cfg. Zero-valued fields take package defaults.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:       cfg,
		order:        cfg.Providers(),
		providers:    make(map[string]*providerState, len(cfg.FallbackProviders)+1),
		healthCheck:  AlwaysHealthy,
		checkTimeout: 5 * time.Second,
		logger:       logging.ComponentLogger(nil, "failover").With("manager", cfg.Name),
		now:          time.Now,
		current:      cfg.PrimaryProvider,
	}
	for _, name := range m.order {
		m.providers[name] = newProviderState(name, nil)
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.metrics != nil {
		m.metrics.SetCurrentProvider(cfg.Name, "", m.current)
		for _, name := range m.order {
			m.metrics.SetProviderHealthy(cfg.Name, name, true)
		}
	}
	return m, nil
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.config.Name
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Current returns the provider Execute uses by default.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Providers returns snapshots of all providers in configured order.
func (m *Manager) Providers() []Provider {
	out := make([]Provider, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.providers[name].snapshot())
	}
	return out
}

// Provider returns a snapshot of one provider.
func (m *Manager) Provider(name string) (Provider, bool) {
	p, ok := m.providers[name]
	if !ok {
		return Provider{}, false
	}
	return p.snapshot(), true
}

// Execute runs op on the current provider and, on failure, on the
// remaining providers in configured order until MaxRetries attempts have
// been made. The first provider to succeed after a failure becomes current.
// When every attempt fails the last error is returned unchanged.
func (m *Manager) Execute(ctx context.Context, op Operation, opts ExecuteOptions) (any, error) {
	if m.destroyed.Load() {
		return nil, ErrManagerDestroyed
	}
	m.totalRequests.Add(1)

	if opts.ForceProvider != "" {
		if _, ok := m.providers[opts.ForceProvider]; !ok {
			m.failedRequests.Add(1)
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, opts.ForceProvider)
		}
		res, err := m.attempt(ctx, opts.ForceProvider, op, opts.Timeout)
		m.finish(err)
		return res, err
	}

	snapshot := m.Current()
	res, err := m.attempt(ctx, snapshot, op, opts.Timeout)
	if err == nil {
		m.finish(nil)
		return res, nil
	}

	lastErr := err
	attempts := 1
	for _, name := range m.candidates(snapshot) {
		if attempts >= m.config.MaxRetries {
			break
		}
		if !m.sleep(ctx, m.config.RetryDelay) {
			break
		}
		attempts++

		res, err = m.attempt(ctx, name, op, opts.Timeout)
		if err == nil {
			m.switchProvider(snapshot, name, false, "operation failed on current provider")
			m.finish(nil)
			return res, nil
		}
		lastErr = err
	}

	m.logger.WarnContext(ctx, "all provider attempts failed",
		"current", snapshot,
		"attempts", attempts,
		"error", lastErr,
	)
	m.finish(lastErr)
	return nil, lastErr
}

// Do is Execute with a typed result.
func Do[T any](ctx context.Context, m *Manager, op func(ctx context.Context, provider string) (T, error), opts ExecuteOptions) (T, error) {
	res, err := m.Execute(ctx, func(ctx context.Context, provider string) (any, error) {
		return op(ctx, provider)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func (m *Manager) finish(err error) {
	if err == nil {
		m.successfulRequests.Add(1)
		return
	}
	m.failedRequests.Add(1)
}

// candidates returns every provider but exclude in configured order.
func (m *Manager) candidates(exclude string) []string {
	out := make([]string, 0, len(m.order)-1)
	for _, name := range m.order {
		if name != exclude {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type attemptResult struct {
	value any
	err   error
}

// attempt runs op once on provider and records the outcome.
func (m *Manager) attempt(ctx context.Context, provider string, op Operation, timeout time.Duration) (any, error) {
	start := time.Now()
	value, err := m.run(ctx, provider, op, timeout)
	elapsed := time.Since(start)

	m.providers[provider].recordOutcome(err == nil, elapsed)
	if m.metrics != nil {
		m.metrics.RecordAttempt(m.config.Name, provider, err == nil, elapsed)
	}
	if err != nil {
		m.logger.DebugContext(ctx, "provider attempt failed", "provider", provider, "error", err)
	}
	return value, err
}

func (m *Manager) run(ctx context.Context, provider string, op Operation, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return safeCall(ctx, provider, op)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		v, err := safeCall(timeoutCtx, provider, op)
		done <- attemptResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrOperationTimeout
	}
}

func safeCall(ctx context.Context, provider string, op Operation) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider %s panicked: %v", provider, r)
		}
	}()
	return op(ctx, provider)
}

// switchProvider moves current from expected to next. It is a no-op when
// current no longer equals expected.
func (m *Manager) switchProvider(expected, next string, failback bool, reason string) bool {
	m.mu.Lock()
	if m.current != expected || expected == next {
		m.mu.Unlock()
		return false
	}
	m.current = next
	m.mu.Unlock()

	if failback {
		m.failbackCount.Add(1)
		if m.metrics != nil {
			m.metrics.RecordFailback(m.config.Name, expected, next)
		}
		m.logger.Info("failed back to primary provider", "from", expected, "to", next, "reason", reason)
		return true
	}

	m.failoverCount.Add(1)
	if m.metrics != nil {
		m.metrics.RecordFailover(m.config.Name, expected, next)
	}
	m.logger.Warn("failed over to another provider", "from", expected, "to", next, "reason", reason)
	return true
}

// Metrics returns a snapshot of the manager's counters.
func (m *Manager) Metrics() ManagerMetrics {
	out := ManagerMetrics{
		TotalRequests:      m.totalRequests.Load(),
		SuccessfulRequests: m.successfulRequests.Load(),
		FailedRequests:     m.failedRequests.Load(),
		FailoverCount:      m.failoverCount.Load(),
		FailbackCount:      m.failbackCount.Load(),
		CurrentProvider:    m.Current(),
		Providers:          make(map[string]ProviderMetrics, len(m.order)),
	}
	for _, name := range m.order {
		out.Providers[name] = m.providers[name].metrics()
	}
	return out
}

// Destroy permanently stops health checks. Later Execute calls fail with
// ErrManagerDestroyed.
func (m *Manager) Destroy() {
	if m.destroyed.Swap(true) {
		return
	}
	m.loop.stop()
	if m.metrics != nil {
		m.metrics.Forget(m.config.Name)
	}
	m.logger.Info("failover manager destroyed")
}

// Destroyed reports whether Destroy has been called.
func (m *Manager) Destroyed() bool {
	return m.destroyed.Load()
}

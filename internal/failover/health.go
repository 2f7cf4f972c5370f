package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthResult is the outcome of probing one provider.
type HealthResult struct {
	Provider  string        `json:"provider"`
	IsHealthy bool          `json:"is_healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthCheckFunc probes one provider.
type HealthCheckFunc func(ctx context.Context, provider string) HealthResult

// ProbeFunc is a probe that reports failure as an error.
type ProbeFunc func(ctx context.Context, provider string) error

// AlwaysHealthy is the default probe.
func AlwaysHealthy(_ context.Context, provider string) HealthResult {
	return HealthResult{Provider: provider, IsHealthy: true, Timestamp: time.Now()}
}

// FromProbe adapts an error-returning probe, measuring its latency.
func FromProbe(probe ProbeFunc) HealthCheckFunc {
	return func(ctx context.Context, provider string) HealthResult {
		start := time.Now()
		err := probe(ctx, provider)
		r := HealthResult{
			Provider:  provider,
			IsHealthy: err == nil,
			Latency:   time.Since(start),
			Timestamp: time.Now(),
		}
		if err != nil {
			r.Error = err.Error()
		}
		return r
	}
}

// CheckAllProviders probes every provider concurrently, then applies
// EvaluateFailoverNeeds. Probe panics and timeouts count as unhealthy.
func (m *Manager) CheckAllProviders(ctx context.Context) []HealthResult {
	results := make([]HealthResult, len(m.order))

	var g errgroup.Group
	for i, name := range m.order {
		g.Go(func() error {
			results[i] = m.probe(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	m.EvaluateFailoverNeeds(results)
	return results
}

func (m *Manager) probe(ctx context.Context, provider string) (result HealthResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = HealthResult{IsHealthy: false, Error: fmt.Sprintf("health check panicked: %v", r)}
		}
		result.Provider = provider
		if result.Latency == 0 {
			result.Latency = time.Since(start)
		}
		if result.Timestamp.IsZero() {
			result.Timestamp = m.now()
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	done := make(chan HealthResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- HealthResult{IsHealthy: false, Error: fmt.Sprintf("health check panicked: %v", r)}
			}
		}()
		done <- m.healthCheck(probeCtx, provider)
	}()

	select {
	case r := <-done:
		return r
	case <-probeCtx.Done():
		return HealthResult{IsHealthy: false, Error: "health check timed out"}
	}
}

// EvaluateFailoverNeeds records results on the providers, then fails back
// to the primary once it has ConsecutiveSuccesses >= FailbackThreshold, or
// fails over when the current provider is unhealthy and another is healthy.
func (m *Manager) EvaluateFailoverNeeds(results []HealthResult) {
	healthy := make(map[string]bool, len(results))
	for _, r := range results {
		p, ok := m.providers[r.Provider]
		if !ok {
			continue
		}
		p.recordHealth(r.IsHealthy, r.Latency)
		healthy[r.Provider] = r.IsHealthy
		if m.metrics != nil {
			m.metrics.SetProviderHealthy(m.config.Name, r.Provider, r.IsHealthy)
		}
		if !r.IsHealthy {
			m.logger.Warn("provider health check failed", "provider", r.Provider, "error", r.Error)
		}
	}

	isHealthy := func(name string) bool {
		if h, ok := healthy[name]; ok {
			return h
		}
		return m.providers[name].isAvailable()
	}

	current := m.Current()
	primary := m.config.PrimaryProvider

	if current != primary && isHealthy(primary) &&
		m.providers[primary].successes() >= m.config.FailbackThreshold {
		m.switchProvider(current, primary, true, "primary healthy")
		return
	}

	if isHealthy(current) {
		return
	}
	for _, name := range m.order {
		if name != current && isHealthy(name) {
			m.switchProvider(current, name, false, "current provider unhealthy")
			return
		}
	}
}

// healthLoop runs CheckAllProviders on an interval.
type healthLoop struct {
	mu      sync.Mutex
	parent  context.Context
	started bool
	paused  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start begins periodic health checks. It is a no-op after Destroy or when
// already started.
func (m *Manager) Start(ctx context.Context) {
	m.loop.mu.Lock()
	defer m.loop.mu.Unlock()
	if m.destroyed.Load() || m.loop.started {
		return
	}
	m.loop.started = true
	m.loop.parent = ctx
	m.loop.paused = false
	m.loop.run(m)
}

// PauseHealthChecks stops the interval. Provider state is kept.
func (m *Manager) PauseHealthChecks() {
	m.loop.mu.Lock()
	defer m.loop.mu.Unlock()
	if !m.loop.started || m.loop.paused {
		return
	}
	m.loop.paused = true
	m.loop.halt()
}

// ResumeHealthChecks restarts a paused interval.
func (m *Manager) ResumeHealthChecks() {
	m.loop.mu.Lock()
	defer m.loop.mu.Unlock()
	if m.destroyed.Load() || !m.loop.started || !m.loop.paused {
		return
	}
	m.loop.paused = false
	m.loop.run(m)
}

// HealthChecksRunning reports whether the interval is active.
func (m *Manager) HealthChecksRunning() bool {
	m.loop.mu.Lock()
	defer m.loop.mu.Unlock()
	return m.loop.cancel != nil
}

// run must be called with mu held.
func (l *healthLoop) run(m *Manager) {
	ctx, cancel := context.WithCancel(l.parent)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.config.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CheckAllProviders(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// halt must be called with mu held.
func (l *healthLoop) halt() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	l.done = nil
}

func (l *healthLoop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halt()
	l.started = false
}

package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bargom/resilience/pkg/logging"
	"github.com/bargom/resilience/pkg/metrics"
)

// DefaultRecoveryInterval is how long a degraded controller stays on the
// local fallback before probing the distributed backend again.
const DefaultRecoveryInterval = 30 * time.Second

// Controller answers allow/deny for one key at a time. It never returns
// errors: backend failures become decisions according to its Policy.
type Controller struct {
	distributed      Backend
	local            *MemoryBackend
	policy           Policy
	recoveryInterval time.Duration
	logger           *slog.Logger
	metrics          *metrics.AdmissionMetrics
	now              func() time.Time

	mu            sync.Mutex
	degraded      bool
	degradedUntil time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLocalFallback sets the in-process backend used when the distributed
// backend fails or is not configured.
func WithLocalFallback(local *MemoryBackend) Option {
	return func(c *Controller) {
		c.local = local
	}
}

// WithPolicy sets the backend error policy.
func WithPolicy(p Policy) Option {
	return func(c *Controller) {
		c.policy = p
	}
}

// WithRecoveryInterval sets how long the controller stays degraded.
func WithRecoveryInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.recoveryInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logging.ComponentLogger(logger, "admission")
	}
}

// WithMetrics records decisions on the given registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Controller) {
		if reg != nil {
			c.metrics = reg.Admission()
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a controller over a distributed backend. A nil
// distributed backend makes the local fallback authoritative.
func NewController(distributed Backend, opts ...Option) *Controller {
	c := &Controller{
		distributed:      distributed,
		policy:           FailOpen,
		recoveryInterval: DefaultRecoveryInterval,
		logger:           logging.ComponentLogger(nil, "admission"),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.local == nil {
		c.local = NewMemoryBackend(WithMemoryClock(c.now))
	}
	return c
}

// Local returns the in-process fallback backend.
func (c *Controller) Local() *MemoryBackend {
	return c.local
}

// Degraded reports whether the controller is currently using the local fallback
// in place of its distributed backend.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Check admits or denies one request for key within a sliding window.
func (c *Controller) Check(ctx context.Context, key string, window time.Duration, maxRequests int) Decision {
	return c.check(ctx, "", key, window, maxRequests)
}

func (c *Controller) check(ctx context.Context, preset, key string, window time.Duration, maxRequests int) Decision {
	if window.Milliseconds() <= 0 || maxRequests < 0 {
		c.logger.WarnContext(ctx, "rejecting request with invalid limit",
			"key", key,
			"error", fmt.Errorf("%w: window=%s max_requests=%d", ErrInvalidConfig, window, maxRequests),
		)
		return c.record(preset, Decision{Allowed: false, Remaining: 0})
	}

	now := c.now()

	if !c.useDistributed(now) {
		res, _ := c.local.Admit(ctx, key, now, window, maxRequests)
		return c.record(preset, decisionFrom(res))
	}

	start := time.Now()
	res, err := c.distributed.Admit(ctx, key, now, window, maxRequests)
	if c.metrics != nil {
		c.metrics.ObserveBackend(c.distributed.Name(), time.Since(start))
	}
	if err != nil {
		return c.record(preset, c.onBackendError(ctx, err, key, now, window, maxRequests))
	}

	c.markHealthy(ctx)
	return c.record(preset, decisionFrom(res))
}

func (c *Controller) useDistributed(now time.Time) bool {
	if c.distributed == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.degraded || !now.Before(c.degradedUntil)
}

func (c *Controller) onBackendError(ctx context.Context, err error, key string, now time.Time, window time.Duration, maxRequests int) Decision {
	if c.metrics != nil {
		c.metrics.RecordBackendError(c.distributed.Name())
	}

	if c.policy == FailClosed {
		c.logger.ErrorContext(ctx, "rate limit backend failed, denying request",
			"backend", c.distributed.Name(),
			"key", key,
			"error", err,
		)
		return Decision{Allowed: false, Remaining: 0, RetryAfterSeconds: 1}
	}

	c.mu.Lock()
	wasDegraded := c.degraded
	c.degraded = true
	c.degradedUntil = now.Add(c.recoveryInterval)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetDegraded(true)
	}
	c.logger.ErrorContext(ctx, "rate limit backend failed, using local fallback",
		"backend", c.distributed.Name(),
		"key", key,
		"already_degraded", wasDegraded,
		"retry_in", c.recoveryInterval,
		"error", err,
	)

	res, _ := c.local.Admit(ctx, key, now, window, maxRequests)
	return Decision{Allowed: true, Remaining: res.Remaining}
}

func (c *Controller) markHealthy(ctx context.Context) {
	c.mu.Lock()
	wasDegraded := c.degraded
	c.degraded = false
	c.mu.Unlock()

	if wasDegraded {
		if c.metrics != nil {
			c.metrics.SetDegraded(false)
		}
		c.logger.InfoContext(ctx, "rate limit backend recovered", "backend", c.distributed.Name())
	}
}

func (c *Controller) record(preset string, d Decision) Decision {
	if c.metrics != nil {
		c.metrics.RecordDecision(preset, d.Allowed)
	}
	return d
}

func decisionFrom(res Result) Decision {
	return Decision{
		Allowed:           res.Allowed,
		Remaining:         res.Remaining,
		RetryAfterSeconds: res.RetryAfterSeconds,
	}
}

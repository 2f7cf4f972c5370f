// Package health reports liveness and readiness of the resilience server
// and its backends.
package health

import (
	"context"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded means the component works with reduced guarantees,
	// e.g. admission decisions served by the local fallback.
	StatusDegraded Status = "degraded"
)

// Severity decides whether a failing check affects readiness.
type Severity string

const (
	// SeverityCritical checks run for /health/ready.
	SeverityCritical Severity = "critical"
	// SeverityWarning checks only show up on /health.
	SeverityWarning Severity = "warning"
)

// Response is the body of every health endpoint.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Checker is implemented by every health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	Severity() Severity
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc func(ctx context.Context) CheckResult

type funcChecker struct {
	name     string
	severity Severity
	fn       CheckerFunc
}

// NewChecker wraps fn as a named Checker.
func NewChecker(name string, severity Severity, fn CheckerFunc) Checker {
	return &funcChecker{name: name, severity: severity, fn: fn}
}

func (c *funcChecker) Name() string                          { return c.name }
func (c *funcChecker) Severity() Severity                    { return c.severity }
func (c *funcChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

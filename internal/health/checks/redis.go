// Package checks provides health checkers for the resilience backends.
package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bargom/resilience/internal/health"
)

// RedisPinger is the subset of a go-redis client the checker needs.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type poolStatser interface {
	PoolStats() *redis.PoolStats
}

// RedisChecker checks the shared admission backend.
type RedisChecker struct {
	client   RedisPinger
	timeout  time.Duration
	severity health.Severity
}

// RedisOption is a functional option for RedisChecker.
type RedisOption func(*RedisChecker)

// WithRedisTimeout sets the ping timeout.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(c *RedisChecker) {
		c.timeout = d
	}
}

// WithRedisSeverity sets the severity level.
func WithRedisSeverity(s health.Severity) RedisOption {
	return func(c *RedisChecker) {
		c.severity = s
	}
}

// NewRedisChecker creates a Redis health checker. Admission keeps working
// on the local fallback without Redis, so the default severity is warning.
func NewRedisChecker(client RedisPinger, opts ...RedisOption) *RedisChecker {
	c := &RedisChecker{
		client:   client,
		timeout:  time.Second,
		severity: health.SeverityWarning,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of this health check.
func (c *RedisChecker) Name() string {
	return "redis"
}

// Severity returns the severity level of this check.
func (c *RedisChecker) Severity() health.Severity {
	return c.severity
}

// Check pings Redis.
func (c *RedisChecker) Check(ctx context.Context) health.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return health.CheckResult{
			Status:  health.StatusUnhealthy,
			Message: fmt.Sprintf("redis ping failed: %v", err),
		}
	}

	result := health.CheckResult{Status: health.StatusHealthy}
	if ps, ok := c.client.(poolStatser); ok {
		if stats := ps.PoolStats(); stats != nil {
			result.Details = map[string]any{
				"total_conns": stats.TotalConns,
				"idle_conns":  stats.IdleConns,
				"timeouts":    stats.Timeouts,
			}
		}
	}
	return result
}

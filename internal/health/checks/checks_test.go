package checks

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/bargom/resilience/internal/admission"
	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/failover"
	"github.com/bargom/resilience/internal/health"
)

type mockRedis struct {
	err   error
	stats *redis.PoolStats
}

func (m *mockRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", m.err)
}

func (m *mockRedis) PoolStats() *redis.PoolStats {
	return m.stats
}

func TestRedisChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		c := NewRedisChecker(&mockRedis{stats: &redis.PoolStats{TotalConns: 4, IdleConns: 3}})

		result := c.Check(context.Background())

		assert.Equal(t, health.StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "total_conns")
	})

	t.Run("unhealthy", func(t *testing.T) {
		c := NewRedisChecker(&mockRedis{err: errors.New("connection refused")})

		result := c.Check(context.Background())

		assert.Equal(t, health.StatusUnhealthy, result.Status)
		assert.Contains(t, result.Message, "redis ping failed")
		assert.Contains(t, result.Message, "connection refused")
	})

	t.Run("defaults", func(t *testing.T) {
		c := NewRedisChecker(&mockRedis{})
		assert.Equal(t, "redis", c.Name())
		assert.Equal(t, health.SeverityWarning, c.Severity())
		assert.Equal(t, time.Second, c.timeout)
	})

	t.Run("options", func(t *testing.T) {
		c := NewRedisChecker(&mockRedis{},
			WithRedisTimeout(3*time.Second),
			WithRedisSeverity(health.SeverityCritical),
		)
		assert.Equal(t, 3*time.Second, c.timeout)
		assert.Equal(t, health.SeverityCritical, c.Severity())
	})
}

func TestArchiveChecker(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	c := NewArchiveChecker(db, WithArchiveTimeout(time.Second))
	assert.Equal(t, "dead_letter_archive", c.Name())
	assert.Equal(t, health.SeverityCritical, c.Severity())

	result := c.Check(context.Background())
	assert.Equal(t, health.StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "open_connections")

	require.NoError(t, db.Close())
	result = c.Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "archive ping failed")
}

type downBackend struct{}

func (downBackend) Name() string { return "down" }

func (downBackend) Admit(context.Context, string, time.Time, time.Duration, int) (admission.Result, error) {
	return admission.Result{}, admission.ErrBackendUnavailable
}

func TestAdmissionChecker(t *testing.T) {
	c := admission.NewController(downBackend{})
	checker := AdmissionChecker(c)

	assert.Equal(t, health.StatusHealthy, checker.Check(context.Background()).Status)

	c.Check(context.Background(), "k", time.Minute, 10)
	result := checker.Check(context.Background())
	assert.Equal(t, health.StatusDegraded, result.Status)
	assert.Equal(t, "using local fallback", result.Message)
}

func TestQueueChecker(t *testing.T) {
	cfg := delivery.DefaultConfig()
	cfg.MaxAttempts = 2
	q, err := delivery.NewQueue(cfg, func(context.Context, delivery.RetryItem) error {
		return errors.New("endpoint down")
	})
	require.NoError(t, err)

	checker := QueueChecker(q, 1)
	result := checker.Check(context.Background())
	assert.Equal(t, health.StatusHealthy, result.Status)

	ok := q.AddToQueue(delivery.Event{ID: "evt_1", Event: "user.created", Timestamp: 1}, errors.New("first"))
	require.True(t, ok)
	assert.Equal(t, 1, checker.Check(context.Background()).Details["pending"])

	q.ProcessQueue(context.Background())
	result = checker.Check(context.Background())
	assert.Equal(t, health.StatusDegraded, result.Status)
	assert.Equal(t, "1 dead letters", result.Message)

	assert.Equal(t, health.StatusHealthy, QueueChecker(q, 0).Check(context.Background()).Status)
}

func TestFailoverChecker(t *testing.T) {
	reg := failover.NewRegistry()
	t.Cleanup(reg.DestroyAll)

	checker := FailoverChecker(reg)
	assert.Equal(t, health.StatusHealthy, checker.Check(context.Background()).Status)

	m, err := reg.Register("cache", failover.Config{PrimaryProvider: "redis", FallbackProviders: []string{"memory"}})
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, checker.Check(context.Background()).Status)

	m.EvaluateFailoverNeeds([]failover.HealthResult{
		{Provider: "redis", IsHealthy: false},
		{Provider: "memory", IsHealthy: true},
	})
	result := checker.Check(context.Background())
	assert.Equal(t, health.StatusDegraded, result.Status)
	assert.Equal(t, "memory", result.Details["cache"])

	m.EvaluateFailoverNeeds([]failover.HealthResult{
		{Provider: "redis", IsHealthy: false},
		{Provider: "memory", IsHealthy: false},
	})
	result = checker.Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "unavailable")
}

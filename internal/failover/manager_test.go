package failover

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/resilience/pkg/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func testConfig() Config {
	return Config{
		Name:              "database",
		PrimaryProvider:   "primary",
		FallbackProviders: []string{"fallback1", "fallback2"},
		MaxRetries:        3,
		FailbackThreshold: 3,
	}
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	return m
}

// onlySucceeds returns an operation that succeeds only on the given providers
// and records every provider it was called with.
func onlySucceeds(calls *[]string, mu *sync.Mutex, ok ...string) Operation {
	allowed := make(map[string]bool)
	for _, p := range ok {
		allowed[p] = true
	}
	return func(_ context.Context, provider string) (any, error) {
		mu.Lock()
		*calls = append(*calls, provider)
		mu.Unlock()
		if allowed[provider] {
			return "result from " + provider, nil
		}
		return nil, errors.New(provider + " failed")
	}
}

func TestNew_Defaults(t *testing.T) {
	m := newTestManager(t, Config{Name: "x", PrimaryProvider: "a"})

	cfg := m.Config()
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.FailbackThreshold)
	assert.Equal(t, time.Duration(0), cfg.RetryDelay)
	assert.Equal(t, "a", m.Current())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Name: "x"})
	assert.ErrorIs(t, err, ErrNoProviders)

	_, err = New(Config{PrimaryProvider: "a"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Name: "x", PrimaryProvider: "a", FallbackProviders: []string{"b", "a"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Name: "x", PrimaryProvider: "a", MaxRetries: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExecute_SuccessKeepsCurrent(t *testing.T) {
	m := newTestManager(t, testConfig())
	var calls []string
	var mu sync.Mutex

	res, err := m.Execute(context.Background(), onlySucceeds(&calls, &mu, "primary"), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "result from primary", res)
	assert.Equal(t, []string{"primary"}, calls)
	assert.Equal(t, "primary", m.Current())

	p, _ := m.Provider("primary")
	assert.Equal(t, 1, p.ConsecutiveSuccesses)

	stats := m.Metrics()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.Equal(t, int64(0), stats.FailoverCount)
}

func TestExecute_FailoverOrdering(t *testing.T) {
	m := newTestManager(t, testConfig())
	var calls []string
	var mu sync.Mutex

	res, err := m.Execute(context.Background(), onlySucceeds(&calls, &mu, "fallback2"), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "result from fallback2", res)
	assert.Equal(t, []string{"primary", "fallback1", "fallback2"}, calls)
	assert.Equal(t, "fallback2", m.Current())
	assert.Equal(t, int64(1), m.Metrics().FailoverCount)
}

func TestExecute_FailoverIsSticky(t *testing.T) {
	m := newTestManager(t, testConfig())
	var calls []string
	var mu sync.Mutex
	op := onlySucceeds(&calls, &mu, "fallback1", "primary")

	// primary fails once, fallback1 takes over
	first := true
	_, err := m.Execute(context.Background(), func(ctx context.Context, p string) (any, error) {
		if p == "primary" && first {
			first = false
			return nil, errors.New("blip")
		}
		return op(ctx, p)
	}, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, "fallback1", m.Current())

	calls = nil
	_, err = m.Execute(context.Background(), op, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback1"}, calls)
	assert.Equal(t, "fallback1", m.Current())
}

func TestExecute_AllProvidersFail(t *testing.T) {
	m := newTestManager(t, testConfig())
	var calls []string
	var mu sync.Mutex

	res, err := m.Execute(context.Background(), onlySucceeds(&calls, &mu), ExecuteOptions{})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Equal(t, "fallback2 failed", err.Error())
	assert.Equal(t, "primary", m.Current())

	stats := m.Metrics()
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(0), stats.FailoverCount)
	assert.Equal(t, float64(100), stats.Providers["primary"].ErrorRate)
}

type codedError struct{ code int }

func (e *codedError) Error() string { return "coded" }

func TestExecute_LastErrorReturnedAsIs(t *testing.T) {
	m := newTestManager(t, testConfig())
	sentinel := &codedError{code: 42}

	_, err := m.Execute(context.Background(), func(context.Context, string) (any, error) {
		return nil, sentinel
	}, ExecuteOptions{})

	var ce *codedError
	require.True(t, errors.As(err, &ce))
	assert.Same(t, sentinel, ce)
}

func TestExecute_MaxRetriesBoundsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	m := newTestManager(t, cfg)
	var calls []string
	var mu sync.Mutex

	_, err := m.Execute(context.Background(), onlySucceeds(&calls, &mu, "fallback2"), ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, []string{"primary", "fallback1"}, calls)
	assert.Equal(t, "primary", m.Current())
}

func TestExecute_WalksConfiguredOrderRegardlessOfHealth(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	m := newTestManager(t, cfg)
	m.EvaluateFailoverNeeds([]HealthResult{{Provider: "fallback1", IsHealthy: false}})
	require.Equal(t, "primary", m.Current())

	var calls []string
	var mu sync.Mutex
	res, err := m.Execute(context.Background(), onlySucceeds(&calls, &mu, "fallback1", "fallback2"), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "result from fallback1", res)
	assert.Equal(t, []string{"primary", "fallback1"}, calls)
	assert.Equal(t, "fallback1", m.Current())
}

func TestExecute_RetryDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = 20 * time.Millisecond
	m := newTestManager(t, cfg)
	var calls []string
	var mu sync.Mutex

	start := time.Now()
	_, err := m.Execute(context.Background(), onlySucceeds(&calls, &mu, "fallback2"), ExecuteOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestExecute_RetryDelayHonoursCancel(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	m := newTestManager(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Execute(ctx, func(context.Context, string) (any, error) {
		return nil, errors.New("down")
	}, ExecuteOptions{})
	assert.EqualError(t, err, "down")
}

func TestExecute_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	m := newTestManager(t, cfg)

	_, err := m.Execute(context.Background(), func(ctx context.Context, _ string) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, ExecuteOptions{Timeout: 10 * time.Millisecond})

	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, "Operation timeout", err.Error())
}

func TestExecute_TimeoutFailsOver(t *testing.T) {
	m := newTestManager(t, testConfig())

	res, err := m.Execute(context.Background(), func(ctx context.Context, p string) (any, error) {
		if p == "primary" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return p, nil
	}, ExecuteOptions{Timeout: 10 * time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, "fallback1", res)
	assert.Equal(t, "fallback1", m.Current())
}

func TestExecute_PanicIsFailure(t *testing.T) {
	m := newTestManager(t, testConfig())

	res, err := m.Execute(context.Background(), func(_ context.Context, p string) (any, error) {
		if p == "primary" {
			panic("driver bug")
		}
		return "ok", nil
	}, ExecuteOptions{})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, "fallback1", m.Current())
}

func TestExecute_ForceProvider(t *testing.T) {
	m := newTestManager(t, testConfig())
	var calls []string
	var mu sync.Mutex

	res, err := m.Execute(context.Background(), onlySucceeds(&calls, &mu, "fallback2"), ExecuteOptions{ForceProvider: "fallback2"})
	require.NoError(t, err)
	assert.Equal(t, "result from fallback2", res)
	assert.Equal(t, "primary", m.Current())

	calls = nil
	_, err = m.Execute(context.Background(), onlySucceeds(&calls, &mu), ExecuteOptions{ForceProvider: "fallback1"})
	require.Error(t, err)
	assert.Equal(t, []string{"fallback1"}, calls)
	assert.Equal(t, "primary", m.Current())

	_, err = m.Execute(context.Background(), onlySucceeds(&calls, &mu), ExecuteOptions{ForceProvider: "nope"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestExecute_AfterDestroy(t *testing.T) {
	m := newTestManager(t, testConfig())
	m.Destroy()
	m.Destroy()

	_, err := m.Execute(context.Background(), func(context.Context, string) (any, error) { return 1, nil }, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrManagerDestroyed)
	assert.True(t, m.Destroyed())
}

func TestExecute_SnapshotsCurrentProvider(t *testing.T) {
	m := newTestManager(t, testConfig())
	entered := make(chan struct{})
	release := make(chan struct{})

	var got atomic.Value
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Execute(context.Background(), func(_ context.Context, p string) (any, error) {
			got.Store(p)
			close(entered)
			<-release
			return nil, nil
		}, ExecuteOptions{})
	}()

	<-entered
	m.EvaluateFailoverNeeds([]HealthResult{
		{Provider: "primary", IsHealthy: false},
		{Provider: "fallback1", IsHealthy: true},
	})
	require.Equal(t, "fallback1", m.Current())
	close(release)
	<-done

	assert.Equal(t, "primary", got.Load())
	assert.Equal(t, "fallback1", m.Current())
}

func TestExecute_ConcurrentFailoverCountedOnce(t *testing.T) {
	m := newTestManager(t, testConfig())
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = m.Execute(context.Background(), func(_ context.Context, p string) (any, error) {
				if p == "primary" {
					return nil, errors.New("down")
				}
				return p, nil
			}, ExecuteOptions{})
		}()
	}
	close(start)
	wg.Wait()

	stats := m.Metrics()
	assert.Equal(t, int64(20), stats.TotalRequests)
	assert.Equal(t, int64(20), stats.SuccessfulRequests)
	assert.Equal(t, "fallback1", m.Current())
	assert.Equal(t, int64(1), stats.FailoverCount)
}

func TestDo_Typed(t *testing.T) {
	m := newTestManager(t, testConfig())

	n, err := Do(context.Background(), m, func(_ context.Context, p string) (int, error) {
		return len(p), nil
	}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, len("primary"), n)

	_, err = Do(context.Background(), m, func(context.Context, string) (int, error) {
		return 0, errors.New("nope")
	}, ExecuteOptions{})
	assert.EqualError(t, err, "nope")
}

func TestMetrics_ProviderLatencyAndErrorRate(t *testing.T) {
	m := newTestManager(t, testConfig())

	for i := 0; i < 3; i++ {
		_, _ = m.Execute(context.Background(), func(context.Context, string) (any, error) {
			time.Sleep(2 * time.Millisecond)
			return nil, nil
		}, ExecuteOptions{ForceProvider: "fallback1"})
	}
	_, _ = m.Execute(context.Background(), func(context.Context, string) (any, error) {
		return nil, errors.New("x")
	}, ExecuteOptions{ForceProvider: "fallback1"})

	pm := m.Metrics().Providers["fallback1"]
	assert.Equal(t, int64(4), pm.Requests)
	assert.Equal(t, float64(25), pm.ErrorRate)
	assert.Greater(t, pm.LatencyMs, float64(1))
}

func TestManager_PrometheusMetrics(t *testing.T) {
	cfg := metrics.DefaultConfig()
	cfg.EnableProcessMetrics = false
	cfg.EnableRuntimeMetrics = false
	reg := metrics.NewRegistry(cfg)

	m := newTestManager(t, testConfig(), WithMetrics(reg))
	_, _ = m.Execute(context.Background(), func(_ context.Context, p string) (any, error) {
		if p == "primary" {
			return nil, errors.New("down")
		}
		return p, nil
	}, ExecuteOptions{})

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	assert.True(t, found["resilience_failover_requests_total"])
	assert.True(t, found["resilience_failover_failovers_total"])
	assert.True(t, found["resilience_failover_current_provider"])
}

func TestProviders_Snapshot(t *testing.T) {
	m := newTestManager(t, testConfig(), WithMetadata("primary", map[string]string{"region": "eu-west-1"}))

	providers := m.Providers()
	require.Len(t, providers, 3)
	assert.Equal(t, "primary", providers[0].Name)
	assert.True(t, providers[0].IsAvailable)
	assert.Equal(t, "eu-west-1", providers[0].Metadata["region"])

	providers[0].Metadata["region"] = "changed"
	p, ok := m.Provider("primary")
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", p.Metadata["region"])

	_, ok = m.Provider("missing")
	assert.False(t, ok)
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/resilience/internal/api/types"
	"github.com/bargom/resilience/internal/auth"
	"github.com/bargom/resilience/internal/config"
	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/delivery/sqlstore"
	"github.com/bargom/resilience/internal/delivery/target"
	"github.com/bargom/resilience/internal/failover"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

const adminSecret = "test-admin-secret"

func testConfig(targets ...string) config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Admin.Auth = auth.Config{Secret: adminSecret}
	cfg.Delivery.Targets = targets
	cfg.Scheduler.ProcessInterval = time.Hour
	return cfg
}

// runApp builds and starts an app serving on a random port. The app is
// shut down when the test ends.
func runApp(t *testing.T, cfg config.Config) (*app, string) {
	t.Helper()

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, a.start(ctx))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.serve(l) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, a.shutdown.Shutdown(ctx))
		assert.NoError(t, <-done)
	})
	return a, "http://" + l.Addr().String()
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(url, "application/json", reader)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func adminToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// admin sends an operator request carrying token when it is non-empty.
func admin(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApp_RedeliversThroughTargets(t *testing.T) {
	var received atomic.Int32
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			received.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	cfg := testConfig(downstream.URL)
	cfg.Delivery.Archive.Enabled = true
	cfg.Delivery.Archive.Config = sqlstore.Config{Driver: "sqlite", DSN: ":memory:"}
	a, base := runApp(t, cfg)

	resp := post(t, base+"/webhooks/failed", types.FailedWebhookRequest{
		Event: delivery.Event{ID: "evt_1", Event: "user.created", Data: map[string]any{"id": "u1"}},
		Error: "connection reset",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, a.queue.Length())

	token := adminToken(t, adminSecret)
	resp = admin(t, http.MethodPost, base+"/admin/queue/process", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var processed types.ProcessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&processed))
	assert.Equal(t, 1, processed.Delivered)
	assert.Equal(t, int32(1), received.Load())

	resp = admin(t, http.MethodGet, base+"/admin/failover", token)
	var list types.FailoverListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Managers, 1)
	assert.Equal(t, target.ManagerName, list.Managers[0].Name)
	assert.Equal(t, downstream.URL, list.Managers[0].CurrentProvider)

	resp = admin(t, http.MethodGet, base+"/admin/queue/stats", token)
	var stats types.QueueStatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.NotNil(t, stats.Archived)
	assert.Equal(t, 0, *stats.Archived)
}

func TestApp_HealthAndMetrics(t *testing.T) {
	_, base := runApp(t, testConfig())

	assert.Equal(t, http.StatusOK, get(t, base+"/health/live").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, base+"/health/ready").StatusCode)

	resp := get(t, base+"/health")
	var body struct {
		Checks map[string]json.RawMessage `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Checks, "admission")
	assert.Contains(t, body.Checks, "delivery_queue")
	assert.Contains(t, body.Checks, "failover")

	resp = get(t, base+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "resilience_http_requests_total")
}

func TestApp_AdminAuth(t *testing.T) {
	t.Run("token required", func(t *testing.T) {
		_, base := runApp(t, testConfig())

		assert.Equal(t, http.StatusUnauthorized, admin(t, http.MethodGet, base+"/admin/queue/stats", "").StatusCode)
		assert.Equal(t, http.StatusUnauthorized,
			admin(t, http.MethodGet, base+"/admin/queue/stats", adminToken(t, "other-secret")).StatusCode)
		assert.Equal(t, http.StatusOK,
			admin(t, http.MethodGet, base+"/admin/queue/stats", adminToken(t, adminSecret)).StatusCode)
	})

	t.Run("no key rejects everything", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admin.Auth = auth.Config{}
		_, base := runApp(t, cfg)

		assert.Equal(t, http.StatusUnauthorized,
			admin(t, http.MethodGet, base+"/admin/queue/stats", adminToken(t, adminSecret)).StatusCode)
	})

	t.Run("explicitly open", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admin.Auth = auth.Config{}
		cfg.Admin.AllowUnauthenticated = true
		_, base := runApp(t, cfg)

		assert.Equal(t, http.StatusOK, admin(t, http.MethodGet, base+"/admin/queue/stats", "").StatusCode)
	})
}

func TestApp_NoTargetsDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.Delivery.MaxAttempts = 1
	a, err := buildApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	require.True(t, a.queue.AddToQueue(delivery.Event{ID: "evt_1", Event: "user.created"}, nil))
	assert.Equal(t, 0, a.queue.ProcessQueue(context.Background()))

	dead := a.queue.DeadLetterItems()
	require.Len(t, dead, 1)
	assert.Equal(t, errNoTargets.Error(), dead[0].LastError)
}

func TestApp_ConfiguredManagers(t *testing.T) {
	cfg := testConfig("https://hooks.example.com/a", "https://hooks.example.com/b")
	cfg.Failover.Managers = map[string]failover.Config{
		"email": {PrimaryProvider: "brevo", FallbackProviders: []string{"smtp"}},
	}
	a, err := buildApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"delivery", "email"}, a.failover.Names())
	m, ok := a.failover.Get(target.ManagerName)
	require.True(t, ok)
	assert.Equal(t, []string{"https://hooks.example.com/b"}, m.Config().FallbackProviders)
}

func TestApp_BuildErrors(t *testing.T) {
	t.Run("unsupported archive driver", func(t *testing.T) {
		cfg := testConfig()
		cfg.Delivery.Archive.Enabled = true
		cfg.Delivery.Archive.Config = sqlstore.Config{Driver: "mysql", DSN: "x"}

		_, err := buildApp(context.Background(), cfg, quietLogger())
		assert.ErrorIs(t, err, sqlstore.ErrUnsupportedDialect)
	})

	t.Run("manager name collides with delivery", func(t *testing.T) {
		cfg := testConfig("https://hooks.example.com/a")
		cfg.Failover.Managers = map[string]failover.Config{
			target.ManagerName: {PrimaryProvider: "x"},
		}
		_, err := buildApp(context.Background(), cfg, quietLogger())
		assert.ErrorIs(t, err, failover.ErrManagerExists)
	})

	t.Run("bad admin public key", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admin.Auth = auth.Config{PublicKey: "not a pem"}
		_, err := buildApp(context.Background(), cfg, quietLogger())
		assert.Error(t, err)
	})

	t.Run("bad trusted proxy", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.TrustedProxies = []string{"10.0.0.0/33"}
		_, err := buildApp(context.Background(), cfg, quietLogger())
		assert.Error(t, err)
	})

	t.Run("unknown admission policy", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admission.Policy = "sometimes"
		_, err := buildApp(context.Background(), cfg, quietLogger())
		assert.Error(t, err)
	})
}

func TestHTTPProbe(t *testing.T) {
	probe := httpProbe(target.NewClient(target.Config{Timeout: time.Second}))

	assert.True(t, probe(context.Background(), "brevo").IsHealthy)
	assert.False(t, probe(context.Background(), "http://127.0.0.1:1").IsHealthy)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bargom/resilience/internal/admission"
	"github.com/bargom/resilience/internal/api/handlers"
	"github.com/bargom/resilience/internal/auth"
	"github.com/bargom/resilience/internal/api/types"
	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/failover"
	"github.com/bargom/resilience/internal/health"
	"github.com/bargom/resilience/pkg/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func setupRouter(t *testing.T, cfg RouterConfig) (http.Handler, *delivery.Queue) {
	t.Helper()

	q, err := delivery.NewQueue(delivery.DefaultConfig(),
		func(context.Context, delivery.RetryItem) error { return nil },
		delivery.WithLogger(quietLogger()))
	require.NoError(t, err)

	reg := failover.NewRegistry(failover.WithLogger(quietLogger()))
	_, err = reg.Register("email", failover.Config{PrimaryProvider: "brevo", FallbackProviders: []string{"smtp"}})
	require.NoError(t, err)

	cfg.Logger = quietLogger()
	h := handlers.NewHandler(q, reg, handlers.WithLogger(quietLogger()))
	return NewRouter(h, cfg), q
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func failedWebhook(id string) types.FailedWebhookRequest {
	return types.FailedWebhookRequest{
		Event: delivery.Event{ID: id, Event: "user.created", Timestamp: 1735689600000},
		Error: "timeout",
	}
}

func TestRouter_Routes(t *testing.T) {
	router, _ := setupRouter(t, RouterConfig{})

	tests := []struct {
		method string
		path   string
		body   any
		want   int
	}{
		{http.MethodGet, "/admin/queue/stats", nil, http.StatusOK},
		{http.MethodGet, "/admin/queue/dead-letters", nil, http.StatusOK},
		{http.MethodDelete, "/admin/queue/dead-letters", nil, http.StatusOK},
		{http.MethodPost, "/admin/queue/process", nil, http.StatusOK},
		{http.MethodGet, "/admin/failover", nil, http.StatusOK},
		{http.MethodGet, "/admin/failover/email", nil, http.StatusOK},
		{http.MethodGet, "/admin/failover/sms", nil, http.StatusNotFound},
		{http.MethodPost, "/admin/failover/email/check", nil, http.StatusOK},
		{http.MethodPost, "/webhooks/failed", failedWebhook("evt_1"), http.StatusAccepted},
		{http.MethodGet, "/webhooks/failed", nil, http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRouter_Health(t *testing.T) {
	reg := health.NewRegistry("1.2.3")
	reg.Register(health.NewChecker("always", health.SeverityCritical, func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusHealthy}
	}))
	router, _ := setupRouter(t, RouterConfig{Health: health.NewHandler(reg)})

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := do(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := do(t, router, http.MethodGet, "/health", nil)
	var resp health.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestRouter_NoHealthWithoutHandler(t *testing.T) {
	router, _ := setupRouter(t, RouterConfig{})

	rec := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	m := metrics.NewRegistry(metrics.DefaultConfig())
	router, _ := setupRouter(t, RouterConfig{Metrics: m})

	do(t, router, http.MethodGet, "/admin/queue/stats", nil)

	rec := do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "resilience_http_requests_total")
	assert.Contains(t, body, `path="/admin/queue/stats"`)
	assert.NotContains(t, body, `path="/metrics"`)
}

func TestRouter_CustomMetricsPath(t *testing.T) {
	m := metrics.NewRegistry(metrics.DefaultConfig())
	router, _ := setupRouter(t, RouterConfig{Metrics: m, MetricsPath: "/internal/metrics"})

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/internal/metrics", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/metrics", nil).Code)
}

func TestRouter_AdminRateLimited(t *testing.T) {
	c := admission.NewController(nil, admission.WithLogger(quietLogger()))
	router, _ := setupRouter(t, RouterConfig{
		Admission:     c,
		GeneralPreset: admission.GeneralPreset().WithLimit(time.Minute, 2),
	})

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/admin/queue/stats", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/admin/failover", nil).Code)

	rec := do(t, router, http.MethodGet, "/admin/queue/stats", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRouter_WebhookRateLimitedSeparately(t *testing.T) {
	c := admission.NewController(nil, admission.WithLogger(quietLogger()))
	router, q := setupRouter(t, RouterConfig{
		Admission:     c,
		GeneralPreset: admission.GeneralPreset().WithLimit(time.Minute, 1),
		WebhookPreset: admission.WebhookPreset().WithLimit(time.Minute, 2),
	})

	assert.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/webhooks/failed", failedWebhook("evt_1")).Code)
	assert.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/webhooks/failed", failedWebhook("evt_2")).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, router, http.MethodPost, "/webhooks/failed", failedWebhook("evt_3")).Code)
	assert.Equal(t, 2, q.Length())

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/admin/queue/stats", nil).Code)
}

func TestRouter_WebhookKeyedByIdempotencyHeader(t *testing.T) {
	c := admission.NewController(nil, admission.WithLogger(quietLogger()))
	router, _ := setupRouter(t, RouterConfig{
		Admission:     c,
		WebhookPreset: admission.WebhookPreset().WithLimit(time.Minute, 1),
	})

	send := func(key, id string) int {
		data, err := json.Marshal(failedWebhook(id))
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/failed", strings.NewReader(string(data)))
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, send("key-a", "evt_1"))
	assert.Equal(t, http.StatusAccepted, send("key-b", "evt_2"))
	assert.Equal(t, http.StatusTooManyRequests, send("key-a", "evt_3"))
}

func TestRouter_RequestIDHeader(t *testing.T) {
	router, _ := setupRouter(t, RouterConfig{})

	rec := do(t, router, http.MethodGet, "/admin/queue/stats", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	const secret = "router-test-secret"
	v, err := auth.NewValidator(auth.Config{Secret: secret}, quietLogger())
	require.NoError(t, err)
	router, q := setupRouter(t, RouterConfig{AdminAuth: auth.RequireToken(v)})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	withToken := func(method, target, token string) int {
		req := httptest.NewRequest(method, target, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	admin := []struct{ method, path string }{
		{http.MethodGet, "/admin/queue/stats"},
		{http.MethodGet, "/admin/queue/dead-letters"},
		{http.MethodDelete, "/admin/queue/dead-letters"},
		{http.MethodPost, "/admin/queue/process"},
		{http.MethodGet, "/admin/failover"},
		{http.MethodPost, "/admin/failover/email/check"},
	}
	for _, a := range admin {
		t.Run(a.method+" "+a.path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, withToken(a.method, a.path, ""))
			assert.Equal(t, http.StatusUnauthorized, withToken(a.method, a.path, token+"x"))
			assert.Equal(t, http.StatusOK, withToken(a.method, a.path, token))
		})
	}

	// ingestion stays open
	assert.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/webhooks/failed", failedWebhook("evt_1")).Code)
	assert.Equal(t, 1, q.Length())
}

func TestRouter_TrustedProxies(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	c := admission.NewController(nil, admission.WithLogger(quietLogger()))
	router, _ := setupRouter(t, RouterConfig{
		Admission:      c,
		GeneralPreset:  admission.GeneralPreset().WithLimit(time.Minute, 1),
		TrustedProxies: trusted,
	})

	send := func(remote, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin/queue/stats", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	// An untrusted peer cannot escape its limit by rotating the header.
	assert.Equal(t, http.StatusOK, send("203.0.113.5:4000", "198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.5:4000", "198.51.100.2"))

	// Behind the trusted proxy each forwarded client has its own limit.
	assert.Equal(t, http.StatusOK, send("10.1.2.3:4000", "198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("10.1.2.3:4000", "198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.1.2.3:4000", "198.51.100.1"))
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{"10.1.2.3/8", "::1/128"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("::1/128")}, got)

	_, err = ParseTrustedProxies([]string{"10.0.0.1"})
	assert.Error(t, err)

	assert.False(t, fromTrustedPeer("10.0.0.1:80", nil))
	assert.True(t, fromTrustedPeer("[::ffff:10.0.0.1]:80", got))
	assert.False(t, fromTrustedPeer("not-an-ip", got))
}

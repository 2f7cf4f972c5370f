package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "resilience", cfg.Namespace)
	assert.True(t, cfg.EnableProcessMetrics)
	assert.True(t, cfg.EnableRuntimeMetrics)
	assert.NotEmpty(t, cfg.HistogramBuckets.HTTPDuration)
}

func TestNewRegistry(t *testing.T) {
	reg := newTestRegistry()

	assert.NotNil(t, reg.PrometheusRegistry())
	assert.Equal(t, "resilience", reg.Config().Namespace)
}

func TestNewRegistry_FillsDefaults(t *testing.T) {
	reg := NewRegistry(Config{})

	assert.Equal(t, "resilience", reg.Config().Namespace)
	assert.NotEmpty(t, reg.Config().HistogramBuckets.OperationDuration)
}

func TestHTTPMetrics(t *testing.T) {
	reg := newTestRegistry()
	httpMetrics := reg.HTTP()

	t.Run("RecordRequest", func(t *testing.T) {
		httpMetrics.RecordRequest("GET", "/admin/queue/stats", 200, 0.1)

		counter, err := getCounterValue(reg.httpRequestsTotal, "GET", "/admin/queue/stats", "200")
		require.NoError(t, err)
		assert.Equal(t, float64(1), counter)
	})

	t.Run("ActiveRequests", func(t *testing.T) {
		httpMetrics.IncActiveRequests("POST", "/webhooks/failed")
		httpMetrics.IncActiveRequests("POST", "/webhooks/failed")

		gauge, err := getGaugeValue(reg.httpActiveRequests, "POST", "/webhooks/failed")
		require.NoError(t, err)
		assert.Equal(t, float64(2), gauge)

		httpMetrics.DecActiveRequests("POST", "/webhooks/failed")
		gauge, err = getGaugeValue(reg.httpActiveRequests, "POST", "/webhooks/failed")
		require.NoError(t, err)
		assert.Equal(t, float64(1), gauge)
	})
}

func TestAdmissionMetrics(t *testing.T) {
	reg := newTestRegistry()
	adm := reg.Admission()

	adm.RecordDecision("webhook", true)
	adm.RecordDecision("webhook", true)
	adm.RecordDecision("webhook", false)
	adm.RecordDecision("", false)
	adm.RecordBackendError("redis")
	adm.ObserveBackend("redis", 2*time.Millisecond)

	allowed, err := getCounterValue(reg.admissionDecisions, "webhook", "allowed")
	require.NoError(t, err)
	assert.Equal(t, float64(2), allowed)

	denied, err := getCounterValue(reg.admissionDecisions, "direct", "denied")
	require.NoError(t, err)
	assert.Equal(t, float64(1), denied)

	errs, err := getCounterValue(reg.admissionBackendErrors, "redis")
	require.NoError(t, err)
	assert.Equal(t, float64(1), errs)

	adm.SetDegraded(true)
	assert.Equal(t, float64(1), getSimpleGaugeValue(reg.admissionDegraded))
	adm.SetDegraded(false)
	assert.Equal(t, float64(0), getSimpleGaugeValue(reg.admissionDegraded))
}

func TestDeliveryMetrics(t *testing.T) {
	reg := newTestRegistry()
	d := reg.Delivery()

	d.RecordQueued()
	d.RecordQueued()
	d.RecordProcessed()
	d.RecordFailedAttempt()
	d.RecordDeadLettered()
	d.RecordArchiveError()
	d.SetSizes(3, 1)
	d.ObservePass(50 * time.Millisecond)

	assert.Equal(t, float64(2), getSimpleCounterValue(reg.deliveryQueued))
	assert.Equal(t, float64(1), getSimpleCounterValue(reg.deliveryProcessed))
	assert.Equal(t, float64(1), getSimpleCounterValue(reg.deliveryFailed))
	assert.Equal(t, float64(1), getSimpleCounterValue(reg.deliveryDeadLettered))
	assert.Equal(t, float64(1), getSimpleCounterValue(reg.deliveryArchiveErrors))
	assert.Equal(t, float64(3), getSimpleGaugeValue(reg.deliveryPending))
	assert.Equal(t, float64(1), getSimpleGaugeValue(reg.deliveryDeadLetters))
}

func TestFailoverMetrics(t *testing.T) {
	reg := newTestRegistry()
	f := reg.Failover()

	f.SetCurrentProvider("database", "", "primary")
	f.RecordAttempt("database", "primary", false, 10*time.Millisecond)
	f.RecordAttempt("database", "replica", true, 5*time.Millisecond)
	f.RecordFailover("database", "primary", "replica")

	failures, err := getCounterValue(reg.failoverRequests, "database", "primary", "failure")
	require.NoError(t, err)
	assert.Equal(t, float64(1), failures)

	switches, err := getCounterValue(reg.failoverSwitches, "database", "primary", "replica")
	require.NoError(t, err)
	assert.Equal(t, float64(1), switches)

	current, err := getGaugeValue(reg.failoverCurrentProvider, "database", "replica")
	require.NoError(t, err)
	assert.Equal(t, float64(1), current)
	previous, err := getGaugeValue(reg.failoverCurrentProvider, "database", "primary")
	require.NoError(t, err)
	assert.Equal(t, float64(0), previous)

	f.RecordFailback("database", "replica", "primary")
	failbacks, err := getCounterValue(reg.failoverFailbacks, "database")
	require.NoError(t, err)
	assert.Equal(t, float64(1), failbacks)

	f.SetProviderHealthy("database", "replica", false)
	healthy, err := getGaugeValue(reg.failoverProviderHealthy, "database", "replica")
	require.NoError(t, err)
	assert.Equal(t, float64(0), healthy)
}

func TestFailoverMetrics_Forget(t *testing.T) {
	reg := newTestRegistry()
	f := reg.Failover()

	f.SetCurrentProvider("cache", "", "primary")
	f.SetCurrentProvider("database", "", "primary")
	f.Forget("cache")

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "resilience_failover_current_provider" {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, "database", mf.GetMetric()[0].GetLabel()[0].GetValue())
	}
}

func TestHTTPMiddleware(t *testing.T) {
	reg := newTestRegistry()

	handler := HTTPMiddleware(reg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/failover/database", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	counter, err := getCounterValue(reg.httpRequestsTotal, "GET", "/admin/failover/database", "429")
	require.NoError(t, err)
	assert.Equal(t, float64(1), counter)
}

func TestHTTPMiddlewareWithSkipPaths(t *testing.T) {
	reg := newTestRegistry()

	handler := HTTPMiddlewareWithOptions(reg, MiddlewareOptions{
		SkipPaths: []string{"/metrics"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics", nil))

	counter, err := getCounterValue(reg.httpRequestsTotal, "GET", "/metrics", "200")
	require.NoError(t, err)
	assert.Equal(t, float64(0), counter)
}

func TestDefaultPathNormalizer(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/admin/queue/stats", "/admin/queue/stats"},
		{"/items/123", "/items/{id}"},
		{"/items/123/attempts", "/items/{id}/attempts"},
		{"/items/550e8400-e29b-41d4-a716-446655440000", "/items/{id}"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, DefaultPathNormalizer(tt.input))
		})
	}
}

func TestHandler(t *testing.T) {
	reg := newTestRegistry()
	reg.Admission().RecordDecision("general", true)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `resilience_admission_decisions_total{preset="general",result="allowed"} 1`)
}

func newTestRegistry() *Registry {
	cfg := DefaultConfig()
	cfg.EnableProcessMetrics = false
	cfg.EnableRuntimeMetrics = false
	return NewRegistry(cfg)
}

func getCounterValue(cv *prometheus.CounterVec, labels ...string) (float64, error) {
	counter, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0, err
	}

	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		return 0, err
	}
	return metric.GetCounter().GetValue(), nil
}

func getGaugeValue(gv *prometheus.GaugeVec, labels ...string) (float64, error) {
	gauge, err := gv.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0, err
	}

	var metric dto.Metric
	if err := gauge.Write(&metric); err != nil {
		return 0, err
	}
	return metric.GetGauge().GetValue(), nil
}

func getSimpleGaugeValue(g prometheus.Gauge) float64 {
	var metric dto.Metric
	_ = g.Write(&metric)
	return metric.GetGauge().GetValue()
}

func getSimpleCounterValue(c prometheus.Counter) float64 {
	var metric dto.Metric
	_ = c.Write(&metric)
	return metric.GetCounter().GetValue()
}

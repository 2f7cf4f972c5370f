package metrics

import (
	"strconv"
)

// HTTPMetrics provides methods to record HTTP-related metrics.
type HTTPMetrics struct {
	registry *Registry
}

// HTTP returns the HTTP metrics interface for the registry.
func (r *Registry) HTTP() *HTTPMetrics {
	return &HTTPMetrics{registry: r}
}

// RecordRequest records the metrics for a finished HTTP request.
func (h *HTTPMetrics) RecordRequest(method, path string, statusCode int, duration float64) {
	h.registry.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	h.registry.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// IncActiveRequests increments the active request count.
func (h *HTTPMetrics) IncActiveRequests(method, path string) {
	h.registry.httpActiveRequests.WithLabelValues(method, path).Inc()
}

// DecActiveRequests decrements the active request count.
func (h *HTTPMetrics) DecActiveRequests(method, path string) {
	h.registry.httpActiveRequests.WithLabelValues(method, path).Dec()
}

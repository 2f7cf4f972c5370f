package metrics

import "time"

// AdmissionMetrics records rate limiting outcomes.
type AdmissionMetrics struct {
	registry *Registry
}

// Admission returns the admission metrics interface for the registry.
func (r *Registry) Admission() *AdmissionMetrics {
	return &AdmissionMetrics{registry: r}
}

// RecordDecision counts one decision. An empty preset is recorded as "direct".
func (a *AdmissionMetrics) RecordDecision(preset string, allowed bool) {
	if preset == "" {
		preset = "direct"
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	a.registry.admissionDecisions.WithLabelValues(preset, result).Inc()
}

// RecordBackendError counts a failed backend round trip.
func (a *AdmissionMetrics) RecordBackendError(backend string) {
	a.registry.admissionBackendErrors.WithLabelValues(backend).Inc()
}

// ObserveBackend records the duration of a backend round trip.
func (a *AdmissionMetrics) ObserveBackend(backend string, d time.Duration) {
	a.registry.admissionBackendDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// SetDegraded reports whether the controller is running on its local fallback.
func (a *AdmissionMetrics) SetDegraded(degraded bool) {
	a.registry.admissionDegraded.Set(boolValue(degraded))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

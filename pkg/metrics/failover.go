package metrics

import "time"

// FailoverMetrics records provider selection and health for failover managers.
type FailoverMetrics struct {
	registry *Registry
}

// Failover returns the failover metrics interface for the registry.
func (r *Registry) Failover() *FailoverMetrics {
	return &FailoverMetrics{registry: r}
}

// RecordAttempt records one provider attempt and its duration.
func (f *FailoverMetrics) RecordAttempt(manager, provider string, success bool, duration time.Duration) {
	status := "failure"
	if success {
		status = "success"
	}
	f.registry.failoverRequests.WithLabelValues(manager, provider, status).Inc()
	f.registry.failoverOperationDuration.WithLabelValues(manager, provider).Observe(duration.Seconds())
}

// RecordFailover records a switch of the current provider from one provider to another.
func (f *FailoverMetrics) RecordFailover(manager, from, to string) {
	f.registry.failoverSwitches.WithLabelValues(manager, from, to).Inc()
	f.SetCurrentProvider(manager, from, to)
}

// RecordFailback records a return to the primary provider.
func (f *FailoverMetrics) RecordFailback(manager, from, primary string) {
	f.registry.failoverFailbacks.WithLabelValues(manager).Inc()
	f.SetCurrentProvider(manager, from, primary)
}

// SetCurrentProvider moves the current-provider marker. An empty previous
// provider only sets the new marker.
func (f *FailoverMetrics) SetCurrentProvider(manager, previous, current string) {
	if previous != "" && previous != current {
		f.registry.failoverCurrentProvider.WithLabelValues(manager, previous).Set(0)
	}
	f.registry.failoverCurrentProvider.WithLabelValues(manager, current).Set(1)
}

// SetProviderHealthy publishes a provider's availability.
func (f *FailoverMetrics) SetProviderHealthy(manager, provider string, healthy bool) {
	f.registry.failoverProviderHealthy.WithLabelValues(manager, provider).Set(boolValue(healthy))
}

// Forget removes every series belonging to a manager.
func (f *FailoverMetrics) Forget(manager string) {
	f.registry.failoverRequests.DeletePartialMatch(map[string]string{"manager": manager})
	f.registry.failoverOperationDuration.DeletePartialMatch(map[string]string{"manager": manager})
	f.registry.failoverSwitches.DeletePartialMatch(map[string]string{"manager": manager})
	f.registry.failoverFailbacks.DeletePartialMatch(map[string]string{"manager": manager})
	f.registry.failoverCurrentProvider.DeletePartialMatch(map[string]string{"manager": manager})
	f.registry.failoverProviderHealthy.DeletePartialMatch(map[string]string{"manager": manager})
}

// Package metrics provides Prometheus metrics for the resilience components.
package metrics

// Config holds configuration for the metrics module.
type Config struct {
	// Namespace is the prefix for all metrics (default: "resilience")
	Namespace string `yaml:"namespace" validate:"required"`

	// EnableProcessMetrics enables Go process metrics (CPU, memory, file descriptors)
	EnableProcessMetrics bool `yaml:"enable_process_metrics"`

	// EnableRuntimeMetrics enables Go runtime metrics
	EnableRuntimeMetrics bool `yaml:"enable_runtime_metrics"`

	// HistogramBuckets allows customizing default histogram buckets
	HistogramBuckets HistogramBucketsConfig `yaml:"-"`
}

// HistogramBucketsConfig holds custom bucket configurations for different metric types.
type HistogramBucketsConfig struct {
	// HTTPDuration buckets for HTTP request duration in seconds
	HTTPDuration []float64

	// BackendDuration buckets for rate limit backend round trips in seconds
	BackendDuration []float64

	// DeliveryDuration buckets for a ProcessQueue pass in seconds
	DeliveryDuration []float64

	// OperationDuration buckets for failover-managed operations in seconds
	OperationDuration []float64
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:            "resilience",
		EnableProcessMetrics: true,
		EnableRuntimeMetrics: true,
		HistogramBuckets:     DefaultHistogramBuckets(),
	}
}

// DefaultHistogramBuckets returns the default histogram bucket configurations.
func DefaultHistogramBuckets() HistogramBucketsConfig {
	return HistogramBucketsConfig{
		HTTPDuration:      []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		BackendDuration:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		DeliveryDuration:  []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		OperationDuration: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}
}

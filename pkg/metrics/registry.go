package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry owns a private Prometheus registry and the collectors of every
// resilience component. Components receive a *Registry explicitly; a nil
// registry disables metrics for that component.
type Registry struct {
	config   Config
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpActiveRequests  *prometheus.GaugeVec

	// Admission metrics
	admissionDecisions       *prometheus.CounterVec
	admissionBackendErrors   *prometheus.CounterVec
	admissionDegraded        prometheus.Gauge
	admissionBackendDuration *prometheus.HistogramVec

	// Delivery metrics
	deliveryQueued        prometheus.Counter
	deliveryProcessed     prometheus.Counter
	deliveryFailed        prometheus.Counter
	deliveryDeadLettered  prometheus.Counter
	deliveryArchiveErrors prometheus.Counter
	deliveryPending       prometheus.Gauge
	deliveryDeadLetters   prometheus.Gauge
	deliveryPassDuration  prometheus.Histogram

	// Failover metrics
	failoverRequests          *prometheus.CounterVec
	failoverOperationDuration *prometheus.HistogramVec
	failoverSwitches          *prometheus.CounterVec
	failoverFailbacks         *prometheus.CounterVec
	failoverCurrentProvider   *prometheus.GaugeVec
	failoverProviderHealthy   *prometheus.GaugeVec
}

// NewRegistry creates a new metrics registry with the given configuration.
func NewRegistry(config Config) *Registry {
	if config.Namespace == "" {
		config.Namespace = DefaultConfig().Namespace
	}
	if config.HistogramBuckets.HTTPDuration == nil {
		config.HistogramBuckets = DefaultHistogramBuckets()
	}

	reg := prometheus.NewRegistry()

	r := &Registry{
		config:   config,
		registry: reg,
	}

	r.registerHTTPMetrics()
	r.registerAdmissionMetrics()
	r.registerDeliveryMetrics()
	r.registerFailoverMetrics()

	if config.EnableProcessMetrics {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if config.EnableRuntimeMetrics {
		reg.MustRegister(collectors.NewGoCollector())
	}

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	return r.config
}

func (r *Registry) registerHTTPMetrics() {
	ns := r.config.Namespace

	r.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status_code"},
	)

	r.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   r.config.HistogramBuckets.HTTPDuration,
		},
		[]string{"method", "path"},
	)

	r.httpActiveRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests",
		},
		[]string{"method", "path"},
	)

	r.registry.MustRegister(
		r.httpRequestsTotal,
		r.httpRequestDuration,
		r.httpActiveRequests,
	)
}

func (r *Registry) registerAdmissionMetrics() {
	ns := r.config.Namespace

	r.admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions",
		},
		[]string{"preset", "result"},
	)

	r.admissionBackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "admission",
			Name:      "backend_errors_total",
			Help:      "Total number of distributed backend failures",
		},
		[]string{"backend"},
	)

	r.admissionDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "admission",
			Name:      "degraded",
			Help:      "Whether the controller is using the local fallback (1) or the distributed backend (0)",
		},
	)

	r.admissionBackendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "admission",
			Name:      "backend_duration_seconds",
			Help:      "Rate limit backend round trip duration in seconds",
			Buckets:   r.config.HistogramBuckets.BackendDuration,
		},
		[]string{"backend"},
	)

	r.registry.MustRegister(
		r.admissionDecisions,
		r.admissionBackendErrors,
		r.admissionDegraded,
		r.admissionBackendDuration,
	)
}

func (r *Registry) registerDeliveryMetrics() {
	ns := r.config.Namespace

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "delivery",
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "delivery",
			Name:      name,
			Help:      help,
		})
	}

	r.deliveryQueued = counter("queued_total", "Total number of events accepted into the retry queue")
	r.deliveryProcessed = counter("processed_total", "Total number of successful redeliveries")
	r.deliveryFailed = counter("failed_attempts_total", "Total number of failed redelivery attempts")
	r.deliveryDeadLettered = counter("dead_lettered_total", "Total number of items moved to the dead-letter store")
	r.deliveryArchiveErrors = counter("archive_errors_total", "Total number of dead letters the durable archive failed to store")
	r.deliveryPending = gauge("pending_items", "Number of items waiting in the retry queue")
	r.deliveryDeadLetters = gauge("dead_letter_items", "Number of items held in the dead-letter store")

	r.deliveryPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "delivery",
		Name:      "pass_duration_seconds",
		Help:      "Duration of a queue processing pass in seconds",
		Buckets:   r.config.HistogramBuckets.DeliveryDuration,
	})

	r.registry.MustRegister(
		r.deliveryQueued,
		r.deliveryProcessed,
		r.deliveryFailed,
		r.deliveryDeadLettered,
		r.deliveryArchiveErrors,
		r.deliveryPending,
		r.deliveryDeadLetters,
		r.deliveryPassDuration,
	)
}

func (r *Registry) registerFailoverMetrics() {
	ns := r.config.Namespace

	r.failoverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "failover",
			Name:      "requests_total",
			Help:      "Total number of provider attempts by outcome",
		},
		[]string{"manager", "provider", "status"},
	)

	r.failoverOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "failover",
			Name:      "operation_duration_seconds",
			Help:      "Provider operation duration in seconds",
			Buckets:   r.config.HistogramBuckets.OperationDuration,
		},
		[]string{"manager", "provider"},
	)

	r.failoverSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "failover",
			Name:      "failovers_total",
			Help:      "Total number of switches away from the current provider",
		},
		[]string{"manager", "from", "to"},
	)

	r.failoverFailbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "failover",
			Name:      "failbacks_total",
			Help:      "Total number of returns to the primary provider",
		},
		[]string{"manager"},
	)

	r.failoverCurrentProvider = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "failover",
			Name:      "current_provider",
			Help:      "1 for the provider currently serving the manager, 0 otherwise",
		},
		[]string{"manager", "provider"},
	)

	r.failoverProviderHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "failover",
			Name:      "provider_healthy",
			Help:      "Provider availability as last observed (1=available, 0=unavailable)",
		},
		[]string{"manager", "provider"},
	)

	r.registry.MustRegister(
		r.failoverRequests,
		r.failoverOperationDuration,
		r.failoverSwitches,
		r.failoverFailbacks,
		r.failoverCurrentProvider,
		r.failoverProviderHealthy,
	)
}

// Package api provides the HTTP surface of the resilience server.
package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bargom/resilience/internal/admission"
	"github.com/bargom/resilience/internal/api/handlers"
	"github.com/bargom/resilience/internal/health"
	"github.com/bargom/resilience/pkg/logging"
	"github.com/bargom/resilience/pkg/metrics"
)

// RouterConfig holds the optional collaborators of the router.
type RouterConfig struct {
	// Health mounts /health, /health/live and /health/ready.
	Health *health.Handler

	// Metrics mounts the Prometheus endpoint at MetricsPath and records
	// HTTP metrics for every other route.
	Metrics     *metrics.Registry
	MetricsPath string

	// Admission rate limits /admin with GeneralPreset and /webhooks with
	// WebhookPreset. Nil disables rate limiting.
	Admission     *admission.Controller
	GeneralPreset admission.Preset
	WebhookPreset admission.Preset

	// AdminAuth guards every /admin route. Nil leaves them open.
	AdminAuth func(http.Handler) http.Handler

	// TrustedProxies are the peers whose forwarding headers set the client
	// address. Requests from anywhere else keep their RemoteAddr.
	TrustedProxies []netip.Prefix

	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// ParseTrustedProxies parses CIDR strings.
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// realIP applies chi's RealIP only to requests arriving from a trusted proxy.
func realIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		rewrite := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fromTrustedPeer(r.RemoteAddr, trusted) {
				rewrite.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fromTrustedPeer(remote string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// NewRouter creates a chi router with all routes and middleware configured.
func NewRouter(h *handlers.Handler, cfg RouterConfig) chi.Router {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.GeneralPreset.Name == "" {
		cfg.GeneralPreset = admission.GeneralPreset()
	}
	if cfg.WebhookPreset.Name == "" {
		cfg.WebhookPreset = admission.WebhookPreset()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(realIP(cfg.TrustedProxies))
	r.Use(logging.NewHTTPMiddleware(cfg.Logger).Handler)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.Metrics != nil {
		r.Use(metrics.HTTPMiddlewareWithOptions(cfg.Metrics, metrics.MiddlewareOptions{
			SkipPaths: []string{cfg.MetricsPath},
		}))
		r.Method(http.MethodGet, cfg.MetricsPath, cfg.Metrics.Handler())
	}

	if cfg.Health != nil {
		cfg.Health.Routes(r)
	}

	r.Group(func(r chi.Router) {
		if cfg.Admission != nil {
			r.Use(admission.Middleware(cfg.Admission, cfg.WebhookPreset))
		}
		r.Post("/webhooks/failed", h.FailedWebhook)
	})

	r.Route("/admin", func(r chi.Router) {
		if cfg.Admission != nil {
			r.Use(admission.Middleware(cfg.Admission, cfg.GeneralPreset))
		}
		if cfg.AdminAuth != nil {
			r.Use(cfg.AdminAuth)
		}

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", h.QueueStats)
			r.Get("/dead-letters", h.ListDeadLetters)
			r.Delete("/dead-letters", h.ClearDeadLetters)
			r.Post("/process", h.ProcessQueue)
		})

		r.Route("/failover", func(r chi.Router) {
			r.Get("/", h.ListFailover)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetFailover)
				r.Post("/check", h.CheckFailover)
			})
		})
	})

	return r
}

package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler serves the health endpoints.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new health check handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// HealthHandler handles GET /health with every check's details.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.registry.Health(r.Context()))
}

// LivenessHandler handles GET /health/live.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.registry.Liveness(r.Context()))
}

// ReadinessHandler handles GET /health/ready. It returns 503 when a
// critical check is unhealthy.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.registry.Readiness(r.Context()))
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Routes mounts the endpoints under /health.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthHandler)
		r.Get("/live", h.LivenessHandler)
		r.Get("/ready", h.ReadinessHandler)
	})
}

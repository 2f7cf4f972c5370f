package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bargom/resilience/internal/api/types"
	"github.com/bargom/resilience/internal/failover"
)

// ListFailover handles GET /admin/failover.
func (h *Handler) ListFailover(w http.ResponseWriter, r *http.Request) {
	resp := types.FailoverListResponse{Managers: []types.FailoverSummary{}}
	for _, name := range h.failover.Names() {
		m, ok := h.failover.Get(name)
		if !ok {
			continue
		}
		current, primary := m.Current(), m.Config().PrimaryProvider
		resp.Managers = append(resp.Managers, types.FailoverSummary{
			Name:            name,
			CurrentProvider: current,
			PrimaryProvider: primary,
			OnPrimary:       current == primary,
		})
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) manager(w http.ResponseWriter, r *http.Request) (*failover.Manager, bool) {
	name := chi.URLParam(r, "name")
	m, ok := h.failover.Get(name)
	if !ok {
		h.respondError(w, http.StatusNotFound, "failover manager not found")
	}
	return m, ok
}

// GetFailover handles GET /admin/failover/{name}.
func (h *Handler) GetFailover(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, types.FailoverDetailResponse{
		Name:      m.Name(),
		Current:   m.Current(),
		Config:    m.Config(),
		Providers: m.Providers(),
		Metrics:   m.Metrics(),
	})
}

// CheckFailover handles POST /admin/failover/{name}/check. It probes every
// provider now and applies the result.
func (h *Handler) CheckFailover(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	results := m.CheckAllProviders(r.Context())
	h.respondJSON(w, http.StatusOK, types.HealthCheckResponse{
		Name:    m.Name(),
		Current: m.Current(),
		Results: results,
	})
}

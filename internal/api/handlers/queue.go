package handlers

import (
	"errors"
	"net/http"

	"github.com/bargom/resilience/internal/api/types"
	"github.com/bargom/resilience/internal/delivery"
)

// FailedWebhook handles POST /webhooks/failed. The event is queued for
// redelivery; 202 on accept, 422 when the event fails validation.
func (h *Handler) FailedWebhook(w http.ResponseWriter, r *http.Request) {
	var req types.FailedWebhookRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.queue.Validate(req.Event); err != nil {
		h.respondValidationError(w, err)
		return
	}

	var cause error
	if req.Error != "" {
		cause = errors.New(req.Error)
	}
	if !h.queue.AddToQueue(req.Event, cause) {
		h.respondError(w, http.StatusUnprocessableEntity, "event could not be queued")
		return
	}

	h.respondJSON(w, http.StatusAccepted, types.AcceptedResponse{
		Queued:  true,
		EventID: req.Event.ID,
		Pending: h.queue.Length(),
	})
}

// QueueStats handles GET /admin/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	resp := types.QueueStatsResponse{
		Pending:     h.queue.Length(),
		DeadLetters: h.queue.DeadLetterCount(),
		Statistics:  h.queue.Statistics(),
	}
	if h.archive != nil {
		n, err := h.archive.Count(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "counting archived dead letters", "error", err)
		} else {
			resp.Archived = &n
		}
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ListDeadLetters handles GET /admin/queue/dead-letters. With
// ?source=archive it pages through the durable archive.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := getPaginationParams(r)

	if r.URL.Query().Get("source") == "archive" {
		if h.archive == nil {
			h.respondError(w, http.StatusNotFound, "no dead-letter archive configured")
			return
		}
		items, err := h.archive.List(r.Context(), limit, offset)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "listing archived dead letters", "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to list dead letters")
			return
		}
		total, err := h.archive.Count(r.Context())
		if err != nil {
			h.logger.ErrorContext(r.Context(), "counting archived dead letters", "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to list dead letters")
			return
		}
		h.respondJSON(w, http.StatusOK, types.DeadLettersResponse{
			Source: "archive", Items: nonNil(items), Total: total, Limit: limit, Offset: offset,
		})
		return
	}

	all := h.queue.DeadLetterItems()
	start := min(offset, len(all))
	end := min(start+limit, len(all))
	h.respondJSON(w, http.StatusOK, types.DeadLettersResponse{
		Source: "memory", Items: nonNil(all[start:end]), Total: len(all), Limit: limit, Offset: offset,
	})
}

func nonNil(items []delivery.DeadLetterItem) []delivery.DeadLetterItem {
	if items == nil {
		return []delivery.DeadLetterItem{}
	}
	return items
}

// ClearDeadLetters handles DELETE /admin/queue/dead-letters.
func (h *Handler) ClearDeadLetters(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, types.ClearResponse{Cleared: h.queue.ClearDeadLetters()})
}

// ProcessQueue handles POST /admin/queue/process. With ?async=true and a
// trigger configured, the pass is enqueued and 202 returned.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") == "true" && h.trigger != nil {
		id, err := h.trigger.TriggerProcess(r.Context())
		if err != nil {
			h.logger.ErrorContext(r.Context(), "enqueueing queue pass", "error", err)
			h.respondError(w, http.StatusServiceUnavailable, "failed to schedule queue pass")
			return
		}
		h.respondJSON(w, http.StatusAccepted, types.ProcessResponse{Pending: h.queue.Length(), TaskID: id})
		return
	}

	delivered := h.queue.ProcessQueue(r.Context())
	h.respondJSON(w, http.StatusOK, types.ProcessResponse{Delivered: delivered, Pending: h.queue.Length()})
}

// Package handlers contains HTTP request handlers for the API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/bargom/resilience/internal/api/types"
	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/failover"
	"github.com/bargom/resilience/pkg/logging"
)

// ArchiveReader reads the durable dead-letter archive.
type ArchiveReader interface {
	List(ctx context.Context, limit, offset int) ([]delivery.DeadLetterItem, error)
	Count(ctx context.Context) (int, error)
}

// ProcessTrigger hands a queue pass to a background worker.
type ProcessTrigger interface {
	TriggerProcess(ctx context.Context) (string, error)
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	queue    *delivery.Queue
	archive  ArchiveReader
	failover *failover.Registry
	trigger  ProcessTrigger
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithArchive lets dead-letter listing read the archive.
func WithArchive(a ArchiveReader) Option {
	return func(h *Handler) { h.archive = a }
}

// WithProcessTrigger lets POST /admin/queue/process?async=true enqueue the pass.
func WithProcessTrigger(t ProcessTrigger) Option {
	return func(h *Handler) { h.trigger = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logging.ComponentLogger(logger, "api") }
}

// NewHandler creates a Handler.
func NewHandler(queue *delivery.Queue, registry *failover.Registry, opts ...Option) *Handler {
	h := &Handler{
		queue:    queue,
		failover: registry,
		logger:   logging.ComponentLogger(nil, "api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message string) {
	h.respondJSON(w, code, types.ErrorResponse{Error: message})
}

// respondValidationError writes 422 with one entry per failing field.
func (h *Handler) respondValidationError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		details := make(map[string]string, len(validationErrs))
		for _, e := range validationErrs {
			details[e.Field()] = formatValidationError(e)
		}
		h.respondJSON(w, http.StatusUnprocessableEntity, types.ErrorResponse{
			Error:   "validation failed",
			Details: details,
		})
		return
	}
	h.respondError(w, http.StatusUnprocessableEntity, "invalid event")
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "notblank":
		return "must not be blank"
	case "event_type":
		return "is not a supported event type"
	default:
		return "is invalid"
	}
}

func (h *Handler) decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func getPaginationParams(r *http.Request) (limit, offset int) {
	limit = types.DefaultLimit

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, types.DefaultMaxLimit)
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

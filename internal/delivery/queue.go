package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bargom/resilience/pkg/logging"
	"github.com/bargom/resilience/pkg/metrics"
)

// Queue holds retry items in memory and moves them through
// pending, retry and dead-letter states on each ProcessQueue pass.
// Nothing inside the queue runs on a timer.
type Queue struct {
	config   Config
	deliver  DeliverFunc
	validate *validator.Validate
	archive  Archive
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.DeliveryMetrics
	now      func() time.Time

	// passMu serialises ProcessQueue; mu guards the fields below and is
	// never held during delivery.
	passMu      sync.Mutex
	mu          sync.Mutex
	items       []*queued
	deadLetters []DeadLetterItem
	stats       Statistics
}

type queued struct {
	item     RetryItem
	inFlight bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logging.ComponentLogger(logger, "delivery")
	}
}

// WithMetrics records queue activity on the given registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(q *Queue) {
		if reg != nil {
			q.metrics = reg.Delivery()
		}
	}
}

// WithArchive also writes every dead letter to a durable archive.
func WithArchive(a Archive) Option {
	return func(q *Queue) {
		q.archive = a
	}
}

// WithDispatchLimit bounds deliveries per second within a pass. Items over
// the budget stay pending for the next pass.
func WithDispatchLimit(limit rate.Limit, burst int) Option {
	return func(q *Queue) {
		q.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates a queue that delivers items with deliver.
func NewQueue(cfg Config, deliver DeliverFunc, opts ...Option) (*Queue, error) {
	if deliver == nil {
		return nil, ErrNoDeliverFunc
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = append([]string(nil), DefaultEventTypes...)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid delivery config: %w", err)
	}

	q := &Queue{
		config:   cfg,
		deliver:  deliver,
		validate: newValidator(cfg.EventTypes),
		logger:   logging.ComponentLogger(nil, "delivery"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Validate checks an event without queueing it.
func (q *Queue) Validate(event Event) error {
	if err := q.validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}

// AddToQueue queues a failed event for redelivery. It returns false, and
// leaves the queue untouched, when the event is invalid.
func (q *Queue) AddToQueue(event Event, cause error) bool {
	if err := q.Validate(event); err != nil {
		q.logger.Warn("rejecting invalid event", "event_id", event.ID, "event_type", event.Event, "error", err)
		return false
	}

	payload, err := json.Marshal(event.Data)
	if err != nil {
		q.logger.Warn("rejecting event with unencodable data", "event_id", event.ID, "error", err)
		return false
	}

	now := q.now()
	item := RetryItem{
		ID:            uuid.NewString(),
		WebhookID:     event.ID,
		EventType:     event.Event,
		Payload:       payload,
		Attempts:      1,
		FirstQueuedAt: now,
		NextRetryAt:   now,
	}
	if cause != nil {
		item.LastError = cause.Error()
	}

	q.mu.Lock()
	q.items = append(q.items, &queued{item: item})
	q.stats.TotalQueued++
	pending, dead := len(q.items), len(q.deadLetters)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordQueued()
		q.metrics.SetSizes(pending, dead)
	}
	q.logger.Info("event queued for retry",
		"item_id", item.ID,
		"webhook_id", item.WebhookID,
		"event_type", item.EventType,
	)
	return true
}

// ProcessQueue attempts every due item once and returns how many were
// delivered. Delivery errors and panics are recorded on the item.
func (q *Queue) ProcessQueue(ctx context.Context) int {
	q.passMu.Lock()
	defer q.passMu.Unlock()

	start := time.Now()
	due := q.claimDue(q.now())

	delivered := 0
	for i, item := range due {
		if ctx.Err() != nil || (q.limiter != nil && !q.limiter.Allow()) {
			q.release(due[i:])
			break
		}

		err := q.attempt(ctx, item)
		if err == nil {
			q.complete(item.ID)
			delivered++
			continue
		}
		q.fail(ctx, item.ID, err)
	}

	if q.metrics != nil {
		q.metrics.ObservePass(time.Since(start))
		q.metrics.SetSizes(q.sizes())
	}
	if len(due) > 0 {
		q.logger.Debug("queue pass finished", "due", len(due), "delivered", delivered)
	}
	return delivered
}

func (q *Queue) claimDue(now time.Time) []RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []RetryItem
	for _, e := range q.items {
		if e.inFlight || e.item.NextRetryAt.After(now) {
			continue
		}
		e.inFlight = true
		due = append(due, e.item)
	}
	return due
}

func (q *Queue) release(items []RetryItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range items {
		if e := q.find(item.ID); e != nil {
			e.inFlight = false
		}
	}
}

func (q *Queue) attempt(ctx context.Context, item RetryItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return q.deliver(ctx, item)
}

func (q *Queue) complete(id string) {
	q.mu.Lock()
	q.remove(id)
	q.stats.TotalProcessed++
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordProcessed()
	}
}

func (q *Queue) fail(ctx context.Context, id string, cause error) {
	now := q.now()

	q.mu.Lock()
	e := q.find(id)
	if e == nil {
		q.mu.Unlock()
		return
	}
	e.item.Attempts++
	e.item.LastError = cause.Error()
	q.stats.TotalFailedAttempts++

	if e.item.Attempts < q.config.MaxAttempts {
		e.item.NextRetryAt = now.Add(Backoff(e.item.Attempts, q.config.BaseDelay, q.config.MaxDelay))
		e.inFlight = false
		item := e.item
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.RecordFailedAttempt()
		}
		q.logger.Warn("delivery failed, scheduled retry",
			"item_id", item.ID,
			"webhook_id", item.WebhookID,
			"attempts", item.Attempts,
			"next_retry_at", item.NextRetryAt,
			"error", cause,
		)
		return
	}

	dead := DeadLetterItem{
		WebhookID:      e.item.WebhookID,
		EventType:      e.item.EventType,
		Payload:        e.item.Payload,
		Attempts:       e.item.Attempts,
		FirstQueuedAt:  e.item.FirstQueuedAt,
		DeadLetteredAt: now,
		LastError:      e.item.LastError,
	}
	q.remove(id)
	q.deadLetters = append(q.deadLetters, dead)
	q.stats.TotalDeadLettered++
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordFailedAttempt()
		q.metrics.RecordDeadLettered()
	}
	q.logger.Error("delivery attempts exhausted, moved to dead letters",
		"webhook_id", dead.WebhookID,
		"event_type", dead.EventType,
		"attempts", dead.Attempts,
		"error", cause,
	)

	if q.archive != nil {
		if err := q.archive.Save(ctx, dead); err != nil {
			if q.metrics != nil {
				q.metrics.RecordArchiveError()
			}
			q.logger.Error("failed to archive dead letter", "webhook_id", dead.WebhookID, "error", err)
		}
	}
}

// find must be called with mu held.
func (q *Queue) find(id string) *queued {
	for _, e := range q.items {
		if e.item.ID == id {
			return e
		}
	}
	return nil
}

// remove must be called with mu held.
func (q *Queue) remove(id string) {
	for i, e := range q.items {
		if e.item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) sizes() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), len(q.deadLetters)
}

// Length returns the number of items still waiting for delivery.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetterCount returns the number of items in the dead-letter store.
func (q *Queue) DeadLetterCount() int {
	_, dead := q.sizes()
	return dead
}

// PendingItems returns a copy of the items waiting for delivery.
func (q *Queue) PendingItems() []RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RetryItem, len(q.items))
	for i, e := range q.items {
		out[i] = e.item
	}
	return out
}

// DeadLetterItems returns a copy of the dead-letter store.
func (q *Queue) DeadLetterItems() []DeadLetterItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetterItem(nil), q.deadLetters...)
}

// Statistics returns the queue counters.
func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// ClearDeadLetters empties the in-memory dead-letter store and returns how
// many items were removed. Archived copies are not touched.
func (q *Queue) ClearDeadLetters() int {
	q.mu.Lock()
	n := len(q.deadLetters)
	q.deadLetters = nil
	pending := len(q.items)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetSizes(pending, 0)
	}
	if n > 0 {
		q.logger.Info("dead letters cleared", "count", n)
	}
	return n
}

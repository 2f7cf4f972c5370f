// Package delivery provides an at-least-once retry queue with exponential
// backoff and a dead-letter store for events whose delivery failed.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidEvent is returned when an event fails validation.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrNoDeliverFunc is returned by NewQueue without a delivery function.
	ErrNoDeliverFunc = errors.New("delivery function is required")
)

// Event is the shape accepted from webhook ingestion.
type Event struct {
	ID        string `json:"id" validate:"required,notblank"`
	Event     string `json:"event" validate:"required,event_type"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// RetryItem is a pending redelivery.
type RetryItem struct {
	ID            string          `json:"id"`
	WebhookID     string          `json:"webhook_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	FirstQueuedAt time.Time       `json:"first_queued_at"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// DeadLetterItem is an item that exhausted its attempts. It is never
// modified after creation.
type DeadLetterItem struct {
	WebhookID      string          `json:"webhook_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	FirstQueuedAt  time.Time       `json:"first_queued_at"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
	LastError      string          `json:"last_error,omitempty"`
}

// Statistics are monotonic counters for the lifetime of a Queue.
type Statistics struct {
	TotalQueued         int64 `json:"total_queued"`
	TotalProcessed      int64 `json:"total_processed"`
	TotalDeadLettered   int64 `json:"total_dead_lettered"`
	TotalFailedAttempts int64 `json:"total_failed_attempts"`
}

// DeliverFunc performs one delivery attempt.
type DeliverFunc func(ctx context.Context, item RetryItem) error

// Archive durably stores dead letters.
type Archive interface {
	Save(ctx context.Context, item DeadLetterItem) error
}

// DefaultEventTypes are the event types accepted when none are configured.
var DefaultEventTypes = []string{
	"user.created",
	"user.updated",
	"user.deleted",
	"session.created",
	"session.ended",
	"session.removed",
	"session.revoked",
	"email.created",
	"organization.created",
	"organization.updated",
	"organization.deleted",
	"organizationMembership.created",
	"organizationMembership.updated",
	"organizationMembership.deleted",
}

// Config holds queue policy.
type Config struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	EventTypes  []string      `yaml:"event_types" validate:"dive,required"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		EventTypes:  append([]string(nil), DefaultEventTypes...),
	}
}

// Backoff returns base * 2^(attempts-1), capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Package types defines API request and response types.
package types

import (
	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/failover"
)

// Pagination bounds for list endpoints.
const (
	DefaultLimit    = 20
	DefaultMaxLimit = 100
)

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// FailedWebhookRequest reports an event whose processing failed.
type FailedWebhookRequest struct {
	Event delivery.Event `json:"event"`
	Error string         `json:"error"`
}

// AcceptedResponse acknowledges a queued event.
type AcceptedResponse struct {
	Queued  bool   `json:"queued"`
	EventID string `json:"event_id"`
	Pending int    `json:"pending"`
}

// QueueStatsResponse describes the delivery queue.
type QueueStatsResponse struct {
	Pending     int                 `json:"pending"`
	DeadLetters int                 `json:"dead_letters"`
	Archived    *int                `json:"archived,omitempty"`
	Statistics  delivery.Statistics `json:"statistics"`
}

// DeadLettersResponse is one page of dead letters.
type DeadLettersResponse struct {
	Source string                    `json:"source"`
	Items  []delivery.DeadLetterItem `json:"items"`
	Total  int                       `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

// ClearResponse reports how many dead letters were removed from memory.
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// ProcessResponse reports a queue pass. TaskID is set when the pass was
// handed to the scheduler instead of run inline.
type ProcessResponse struct {
	Delivered int    `json:"delivered"`
	Pending   int    `json:"pending"`
	TaskID    string `json:"task_id,omitempty"`
}

// FailoverSummary is one manager in the list response.
type FailoverSummary struct {
	Name            string `json:"name"`
	CurrentProvider string `json:"current_provider"`
	PrimaryProvider string `json:"primary_provider"`
	OnPrimary       bool   `json:"on_primary"`
}

// FailoverListResponse lists managers.
type FailoverListResponse struct {
	Managers []FailoverSummary `json:"managers"`
}

// FailoverDetailResponse describes one manager.
type FailoverDetailResponse struct {
	Name      string                  `json:"name"`
	Current   string                  `json:"current_provider"`
	Config    failover.Config         `json:"config"`
	Providers []failover.Provider     `json:"providers"`
	Metrics   failover.ManagerMetrics `json:"metrics"`
}

// HealthCheckResponse holds the results of an on-demand provider check.
type HealthCheckResponse struct {
	Name    string                  `json:"name"`
	Current string                  `json:"current_provider"`
	Results []failover.HealthResult `json:"results"`
}

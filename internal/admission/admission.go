// Package admission implements sliding-window rate limiting with a
// distributed Redis backend and an in-process fallback.
package admission

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidConfig is reported when a window or limit is out of range.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrBackendUnavailable wraps failures of a distributed backend round trip.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
)

// Decision is the outcome of a Check.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	// RetryAfterSeconds is set on denials; zero means no hint.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// Result is what a Backend reports for one admission attempt.
type Result struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// Backend records admissions for keys. Admit must prune, count and
// conditionally record atomically per key.
type Backend interface {
	Name() string
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, maxRequests int) (Result, error)
}

// Policy selects what the controller does when the distributed backend fails.
type Policy int

const (
	// FailOpen admits the request and degrades to the local fallback.
	FailOpen Policy = iota
	// FailClosed denies the request.
	FailClosed
)

func (p Policy) String() string {
	switch p {
	case FailOpen:
		return "fail_open"
	case FailClosed:
		return "fail_closed"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail_open", "open":
		return FailOpen, nil
	case "fail_closed", "closed":
		return FailClosed, nil
	default:
		return FailOpen, errors.New("unknown backend error policy: " + s)
	}
}

// retryAfterSeconds returns ceil((earliest+window-now)/1s), at least 1.
func retryAfterSeconds(earliestMs, windowMs, nowMs int64) int {
	wait := earliestMs + windowMs - nowMs
	secs := int((wait + 999) / 1000)
	if secs < 1 {
		return 1
	}
	return secs
}

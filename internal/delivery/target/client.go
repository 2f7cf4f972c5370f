// Package target delivers queued events to downstream HTTP endpoints. The
// endpoints are the providers of a failover manager, so a failing target
// is skipped in favour of the next healthy one.
package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/failover"
)

// ManagerName is the failover manager the server builds from delivery targets.
const ManagerName = "delivery"

// Config holds client settings.
type Config struct {
	Timeout   time.Duration
	Secret    string
	UserAgent string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		UserAgent: "resilience-redelivery/1.0",
	}
}

// StatusError is returned when a target answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("target %s returned %d", e.URL, e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Client posts events to target URLs.
type Client struct {
	httpClient *http.Client
	config     Config
	now        func() time.Time
}

// NewClient creates a client. A zero Timeout or UserAgent takes the default.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		now:        time.Now,
	}
}

// Body is the JSON posted to a target.
type Body struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Attempt int             `json:"attempt"`
}

// Post sends item to url. Any transport error or non-2xx answer is an error.
func (c *Client) Post(ctx context.Context, url string, item delivery.RetryItem) error {
	data := item.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	payload, err := json.Marshal(Body{
		ID:      item.WebhookID,
		Event:   item.EventType,
		Data:    data,
		Attempt: item.Attempts,
	})
	if err != nil {
		return fmt.Errorf("encoding body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Idempotency-Key", item.WebhookID)
	req.Header.Set("X-Webhook-Event", item.EventType)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(item.Attempts))
	if c.config.Secret != "" {
		addSignatureHeaders(req.Header, c.config.Secret, c.now().Unix(), payload)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// Probe checks that url answers. Any status below 500 is healthy, since
// targets commonly reject HEAD.
func (c *Client) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

// HealthCheck adapts Probe to a failover health check.
func (c *Client) HealthCheck() failover.HealthCheckFunc {
	return failover.FromProbe(c.Probe)
}

// Deliverer returns a delivery function that posts each item through m,
// so the target in use follows m's current provider.
func Deliverer(m *failover.Manager, c *Client) delivery.DeliverFunc {
	return func(ctx context.Context, item delivery.RetryItem) error {
		_, err := m.Execute(ctx, func(ctx context.Context, url string) (any, error) {
			return nil, c.Post(ctx, url, item)
		}, failover.ExecuteOptions{})
		return err
	}
}

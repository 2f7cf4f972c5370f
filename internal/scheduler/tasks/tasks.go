// Package tasks defines the asynq task types run by the scheduler.
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task type constants.
const (
	TypeProcessQueue   = "resilience:delivery:process"
	TypeCheckProviders = "resilience:failover:check"
)

// CheckProvidersPayload names the failover manager to probe. An empty
// Manager probes every registered manager.
type CheckProvidersPayload struct {
	Manager string `json:"manager,omitempty"`
}

// NewProcessQueueTask returns a task that runs one delivery queue pass.
func NewProcessQueueTask() *asynq.Task {
	return asynq.NewTask(TypeProcessQueue, nil)
}

// NewCheckProvidersTask returns a task that runs failover health checks.
func NewCheckProvidersTask(manager string) (*asynq.Task, error) {
	payload, err := json.Marshal(CheckProvidersPayload{Manager: manager})
	if err != nil {
		return nil, fmt.Errorf("marshal check providers payload: %w", err)
	}
	return asynq.NewTask(TypeCheckProviders, payload), nil
}

// ParseCheckProviders decodes a TypeCheckProviders payload.
func ParseCheckProviders(t *asynq.Task) (CheckProvidersPayload, error) {
	var p CheckProvidersPayload
	if len(t.Payload()) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("unmarshal check providers payload: %w", err)
	}
	return p, nil
}

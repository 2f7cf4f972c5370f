// Package scheduler triggers delivery queue passes and failover health
// checks on a schedule, through asynq when Redis is available and an
// in-process interval otherwise.
package scheduler

import (
	"fmt"
	"time"
)

// Config holds the scheduler configuration.
type Config struct {
	// Enabled selects asynq. When false the in-process Interval runner is used.
	Enabled bool `yaml:"enabled"`

	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Enabled true"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`

	Queue           string        `yaml:"queue" validate:"required"`
	// InstanceID suffixes Queue so every process drains only the tasks for
	// its own in-memory delivery queue. Empty means a random ID per process.
	InstanceID      string        `yaml:"instance_id"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=1"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// ProcessInterval is how often the delivery queue is processed.
	ProcessInterval time.Duration `yaml:"process_interval" validate:"gte=1s"`
	// TaskTimeout bounds one queue pass.
	TaskTimeout     time.Duration `yaml:"task_timeout" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RedisAddr:       "localhost:6379",
		Queue:           "resilience",
		Concurrency:     2,
		ShutdownTimeout: 10 * time.Second,
		ProcessInterval: 30 * time.Second,
		TaskTimeout:     5 * time.Minute,
	}
}

// QueueName returns the asynq queue owned by this instance.
func (c Config) QueueName() string {
	if c.InstanceID == "" {
		return c.Queue
	}
	return c.Queue + ":" + c.InstanceID
}

// CronSpec returns the asynq schedule for queue passes.
func (c Config) CronSpec() string {
	return fmt.Sprintf("@every %s", c.ProcessInterval)
}

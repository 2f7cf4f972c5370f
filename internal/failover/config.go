// Package failover keeps operations pointed at a healthy provider among a
// primary and ordered fallbacks, with health-check driven failover and
// failback.
package failover

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrOperationTimeout is returned when an operation exceeds ExecuteOptions.Timeout.
	ErrOperationTimeout = errors.New("Operation timeout")

	// ErrUnknownProvider is returned when ForceProvider names no configured provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrManagerDestroyed is returned by Execute after Destroy.
	ErrManagerDestroyed = errors.New("failover manager destroyed")

	// ErrNoProviders is returned when a config has no primary provider.
	ErrNoProviders = errors.New("no providers configured")

	// ErrInvalidConfig wraps config validation failures.
	ErrInvalidConfig = errors.New("invalid failover config")

	// ErrManagerExists is returned when registering a name twice.
	ErrManagerExists = errors.New("failover manager already registered")
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultFailbackThreshold   = 3
)

// Config describes one provider set.
type Config struct {
	Name                string        `yaml:"name" json:"name" validate:"required"`
	PrimaryProvider     string        `yaml:"primary_provider" json:"primary_provider" validate:"required"`
	FallbackProviders   []string      `yaml:"fallback_providers" json:"fallback_providers" validate:"dive,required"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" validate:"gte=0"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries" validate:"gte=1"`
	RetryDelay          time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"gte=0"`
	FailbackThreshold   int           `yaml:"failback_threshold" json:"failback_threshold" validate:"gte=1"`
}

// WithDefaults fills zero-valued fields with package defaults.
func (c Config) WithDefaults() Config {
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.FailbackThreshold == 0 {
		c.FailbackThreshold = DefaultFailbackThreshold
	}
	return c
}

// Providers returns the primary followed by the fallbacks in configured order.
func (c Config) Providers() []string {
	return append([]string{c.PrimaryProvider}, c.FallbackProviders...)
}

var configValidator = validator.New()

// Validate checks field ranges and that provider names are unique.
func (c Config) Validate() error {
	if c.PrimaryProvider == "" {
		return ErrNoProviders
	}
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(c.FallbackProviders)+1)
	for _, name := range c.Providers() {
		if seen[name] {
			return fmt.Errorf("%w: provider %q listed more than once", ErrInvalidConfig, name)
		}
		seen[name] = true
	}
	return nil
}

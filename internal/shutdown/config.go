package shutdown

import "time"

// Config holds configuration for the shutdown manager.
type Config struct {
	// OverallTimeout bounds the whole shutdown.
	OverallTimeout time.Duration `yaml:"overall_timeout" validate:"gte=0"`

	// PerHookTimeout bounds a single hook.
	PerHookTimeout time.Duration `yaml:"per_hook_timeout" validate:"gte=0"`

	// SlowHookThreshold is the duration after which a hook is logged as slow.
	SlowHookThreshold time.Duration `yaml:"slow_hook_threshold" validate:"gte=0"`
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		OverallTimeout:    30 * time.Second,
		PerHookTimeout:    10 * time.Second,
		SlowHookThreshold: 5 * time.Second,
	}
}

// withDefaults replaces non-positive values with the defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = d.OverallTimeout
	}
	if c.PerHookTimeout <= 0 {
		c.PerHookTimeout = d.PerHookTimeout
	}
	if c.SlowHookThreshold <= 0 {
		c.SlowHookThreshold = d.SlowHookThreshold
	}
	return c
}

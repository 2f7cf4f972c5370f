package failover

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigs returns preset provider sets for common dependencies.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		"database": {
			Name:                "database",
			PrimaryProvider:     "postgres-primary",
			FallbackProviders:   []string{"postgres-replica"},
			HealthCheckInterval: 30 * time.Second,
			MaxRetries:          3,
			RetryDelay:          time.Second,
			FailbackThreshold:   3,
		},
		"cache": {
			Name:                "cache",
			PrimaryProvider:     "redis-primary",
			FallbackProviders:   []string{"redis-replica", "memory"},
			HealthCheckInterval: 10 * time.Second,
			MaxRetries:          2,
			RetryDelay:          0,
			FailbackThreshold:   5,
		},
		"external-api": {
			Name:                "external-api",
			PrimaryProvider:     "primary-api",
			FallbackProviders:   []string{"secondary-api"},
			HealthCheckInterval: time.Minute,
			MaxRetries:          3,
			RetryDelay:          2 * time.Second,
			FailbackThreshold:   3,
		},
	}
}

type configFile struct {
	Managers map[string]Config `yaml:"managers"`
}

// LoadConfigs reads manager configs from YAML of the form
//
//	managers:
//	  database:
//	    primary_provider: postgres-primary
//	    fallback_providers: [postgres-replica]
//	    health_check_interval: 30s
//
// Each entry is defaulted and validated; its name defaults to its key.
func LoadConfigs(r io.Reader) (map[string]Config, error) {
	var file configFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding failover configs: %w", err)
	}

	out := make(map[string]Config, len(file.Managers))
	for key, cfg := range file.Managers {
		if cfg.Name == "" {
			cfg.Name = key
		}
		cfg = cfg.WithDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("failover config %s: %w", key, err)
		}
		out[key] = cfg
	}
	return out, nil
}

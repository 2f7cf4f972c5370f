// Package config loads the resilience server configuration from defaults,
// an optional YAML file and RESILIENCE_* environment variables, in that
// order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bargom/resilience/internal/admission"
	"github.com/bargom/resilience/internal/auth"
	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/delivery/sqlstore"
	"github.com/bargom/resilience/internal/failover"
	"github.com/bargom/resilience/internal/scheduler"
	"github.com/bargom/resilience/internal/shutdown"
	"github.com/bargom/resilience/pkg/logging"
	"github.com/bargom/resilience/pkg/metrics"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RESILIENCE_"

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Admin     AdminConfig      `yaml:"admin"`
	Redis     RedisConfig      `yaml:"redis"`
	Admission AdmissionConfig  `yaml:"admission"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	Failover  FailoverConfig   `yaml:"failover"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Logging   logging.Config   `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Shutdown  shutdown.Config  `yaml:"shutdown"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" validate:"gte=0"`

	// TrustedProxies lists the CIDRs whose X-Forwarded-For and X-Real-IP
	// headers replace the client address. Empty trusts no proxy.
	TrustedProxies []string `yaml:"trusted_proxies" validate:"dive,cidr"`
}

// AdminConfig protects the /admin endpoints with bearer tokens. Without a
// verification key every admin request is rejected unless
// AllowUnauthenticated is set.
type AdminConfig struct {
	Auth                 auth.Config `yaml:"auth"`
	AllowUnauthenticated bool        `yaml:"allow_unauthenticated"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig enables the shared admission backend.
type RedisConfig struct {
	Enabled               bool `yaml:"enabled"`
	admission.RedisConfig `yaml:",inline"`
}

// LimitConfig overrides one preset's limit.
type LimitConfig struct {
	Window      time.Duration `yaml:"window" validate:"gt=0"`
	MaxRequests int           `yaml:"max_requests" validate:"gte=0"`
}

// AdmissionConfig configures the rate limiter.
type AdmissionConfig struct {
	// Policy is fail_open or fail_closed.
	Policy           string                 `yaml:"policy" validate:"omitempty,oneof=fail_open open fail_closed closed"`
	RecoveryInterval time.Duration          `yaml:"recovery_interval" validate:"gte=0"`
	SweepInterval    time.Duration          `yaml:"sweep_interval" validate:"gte=0"`
	Limits           map[string]LimitConfig `yaml:"limits" validate:"dive"`
}

// Preset applies the configured limit for p.Name, if any.
func (a AdmissionConfig) Preset(p admission.Preset) admission.Preset {
	if l, ok := a.Limits[p.Name]; ok {
		return p.WithLimit(l.Window, l.MaxRequests)
	}
	return p
}

// DeliveryConfig configures the retry queue and where it delivers to.
type DeliveryConfig struct {
	delivery.Config `yaml:",inline"`

	// Targets receive redelivered events, primary first. They form the
	// "delivery" failover manager.
	Targets        []string      `yaml:"targets" validate:"dive,url"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// Secret signs outbound bodies with HMAC-SHA256 when set.
	Secret string `yaml:"secret"`

	// DispatchRate caps deliveries per second within a pass; zero disables it.
	DispatchRate  float64 `yaml:"dispatch_rate" validate:"gte=0"`
	DispatchBurst int     `yaml:"dispatch_burst" validate:"gte=0"`

	// DeadLetterAlert marks the queue degraded at this many dead letters.
	DeadLetterAlert int `yaml:"dead_letter_alert" validate:"gte=0"`

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig enables the durable dead-letter archive.
type ArchiveConfig struct {
	Enabled         bool `yaml:"enabled"`
	sqlstore.Config `yaml:",inline"`
}

// FailoverConfig lists provider sets.
type FailoverConfig struct {
	HealthCheckTimeout time.Duration             `yaml:"health_check_timeout" validate:"gte=0"`
	Managers           map[string]failover.Config `yaml:"managers" validate:"-"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path" validate:"omitempty,startswith=/"`
	metrics.Config `yaml:",inline"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			RedisConfig: admission.RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: admission.DefaultKeyPrefix,
			},
		},
		Admission: AdmissionConfig{
			Policy:           "fail_open",
			RecoveryInterval: admission.DefaultRecoveryInterval,
			SweepInterval:    time.Minute,
		},
		Delivery: DeliveryConfig{
			Config:          delivery.DefaultConfig(),
			RequestTimeout:  10 * time.Second,
			DeadLetterAlert: 100,
			Archive: ArchiveConfig{
				Config: sqlstore.DefaultConfig(),
			},
		},
		Failover: FailoverConfig{
			HealthCheckTimeout: 5 * time.Second,
		},
		Scheduler: scheduler.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Config:  metrics.DefaultConfig(),
		},
		Shutdown: shutdown.DefaultConfig(),
	}
}

// Load reads path over the defaults, then applies the environment. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg, err := cfg.ApplyEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() (Config, error) {
	return Default().ApplyEnv()
}

// ApplyEnv overrides fields from RESILIENCE_* variables and LOG_* for logging.
func (c Config) ApplyEnv() (Config, error) {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("HOST", &c.Server.Host)
	integer("PORT", &c.Server.Port)
	if v, ok := os.LookupEnv(EnvPrefix + "TRUSTED_PROXIES"); ok {
		c.Server.TrustedProxies = splitList(v)
	}

	str("ADMIN_JWT_SECRET", &c.Admin.Auth.Secret)
	str("ADMIN_JWT_PUBLIC_KEY", &c.Admin.Auth.PublicKey)
	str("ADMIN_JWT_ISSUER", &c.Admin.Auth.Issuer)
	str("ADMIN_JWT_AUDIENCE", &c.Admin.Auth.Audience)
	str("ADMIN_REQUIRED_ROLE", &c.Admin.Auth.RequiredRole)
	boolean("ADMIN_ALLOW_UNAUTHENTICATED", &c.Admin.AllowUnauthenticated)

	boolean("REDIS_ENABLED", &c.Redis.Enabled)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	if _, ok := os.LookupEnv(EnvPrefix + "REDIS_URL"); ok {
		c.Redis.Enabled = true
	}

	str("ADMISSION_POLICY", &c.Admission.Policy)

	if v, ok := os.LookupEnv(EnvPrefix + "DELIVERY_TARGETS"); ok {
		c.Delivery.Targets = splitList(v)
	}
	integer("DELIVERY_MAX_ATTEMPTS", &c.Delivery.MaxAttempts)
	str("DELIVERY_SECRET", &c.Delivery.Secret)
	str("ARCHIVE_DRIVER", &c.Delivery.Archive.Driver)
	str("ARCHIVE_DSN", &c.Delivery.Archive.DSN)
	if _, ok := os.LookupEnv(EnvPrefix + "ARCHIVE_DSN"); ok {
		c.Delivery.Archive.Enabled = true
	}

	boolean("SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	str("SCHEDULER_REDIS_ADDR", &c.Scheduler.RedisAddr)
	str("SCHEDULER_INSTANCE_ID", &c.Scheduler.InstanceID)

	boolean("METRICS_ENABLED", &c.Metrics.Enabled)

	c.Logging = c.Logging.ApplyEnv()

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return c, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var structValidator = validator.New()

// Validate checks field ranges and every failover manager. Manager names
// default to their keys.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Delivery.Archive.Enabled && (c.Delivery.Archive.Driver == "" || c.Delivery.Archive.DSN == "") {
		return errors.New("invalid config: archive requires driver and dsn")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return errors.New("invalid config: metrics path is required")
	}

	for key, m := range c.Failover.Managers {
		if m.Name == "" {
			m.Name = key
		}
		m = m.WithDefaults()
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid config: failover manager %s: %w", key, err)
		}
		c.Failover.Managers[key] = m
	}
	return nil
}

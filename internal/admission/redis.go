package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces rate limit keys in Redis.
const DefaultKeyPrefix = "ratelimit:"

// slidingWindowScript prunes, counts and conditionally records in one round trip.
// Returns {allowed, count, earliest}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count + 1 > limit then
  local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local earliest = now
  if first[2] then
    earliest = tonumber(first[2])
  end
  return {0, count, earliest}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, now}
`)

// RedisConfig holds connection settings for the distributed backend.
type RedisConfig struct {
	URL          string   `yaml:"url"`
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db" validate:"gte=0"`
	PoolSize     int      `yaml:"pool_size" validate:"gte=0"`
	MinIdleConns int      `yaml:"min_idle_conns" validate:"gte=0"`
	MaxRetries   int      `yaml:"max_retries" validate:"gte=-1"`
	ClusterMode  bool     `yaml:"cluster_mode"`
	ClusterAddrs []string `yaml:"cluster_addrs"`
	KeyPrefix    string   `yaml:"key_prefix"`
}

// NewRedisClient builds a client from config. Cluster mode takes precedence
// over URL, and URL over Addr.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	if cfg.ClusterMode && len(cfg.ClusterAddrs) > 0 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		}), nil
	}

	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		if cfg.MinIdleConns > 0 {
			opts.MinIdleConns = cfg.MinIdleConns
		}
		if cfg.MaxRetries != 0 {
			opts.MaxRetries = cfg.MaxRetries
		}
		return redis.NewClient(opts), nil
	}

	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}), nil
}

// RedisBackend stores each key as a sorted set of admission timestamps.
type RedisBackend struct {
	client redis.Scripter
	prefix string
}

// NewRedisBackend creates a backend on an existing client. An empty prefix
// uses DefaultKeyPrefix.
func NewRedisBackend(client redis.Scripter, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Name implements Backend.
func (b *RedisBackend) Name() string { return "redis" }

// Admit implements Backend.
func (b *RedisBackend) Admit(ctx context.Context, key string, now time.Time, window time.Duration, maxRequests int) (Result, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	vals, err := slidingWindowScript.Run(ctx, b.client, []string{b.prefix + key},
		nowMs, windowMs, maxRequests, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrBackendUnavailable, vals)
	}

	if vals[0] == 0 {
		return Result{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: retryAfterSeconds(vals[2], windowMs, nowMs),
		}, nil
	}

	remaining := maxRequests - int(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}, nil
}

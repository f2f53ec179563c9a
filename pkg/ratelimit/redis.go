package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisLimiter shares rate limit state across instances through Redis.
// It uses a fixed-window counter per plugin: INCR plus EXPIRE keeps the
// implementation a single round trip. On Redis errors the limiter fails
// open so a cache outage never stops aggregation or posting.
type RedisLimiter struct {
	client   *redis.Client
	defaults Config
	prefix   string
	log      *logrus.Logger

	configs map[string]Config
}

// NewRedisLimiter creates a Redis-backed limiter. The prefix namespaces
// keys so several deployments can share one Redis.
func NewRedisLimiter(client *redis.Client, defaults Config, prefix string, log *logrus.Logger) *RedisLimiter {
	if defaults.Capacity <= 0 || defaults.RefillPerSecond <= 0 {
		defaults = DefaultConfig()
	}
	if prefix == "" {
		prefix = "beacon:ratelimit"
	}
	if log == nil {
		log = logrus.New()
	}
	return &RedisLimiter{
		client:   client,
		defaults: defaults,
		prefix:   prefix,
		log:      log,
		configs:  make(map[string]Config),
	}
}

// Configure sets a plugin-specific window size. Call before the limiter
// is shared across goroutines; configs are not mutated at runtime.
func (rl *RedisLimiter) Configure(plugin string, cfg Config) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = rl.defaults.Capacity
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = rl.defaults.RefillPerSecond
	}
	rl.configs[plugin] = cfg
}

func (rl *RedisLimiter) window(cfg Config) time.Duration {
	return time.Duration(cfg.Capacity/cfg.RefillPerSecond) * time.Second
}

// Acquire counts a call against the plugin's window.
func (rl *RedisLimiter) Acquire(ctx context.Context, plugin string, cost float64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	cfg, ok := rl.configs[plugin]
	if !ok {
		cfg = rl.defaults
	}
	window := rl.window(cfg)
	key := fmt.Sprintf("%s:%s", rl.prefix, plugin)

	pipe := rl.client.Pipeline()
	incr := pipe.IncrBy(ctx, key, int64(cost))
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open. A Redis outage must not halt the pipeline.
		rl.log.WithError(err).WithField("plugin", plugin).
			Warn("Rate limiter Redis error, allowing call")
		return Decision{Allowed: true}, nil
	}

	count := float64(incr.Val())
	if count <= cfg.Capacity {
		return Decision{Allowed: true, Remaining: cfg.Capacity - count}, nil
	}

	retryAfter := window
	if ttl, err := rl.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

// Reset clears the window for a plugin.
func (rl *RedisLimiter) Reset(ctx context.Context, plugin string) error {
	return rl.client.Del(ctx, fmt.Sprintf("%s:%s", rl.prefix, plugin)).Err()
}

// HealthCheck verifies Redis connectivity.
func (rl *RedisLimiter) HealthCheck(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Decision is the outcome of an Acquire call. When Allowed is false,
// RetryAfter tells the caller how long until enough tokens accumulate.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter grants or denies capacity for a plugin's outbound calls.
type Limiter interface {
	Acquire(ctx context.Context, plugin string, cost float64) (Decision, error)
}

// Config sizes a plugin's token bucket.
type Config struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity float64
	// RefillPerSecond is the steady-state refill rate.
	RefillPerSecond float64
}

// DefaultConfig returns the bucket settings used when a plugin's
// descriptor does not specify its own.
func DefaultConfig() Config {
	return Config{
		Capacity:        10,
		RefillPerSecond: 10.0 / 60.0,
	}
}

// TokenBucket is an in-process limiter with one bucket per plugin.
type TokenBucket struct {
	defaults Config
	now      func() time.Time

	mu      sync.Mutex
	configs map[string]Config
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Option configures a TokenBucket.
type Option func(*TokenBucket)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(tb *TokenBucket) { tb.now = now }
}

// NewTokenBucket creates a limiter whose unconfigured plugins use the
// given defaults.
func NewTokenBucket(defaults Config, opts ...Option) *TokenBucket {
	if defaults.Capacity <= 0 || defaults.RefillPerSecond <= 0 {
		defaults = DefaultConfig()
	}
	tb := &TokenBucket{
		defaults: defaults,
		now:      time.Now,
		configs:  make(map[string]Config),
		buckets:  make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// Configure sets a plugin-specific bucket size. Non-positive fields fall
// back to the defaults. An existing bucket for the plugin is reset so the
// new capacity takes effect immediately.
func (tb *TokenBucket) Configure(plugin string, cfg Config) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = tb.defaults.Capacity
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = tb.defaults.RefillPerSecond
	}
	tb.mu.Lock()
	tb.configs[plugin] = cfg
	delete(tb.buckets, plugin)
	tb.mu.Unlock()
}

// Acquire takes cost tokens from the plugin's bucket. It never blocks; a
// denied decision carries the wait estimate instead.
func (tb *TokenBucket) Acquire(_ context.Context, plugin string, cost float64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	cfg, ok := tb.configs[plugin]
	if !ok {
		cfg = tb.defaults
	}

	now := tb.now()
	b, ok := tb.buckets[plugin]
	if !ok {
		// New buckets start full.
		b = &bucket{tokens: cfg.Capacity, lastRefill: now}
		tb.buckets[plugin] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(cfg.Capacity, b.tokens+elapsed*cfg.RefillPerSecond)
		b.lastRefill = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return Decision{Allowed: true, Remaining: b.tokens}, nil
	}

	deficit := cost - b.tokens
	wait := time.Duration(math.Ceil(deficit/cfg.RefillPerSecond)) * time.Second
	return Decision{Allowed: false, Remaining: b.tokens, RetryAfter: wait}, nil
}

// Remaining reports the current token count for a plugin without
// consuming anything.
func (tb *TokenBucket) Remaining(plugin string) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	cfg, ok := tb.configs[plugin]
	if !ok {
		cfg = tb.defaults
	}
	b, ok := tb.buckets[plugin]
	if !ok {
		return cfg.Capacity
	}
	elapsed := tb.now().Sub(b.lastRefill).Seconds()
	return math.Min(cfg.Capacity, b.tokens+elapsed*cfg.RefillPerSecond)
}

// Cleanup drops buckets that have been idle long enough to be full again.
// Intended to run from a periodic maintenance job.
func (tb *TokenBucket) Cleanup() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	for plugin, b := range tb.buckets {
		cfg, ok := tb.configs[plugin]
		if !ok {
			cfg = tb.defaults
		}
		idleFull := time.Duration(cfg.Capacity/cfg.RefillPerSecond) * time.Second
		if now.Sub(b.lastRefill) > idleFull {
			delete(tb.buckets, plugin)
		}
	}
}

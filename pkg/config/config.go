package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stationhq/beacon/pkg/aggregator"
	"github.com/stationhq/beacon/pkg/ratelimit"
	"github.com/stationhq/beacon/pkg/scheduler"
	"github.com/stationhq/beacon/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Plugin configuration
	Plugins PluginsConfig

	// Rate limiter configuration
	RateLimit RateLimitConfig

	// Pipeline configuration
	Aggregator aggregator.Config
	Scheduler  scheduler.Config

	// Maintenance configuration
	Maintenance MaintenanceConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// PluginsConfig holds plugin discovery settings
type PluginsConfig struct {
	// Dirs are scanned for plugin.yaml manifests.
	Dirs []string
	// WatchManifests re-runs discovery when a manifest changes on disk.
	WatchManifests bool
	// InvokeTimeout bounds a single plugin call.
	InvokeTimeout time.Duration
}

// RateLimitConfig holds rate limiter settings
type RateLimitConfig struct {
	// Defaults apply to plugins whose descriptor sets no bucket.
	Defaults ratelimit.Config
	// RedisURL switches to the shared Redis limiter when set.
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// MaintenanceConfig holds the background housekeeping settings
type MaintenanceConfig struct {
	// RequeueSchedule is a cron spec for the stuck-post sweep.
	RequeueSchedule string
	// StuckAfter is how long a processing post may sit before requeue.
	StuckAfter time.Duration
	// PruneSchedule is a cron spec for old content deletion.
	PruneSchedule string
	// ContentRetention is how long fetched content is kept. Zero
	// disables pruning.
	ContentRetention time.Duration
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Plugins:       loadPluginsConfig(),
		RateLimit:     loadRateLimitConfig(),
		Aggregator:    loadAggregatorConfig(),
		Scheduler:     loadSchedulerConfig(),
		Maintenance:   loadMaintenanceConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("BEACON_HOST", "0.0.0.0"),
		Port:            getEnv("BEACON_PORT", "8080"),
		ReadTimeout:     getEnvDuration("BEACON_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BEACON_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("BEACON_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BEACON_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("BEACON_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}
	if path := getEnv("BEACON_SQLITE_PATH", ""); path != "" {
		cfg.SQLitePath = path
	}
	if pgURL := getEnv("BEACON_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("BEACON_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if timeout := getEnvDuration("BEACON_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	return cfg
}

func loadPluginsConfig() PluginsConfig {
	cfg := PluginsConfig{
		WatchManifests: getEnvBool("BEACON_PLUGIN_WATCH", true),
		InvokeTimeout:  getEnvDuration("BEACON_PLUGIN_INVOKE_TIMEOUT", 30*time.Second),
	}
	if dirs := getEnv("BEACON_PLUGIN_DIRS", "/etc/beacon/plugins"); dirs != "" {
		for _, dir := range strings.Split(dirs, ":") {
			if dir = strings.TrimSpace(dir); dir != "" {
				cfg.Dirs = append(cfg.Dirs, dir)
			}
		}
	}
	return cfg
}

func loadRateLimitConfig() RateLimitConfig {
	defaults := ratelimit.DefaultConfig()
	if capacity := getEnvFloat("BEACON_RATELIMIT_CAPACITY", 0); capacity > 0 {
		defaults.Capacity = capacity
	}
	if refill := getEnvFloat("BEACON_RATELIMIT_REFILL_PER_SECOND", 0); refill > 0 {
		defaults.RefillPerSecond = refill
	}
	return RateLimitConfig{
		Defaults:      defaults,
		RedisURL:      getEnv("BEACON_REDIS_URL", ""),
		RedisPassword: getEnv("BEACON_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("BEACON_REDIS_DB", 0),
	}
}

func loadAggregatorConfig() aggregator.Config {
	cfg := aggregator.DefaultConfig()
	if poll := getEnvDuration("BEACON_AGGREGATOR_POLL_INTERVAL", 0); poll > 0 {
		cfg.PollInterval = poll
	}
	if base := getEnvDuration("BEACON_FETCH_INTERVAL", 0); base > 0 {
		cfg.BaseInterval = base
	}
	if max := getEnvDuration("BEACON_FETCH_MAX_INTERVAL", 0); max > 0 {
		cfg.MaxInterval = max
	}
	if workers := getEnvInt("BEACON_AGGREGATOR_WORKERS", 0); workers > 0 {
		cfg.Workers = workers
	}
	if size := getEnvInt("BEACON_DEDUP_CACHE_SIZE", 0); size > 0 {
		cfg.DedupCacheSize = size
	}
	return cfg
}

func loadSchedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	if poll := getEnvDuration("BEACON_SCHEDULER_POLL_INTERVAL", 0); poll > 0 {
		cfg.PollInterval = poll
	}
	if base := getEnvDuration("BEACON_RETRY_BASE_DELAY", 0); base > 0 {
		cfg.BaseRetryDelay = base
	}
	if retries := getEnvInt("BEACON_MAX_RETRIES", 0); retries > 0 {
		cfg.MaxRetries = retries
	}
	if workers := getEnvInt("BEACON_SCHEDULER_WORKERS", 0); workers > 0 {
		cfg.Workers = workers
	}
	if batch := getEnvInt("BEACON_SCHEDULER_BATCH_SIZE", 0); batch > 0 {
		cfg.BatchSize = batch
	}
	return cfg
}

func loadMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		RequeueSchedule:  getEnv("BEACON_REQUEUE_SCHEDULE", "*/5 * * * *"),
		StuckAfter:       getEnvDuration("BEACON_STUCK_AFTER", 15*time.Minute),
		PruneSchedule:    getEnv("BEACON_PRUNE_SCHEDULE", "0 3 * * *"),
		ContentRetention: getEnvDuration("BEACON_CONTENT_RETENTION", 0),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("BEACON_LOG_LEVEL", "info"),
		LogFormat:      getEnv("BEACON_LOG_FORMAT", "text"),
		MetricsEnabled: getEnvBool("BEACON_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or postgres)", c.Storage.Type)
	}

	if len(c.Plugins.Dirs) == 0 {
		return fmt.Errorf("at least one plugin directory is required")
	}
	if c.RateLimit.Defaults.Capacity <= 0 || c.RateLimit.Defaults.RefillPerSecond <= 0 {
		return fmt.Errorf("rate limit defaults must be positive")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stationhq/beacon/pkg/aggregator"
	"github.com/stationhq/beacon/pkg/api"
	"github.com/stationhq/beacon/pkg/config"
	"github.com/stationhq/beacon/pkg/observability"
	"github.com/stationhq/beacon/pkg/plugins"
	"github.com/stationhq/beacon/pkg/plugins/builtin"
	"github.com/stationhq/beacon/pkg/ratelimit"
	"github.com/stationhq/beacon/pkg/scheduler"
	"github.com/stationhq/beacon/pkg/storage"
)

// pluginLimiter is what the daemon needs beyond plain admission: per-plugin
// bucket configuration from manifest descriptors.
type pluginLimiter interface {
	ratelimit.Limiter
	Configure(plugin string, cfg ratelimit.Config)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	log.WithFields(logrus.Fields{
		"storage":     cfg.Storage.Type,
		"plugin_dirs": cfg.Plugins.Dirs,
	}).Info("Starting beacond")

	store, err := storage.New(cfg.Storage, log)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	// Rate limiter: local token buckets by default, shared Redis windows
	// when a Redis URL is configured.
	var limiter pluginLimiter
	var redisClient *redis.Client
	if cfg.RateLimit.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
		if err != nil {
			log.Fatalf("Invalid Redis URL: %v", err)
		}
		if cfg.RateLimit.RedisPassword != "" {
			opts.Password = cfg.RateLimit.RedisPassword
		}
		if cfg.RateLimit.RedisDB != 0 {
			opts.DB = cfg.RateLimit.RedisDB
		}
		redisClient = redis.NewClient(opts)
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Defaults, "", log)
	} else {
		limiter = ratelimit.NewTokenBucket(cfg.RateLimit.Defaults)
	}

	// Metrics
	var metrics *observability.Metrics
	var metricsHandler http.Handler
	promRegistry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
		metricsHandler = observability.MetricsHandler(promRegistry)
	}

	// Plugins
	registry := plugins.NewRegistry(cfg.Plugins.Dirs, log)
	if err := builtin.Register(registry); err != nil {
		log.Fatalf("Failed to register builtin plugins: %v", err)
	}
	managerOpts := []plugins.ManagerOption{plugins.WithInvokeTimeout(cfg.Plugins.InvokeTimeout)}
	if metrics != nil {
		managerOpts = append(managerOpts, plugins.WithFaultHook(func(name string) {
			metrics.PluginFaultsTotal.WithLabelValues(name).Inc()
		}))
	}
	manager := plugins.NewManager(registry, log, managerOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loadPlugins(ctx, registry, manager, store, limiter, cfg.RateLimit.Defaults, log)
	if metrics != nil {
		updatePluginGauges(manager, metrics)
	}

	// Pipelines
	agg, err := aggregator.New(cfg.Aggregator, manager, store, limiter, metrics, log)
	if err != nil {
		log.Fatalf("Failed to build aggregator: %v", err)
	}
	sched := scheduler.New(cfg.Scheduler, manager, store, limiter, metrics, log)

	// Health checks
	health := observability.NewHealthChecker()
	health.Register("storage", func(ctx context.Context) error { return store.HealthCheck(ctx) })
	if redisClient != nil {
		health.RegisterOptional("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	// HTTP server
	var opts []api.Option
	if metrics != nil {
		opts = append(opts, api.WithMetrics(metrics, metricsHandler))
	}
	server := api.NewServer(store, manager, sched, health, log, opts...)
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Background maintenance jobs
	crontab := cron.New()
	if err := scheduleMaintenance(crontab, cfg, store, limiter, metrics, log); err != nil {
		log.Fatalf("Failed to schedule maintenance jobs: %v", err)
	}
	crontab.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := agg.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.Plugins.WatchManifests {
		watcher := plugins.NewWatcher(cfg.Plugins.Dirs, func() {
			loadPlugins(ctx, registry, manager, store, limiter, cfg.RateLimit.Defaults, log)
			if metrics != nil {
				updatePluginGauges(manager, metrics)
			}
		}, log)
		g.Go(func() error {
			if err := watcher.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout)
	shutdown.Register(func(ctx context.Context) error {
		cancel()
		return httpServer.Shutdown(ctx)
	})
	shutdown.Register(func(context.Context) error {
		stopCtx := crontab.Stop()
		<-stopCtx.Done()
		return nil
	})
	shutdown.Register(func(context.Context) error {
		manager.Shutdown()
		return nil
	})

	if err := shutdown.WaitForSignal(); err != nil {
		log.WithError(err).Error("Graceful shutdown incomplete")
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Background worker exited with error")
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Error("Failed to close storage")
	}
	log.Info("beacond stopped")
}

// loadPlugins discovers manifests, layers persisted overrides, and loads
// anything not already managed. Safe to call again when manifests change.
func loadPlugins(ctx context.Context, registry *plugins.Registry, manager *plugins.Manager,
	store storage.Store, limiter pluginLimiter, defaults ratelimit.Config, log *logrus.Logger) {
	if _, err := registry.Discover(ctx); err != nil {
		log.WithError(err).Warn("Plugin discovery reported errors")
	}

	for _, manifest := range registry.Manifests() {
		if _, ok := manager.Get(manifest.Name); ok {
			continue
		}

		// Persisted enable/disable choices and config overrides win over
		// manifest defaults.
		if record, err := store.GetPluginConfig(ctx, manifest.Name); err == nil {
			manifest.Enabled = record.Enabled
			if len(record.Config) > 0 {
				if manifest.Config == nil {
					manifest.Config = make(map[string]any, len(record.Config))
				}
				for k, v := range record.Config {
					manifest.Config[k] = v
				}
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).WithField("plugin", manifest.Name).Warn("Failed to read plugin config overrides")
		}

		if _, err := manager.Load(manifest); err != nil {
			log.WithError(err).WithField("plugin", manifest.Name).Error("Failed to load plugin")
			continue
		}

		bucket := defaults
		if manifest.RateCapacity > 0 && manifest.RateRefill > 0 {
			bucket = ratelimit.Config{Capacity: manifest.RateCapacity, RefillPerSecond: manifest.RateRefill}
		}
		limiter.Configure(manifest.Name, bucket)

		if manifest.Enabled {
			if err := manager.Enable(manifest.Name); err != nil {
				log.WithError(err).WithField("plugin", manifest.Name).Error("Failed to enable plugin")
			}
		}
	}
}

func updatePluginGauges(manager *plugins.Manager, metrics *observability.Metrics) {
	for _, kind := range []plugins.Kind{plugins.KindSource, plugins.KindDestination, plugins.KindFilter} {
		metrics.PluginsLoaded.WithLabelValues(string(kind)).Set(float64(len(manager.ListByKind(kind))))
	}
}

func scheduleMaintenance(crontab *cron.Cron, cfg *config.Config, store storage.Store,
	limiter pluginLimiter, metrics *observability.Metrics, log *logrus.Logger) error {
	// Posts stuck in processing, left behind by a worker that died.
	_, err := crontab.AddFunc(cfg.Maintenance.RequeueSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := store.RequeueStuckPosts(ctx, cfg.Maintenance.StuckAfter, time.Now().UTC())
		if err != nil {
			log.WithError(err).Error("Failed to requeue stuck posts")
			return
		}
		if n > 0 {
			log.WithField("count", n).Warn("Requeued stuck posts")
			if metrics != nil {
				metrics.PostsRequeuedTotal.Add(float64(n))
			}
		}
	})
	if err != nil {
		return err
	}

	// Old content pruning, only when a retention window is configured.
	if cfg.Maintenance.ContentRetention > 0 {
		_, err = crontab.AddFunc(cfg.Maintenance.PruneSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			cutoff := time.Now().UTC().Add(-cfg.Maintenance.ContentRetention)
			n, err := store.DeleteContentBefore(ctx, cutoff)
			if err != nil {
				log.WithError(err).Error("Failed to prune old content")
				return
			}
			if n > 0 {
				log.WithField("count", n).Info("Pruned old content items")
			}
		})
		if err != nil {
			return err
		}
	}

	// Idle bucket cleanup for the local limiter.
	if tb, ok := limiter.(*ratelimit.TokenBucket); ok {
		if _, err := crontab.AddFunc("@hourly", tb.Cleanup); err != nil {
			return err
		}
	}

	// Queue depth gauges for dashboards.
	if metrics != nil {
		_, err = crontab.AddFunc("@every 1m", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			for _, status := range []storage.PostStatus{
				storage.StatusPending, storage.StatusProcessing, storage.StatusCompleted, storage.StatusFailed,
			} {
				posts, err := store.ListScheduledPosts(ctx, status, 0, 0)
				if err != nil {
					return
				}
				metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(len(posts)))
			}
		})
		if err != nil {
			return err
		}
	}

	return nil
}

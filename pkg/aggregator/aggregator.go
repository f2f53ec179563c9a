package aggregator

import (
	"context"
	"errors"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stationhq/beacon/pkg/content"
	"github.com/stationhq/beacon/pkg/observability"
	"github.com/stationhq/beacon/pkg/plugins"
	"github.com/stationhq/beacon/pkg/ratelimit"
	"github.com/stationhq/beacon/pkg/storage"
)

// Config tunes the aggregation loop.
type Config struct {
	// PollInterval is how often the loop re-evaluates which sources are due.
	PollInterval time.Duration
	// BaseInterval is the fetch cadence for sources whose descriptor does
	// not set one.
	BaseInterval time.Duration
	// MaxInterval caps the failure backoff.
	MaxInterval time.Duration
	// Workers bounds how many sources fetch concurrently.
	Workers int
	// DedupCacheSize is the number of fingerprints kept in memory ahead
	// of the store lookup.
	DedupCacheSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		BaseInterval:   5 * time.Minute,
		MaxInterval:    2 * time.Hour,
		Workers:        4,
		DedupCacheSize: 4096,
	}
}

// Aggregator owns the fetch loop.
type Aggregator struct {
	cfg     Config
	manager *plugins.Manager
	store   storage.Store
	limiter ratelimit.Limiter
	metrics *observability.Metrics
	log     *logrus.Logger

	seen *lru.Cache[string, struct{}]
	now  func() time.Time
}

// New creates an aggregator. Metrics may be nil when no registry is wired.
func New(cfg Config, manager *plugins.Manager, store storage.Store, limiter ratelimit.Limiter,
	metrics *observability.Metrics, log *logrus.Logger) (*Aggregator, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultConfig().BaseInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultConfig().MaxInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultConfig().DedupCacheSize
	}
	if log == nil {
		log = logrus.New()
	}

	seen, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		cfg:     cfg,
		manager: manager,
		store:   store,
		limiter: limiter,
		metrics: metrics,
		log:     log,
		seen:    seen,
		now:     time.Now,
	}, nil
}

// Run polls until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.log.WithField("poll_interval", a.cfg.PollInterval).Info("Aggregator started")
	for {
		select {
		case <-ctx.Done():
			a.log.Info("Aggregator stopped")
			return ctx.Err()
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick fetches every due source once. Sources run concurrently up to the
// worker limit; one source's failure never blocks another's fetch.
func (a *Aggregator) Tick(ctx context.Context) {
	sources := a.manager.ListByKind(plugins.KindSource)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for _, inst := range sources {
		name := inst.Name()
		desc := inst.Descriptor()
		g.Go(func() error {
			a.fetchSource(gctx, name, desc)
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Aggregator) fetchSource(ctx context.Context, name string, desc *plugins.Descriptor) {
	now := a.now()
	log := a.log.WithField("source", name)

	meta, err := a.store.GetSourceMetadata(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.WithError(err).Error("Cannot load source metadata")
		return
	}
	if meta == nil {
		meta = &storage.SourceMetadata{Source: name}
	}

	if !a.due(meta, desc, now) {
		return
	}

	decision, err := a.limiter.Acquire(ctx, name, 1)
	if err != nil {
		log.WithError(err).Error("Rate limiter error")
		return
	}
	if !decision.Allowed {
		// A blocked tick is a skip, not a failure. The source stays due
		// and is retried on the next poll.
		if a.metrics != nil {
			a.metrics.RateLimitBlockedTotal.WithLabelValues(name).Inc()
		}
		log.WithField("retry_after", decision.RetryAfter).Debug("Fetch blocked by rate limit")
		return
	}

	start := now
	items, err := a.manager.FetchContent(ctx, name)
	if a.metrics != nil {
		a.metrics.FetchDuration.WithLabelValues(name).Observe(a.now().Sub(start).Seconds())
	}

	meta.LastFetch = now
	if err != nil {
		if errors.Is(err, plugins.ErrBusy) {
			// Previous fetch still running; leave the metadata untouched.
			return
		}
		meta.ConsecutiveFailures++
		meta.LastError = err.Error()
		if a.metrics != nil {
			a.metrics.FetchesTotal.WithLabelValues(name, "failure").Inc()
		}
		log.WithError(err).WithField("consecutive_failures", meta.ConsecutiveFailures).
			Warn("Fetch failed")
		if saveErr := a.store.SaveSourceMetadata(ctx, meta); saveErr != nil {
			log.WithError(saveErr).Error("Cannot save source metadata")
		}
		return
	}

	saved, deduped, skipped := a.ingest(ctx, name, desc.Kind, items, log)

	meta.LastSuccess = now
	meta.ConsecutiveFailures = 0
	meta.LastError = ""
	meta.ItemsSaved += int64(saved)
	if err := a.store.SaveSourceMetadata(ctx, meta); err != nil {
		log.WithError(err).Error("Cannot save source metadata")
	}

	if a.metrics != nil {
		a.metrics.FetchesTotal.WithLabelValues(name, "success").Inc()
		a.metrics.ItemsSavedTotal.WithLabelValues(name).Add(float64(saved))
		a.metrics.ItemsDedupedTotal.WithLabelValues(name).Add(float64(deduped))
		a.metrics.ItemsSkippedTotal.WithLabelValues(name).Add(float64(skipped))
	}
	log.WithFields(logrus.Fields{
		"fetched": len(items),
		"saved":   saved,
		"deduped": deduped,
		"skipped": skipped,
	}).Info("Fetch cycle complete")
}

// ingest normalizes, deduplicates and persists one fetch batch. Items
// saved before a storage error stay saved; the rest of the batch is
// abandoned for this cycle and picked up by the next fetch.
func (a *Aggregator) ingest(ctx context.Context, source string, kind plugins.Kind,
	raws []content.RawItem, log *logrus.Entry) (saved, deduped, skipped int) {
	now := a.now()
	for _, raw := range raws {
		item, err := content.Normalize(source, string(kind), raw, now)
		if err != nil {
			skipped++
			log.WithError(err).Debug("Skipping malformed item")
			continue
		}

		if _, ok := a.seen.Get(item.ID); ok {
			deduped++
			continue
		}
		if _, err := a.store.FindByFingerprint(ctx, item.ID); err == nil {
			a.seen.Add(item.ID, struct{}{})
			deduped++
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Error("Dedup lookup failed, abandoning batch")
			return saved, deduped, skipped
		}

		if err := a.store.SaveContentItem(ctx, item); err != nil {
			log.WithError(err).Error("Save failed, abandoning batch")
			return saved, deduped, skipped
		}
		a.seen.Add(item.ID, struct{}{})
		saved++
	}
	return saved, deduped, skipped
}

// due reports whether a source should fetch now, honoring its interval
// and the failure backoff.
func (a *Aggregator) due(meta *storage.SourceMetadata, desc *plugins.Descriptor, now time.Time) bool {
	if meta.LastFetch.IsZero() {
		return true
	}

	interval := a.cfg.BaseInterval
	if desc.FetchInterval > 0 {
		interval = desc.FetchInterval
	}
	if meta.ConsecutiveFailures > 0 {
		backoff := time.Duration(float64(interval) * math.Pow(2, float64(meta.ConsecutiveFailures)))
		if backoff > a.cfg.MaxInterval || backoff < 0 {
			backoff = a.cfg.MaxInterval
		}
		interval = backoff
	}
	return !now.Before(meta.LastFetch.Add(interval))
}

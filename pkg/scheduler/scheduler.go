package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stationhq/beacon/pkg/observability"
	"github.com/stationhq/beacon/pkg/plugins"
	"github.com/stationhq/beacon/pkg/ratelimit"
	"github.com/stationhq/beacon/pkg/storage"
)

// Config tunes the delivery loop.
type Config struct {
	// PollInterval is how often due posts are claimed.
	PollInterval time.Duration
	// BaseRetryDelay seeds the exponential retry backoff.
	BaseRetryDelay time.Duration
	// MaxRetries is the default retry budget for posts that do not set
	// their own.
	MaxRetries int
	// Workers bounds concurrent deliveries.
	Workers int
	// BatchSize caps how many posts one tick claims.
	BatchSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Minute,
		BaseRetryDelay: time.Minute,
		MaxRetries:     3,
		Workers:        4,
		BatchSize:      50,
	}
}

// ErrInvalidPost marks a post rejected before it reached the queue.
var ErrInvalidPost = errors.New("invalid scheduled post")

// Scheduler owns the delivery loop.
type Scheduler struct {
	cfg     Config
	manager *plugins.Manager
	store   storage.Store
	limiter ratelimit.Limiter
	metrics *observability.Metrics
	log     *logrus.Logger

	now func() time.Time
}

// New creates a scheduler. Metrics may be nil when no registry is wired.
func New(cfg Config, manager *plugins.Manager, store storage.Store, limiter ratelimit.Limiter,
	metrics *observability.Metrics, log *logrus.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		store:   store,
		limiter: limiter,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// Schedule validates and enqueues a new post. A zero ID is assigned one.
func (s *Scheduler) Schedule(ctx context.Context, post *storage.ScheduledPost) error {
	if post.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidPost)
	}
	if post.Content.Text == "" && post.Content.URL == "" {
		return fmt.Errorf("%w: content text or URL is required", ErrInvalidPost)
	}
	switch post.Recurrence {
	case storage.RecurrenceNone, storage.RecurrenceDaily, storage.RecurrenceWeekly:
	default:
		return fmt.Errorf("%w: unknown recurrence %q", ErrInvalidPost, post.Recurrence)
	}

	now := s.now()
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.ScheduledAt.IsZero() {
		post.ScheduledAt = now
	}
	if post.MaxRetries <= 0 {
		post.MaxRetries = s.cfg.MaxRetries
	}
	post.Status = storage.StatusPending
	post.RetryCount = 0
	post.CreatedAt = now
	post.UpdatedAt = now
	return s.store.SaveScheduledPost(ctx, post)
}

// Cancel removes a post from the queue. A post that is mid-delivery
// cannot be cancelled; the attempt has to settle first.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.store.CancelScheduledPost(ctx, id)
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.WithField("poll_interval", s.cfg.PollInterval).Info("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick claims and delivers one batch of due posts.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	claimed, err := s.store.ClaimDuePosts(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("Cannot claim due posts")
		return
	}
	if len(claimed) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, post := range claimed {
		post := post
		g.Go(func() error {
			s.deliver(gctx, post)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) deliver(ctx context.Context, post *storage.ScheduledPost) {
	log := s.log.WithFields(logrus.Fields{"post": post.ID, "destination": post.Destination})

	inst, ok := s.manager.Get(post.Destination)
	if !ok || inst.Descriptor().Kind != plugins.KindDestination {
		s.fail(ctx, post, "destination plugin not loaded", log)
		return
	}

	decision, err := s.limiter.Acquire(ctx, post.Destination, 1)
	if err != nil {
		log.WithError(err).Error("Rate limiter error")
		s.revert(ctx, post, log)
		return
	}
	if !decision.Allowed {
		// Blocked is not a failure: the post goes back to pending with
		// its scheduled time unchanged and no retry consumed.
		if s.metrics != nil {
			s.metrics.RateLimitBlockedTotal.WithLabelValues(post.Destination).Inc()
		}
		log.WithField("retry_after", decision.RetryAfter).Debug("Delivery blocked by rate limit")
		s.revert(ctx, post, log)
		return
	}

	start := s.now()
	result, err := s.manager.Post(ctx, post.Destination, post.Content)
	if s.metrics != nil {
		s.metrics.PostDuration.WithLabelValues(post.Destination).Observe(s.now().Sub(start).Seconds())
	}

	if err != nil {
		if errors.Is(err, plugins.ErrBusy) {
			s.revert(ctx, post, log)
			return
		}
		if errors.Is(err, plugins.ErrNotStarted) || errors.Is(err, plugins.ErrNotFound) {
			s.fail(ctx, post, "destination plugin disabled", log)
			return
		}
		if plugins.IsTerminal(err) {
			s.fail(ctx, post, err.Error(), log)
			return
		}
		s.retry(ctx, post, err.Error(), log)
		return
	}

	s.complete(ctx, post, result, log)
}

func (s *Scheduler) complete(ctx context.Context, post *storage.ScheduledPost, result *plugins.PostResult, log *logrus.Entry) {
	now := s.now()
	post.Status = storage.StatusCompleted
	post.LastResult = "posted"
	if result != nil && result.PostID != "" {
		post.LastResult = "posted: " + result.PostID
	}
	post.UpdatedAt = now
	if err := s.store.UpdateScheduledPost(ctx, post); err != nil {
		log.WithError(err).Error("Cannot mark post completed")
		return
	}
	if s.metrics != nil {
		s.metrics.PostsTotal.WithLabelValues(post.Destination, "completed").Inc()
	}
	log.Info("Post delivered")

	if post.Recurrence != storage.RecurrenceNone {
		if err := s.spawnNext(ctx, post); err != nil {
			log.WithError(err).Error("Cannot schedule next occurrence")
		}
	}
}

// spawnNext enqueues the next occurrence of a recurring post. The next
// scheduled time advances from the original scheduled time, not from the
// delivery time, so the series never drifts.
func (s *Scheduler) spawnNext(ctx context.Context, post *storage.ScheduledPost) error {
	now := s.now()
	next := &storage.ScheduledPost{
		ID:          uuid.NewString(),
		Content:     post.Content,
		Destination: post.Destination,
		ScheduledAt: NextOccurrence(post.ScheduledAt, post.Recurrence),
		Status:      storage.StatusPending,
		Recurrence:  post.Recurrence,
		MaxRetries:  post.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.store.SaveScheduledPost(ctx, next)
}

// NextOccurrence advances a recurring post's scheduled time by one period.
func NextOccurrence(scheduledAt time.Time, recurrence string) time.Time {
	switch recurrence {
	case storage.RecurrenceDaily:
		return scheduledAt.Add(24 * time.Hour)
	case storage.RecurrenceWeekly:
		return scheduledAt.Add(7 * 24 * time.Hour)
	default:
		return scheduledAt
	}
}

func (s *Scheduler) retry(ctx context.Context, post *storage.ScheduledPost, reason string, log *logrus.Entry) {
	now := s.now()
	post.RetryCount++
	if post.RetryCount >= post.MaxRetries {
		s.fail(ctx, post, fmt.Sprintf("retries exhausted: %s", reason), log)
		return
	}

	delay := RetryDelay(s.cfg.BaseRetryDelay, post.RetryCount)
	post.Status = storage.StatusPending
	post.ScheduledAt = now.Add(delay)
	post.LastResult = reason
	post.UpdatedAt = now
	if err := s.store.UpdateScheduledPost(ctx, post); err != nil {
		log.WithError(err).Error("Cannot reschedule post")
		return
	}
	if s.metrics != nil {
		s.metrics.PostRetriesTotal.WithLabelValues(post.Destination).Inc()
	}
	log.WithFields(logrus.Fields{"retry": post.RetryCount, "delay": delay}).
		Warn("Post delivery failed, retrying")
}

// RetryDelay computes the backoff after a post's retryCount-th failed
// attempt.
func RetryDelay(base time.Duration, retryCount int) time.Duration {
	return base << uint(retryCount)
}

func (s *Scheduler) fail(ctx context.Context, post *storage.ScheduledPost, reason string, log *logrus.Entry) {
	post.Status = storage.StatusFailed
	post.LastResult = reason
	post.UpdatedAt = s.now()
	if err := s.store.UpdateScheduledPost(ctx, post); err != nil {
		log.WithError(err).Error("Cannot mark post failed")
		return
	}
	if s.metrics != nil {
		s.metrics.PostsTotal.WithLabelValues(post.Destination, "failed").Inc()
	}
	log.WithField("reason", reason).Error("Post failed permanently")
}

// revert returns a claimed post to pending untouched.
func (s *Scheduler) revert(ctx context.Context, post *storage.ScheduledPost, log *logrus.Entry) {
	post.Status = storage.StatusPending
	post.UpdatedAt = s.now()
	if err := s.store.UpdateScheduledPost(ctx, post); err != nil {
		log.WithError(err).Error("Cannot revert post to pending")
	}
}

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationhq/beacon/pkg/content"
	"github.com/stationhq/beacon/pkg/plugins"
	"github.com/stationhq/beacon/pkg/ratelimit"
	"github.com/stationhq/beacon/pkg/storage"
)

type stubDestination struct {
	desc       *plugins.Descriptor
	postFn     func(ctx context.Context, c content.ShareableContent) (*plugins.PostResult, error)
	validateFn func(c content.ShareableContent) plugins.ContentValidation
}

func (d *stubDestination) Descriptor() *plugins.Descriptor     { return d.desc }
func (d *stubDestination) Initialize(map[string]any) error     { return nil }
func (d *stubDestination) Start() error                        { return nil }
func (d *stubDestination) Stop() error                         { return nil }
func (d *stubDestination) Cleanup() error                      { return nil }
func (d *stubDestination) ValidateConfig(map[string]any) error { return nil }
func (d *stubDestination) PostContent(ctx context.Context, c content.ShareableContent) (*plugins.PostResult, error) {
	if d.postFn != nil {
		return d.postFn(ctx, c)
	}
	return &plugins.PostResult{PostID: "ok-1"}, nil
}
func (d *stubDestination) ValidateContent(c content.ShareableContent) plugins.ContentValidation {
	if d.validateFn != nil {
		return d.validateFn(c)
	}
	return plugins.ContentValidation{Valid: true}
}
func (d *stubDestination) Capabilities() plugins.Capabilities {
	return plugins.Capabilities{MaxTextLength: 280}
}
func (d *stubDestination) SupportsReshare(string) bool { return false }
func (d *stubDestination) Reshare(ctx context.Context, item *content.Item) (*plugins.PostResult, error) {
	return nil, plugins.NewPostError(d.desc.Name, errors.New("reshare unsupported"))
}

type denyLimiter struct {
	blocked bool
}

func (d *denyLimiter) Acquire(context.Context, string, float64) (ratelimit.Decision, error) {
	if d.blocked {
		return ratelimit.Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fixture struct {
	sched   *Scheduler
	manager *plugins.Manager
	store   storage.Store
	clock   *time.Time
}

func newFixture(t *testing.T, limiter ratelimit.Limiter, dest *stubDestination) *fixture {
	t.Helper()

	registry := plugins.NewRegistry(nil, quietLogger())
	manager := plugins.NewManager(registry, quietLogger())

	if dest != nil {
		name := dest.desc.Name
		require.NoError(t, registry.RegisterFactory(name, func() plugins.Plugin { return dest }))
		manifest := &plugins.Manifest{Descriptor: *dest.desc, Factory: name, Enabled: true}
		_, err := manager.Load(manifest)
		require.NoError(t, err)
		require.NoError(t, manager.Enable(name))
	}

	store := storage.NewMemoryStore()
	if limiter == nil {
		limiter = ratelimit.NewTokenBucket(ratelimit.Config{Capacity: 1000, RefillPerSecond: 1000})
	}

	sched := New(DefaultConfig(), manager, store, limiter, nil, quietLogger())
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := &now
	sched.now = func() time.Time { return *clock }
	return &fixture{sched: sched, manager: manager, store: store, clock: clock}
}

func destDescriptor(name string) *plugins.Descriptor {
	return &plugins.Descriptor{Name: name, Kind: plugins.KindDestination, Version: "1.0.0"}
}

func pendingPost(id, destination string, at time.Time) *storage.ScheduledPost {
	return &storage.ScheduledPost{
		ID:          id,
		Content:     content.ShareableContent{Text: "hello"},
		Destination: destination,
		ScheduledAt: at,
		Status:      storage.StatusPending,
		MaxRetries:  3,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestScheduleAssignsDefaults(t *testing.T) {
	f := newFixture(t, nil, &stubDestination{desc: destDescriptor("webhook")})
	ctx := context.Background()

	post := &storage.ScheduledPost{
		Content:     content.ShareableContent{Text: "hi"},
		Destination: "webhook",
	}
	require.NoError(t, f.sched.Schedule(ctx, post))

	assert.NotEmpty(t, post.ID)
	assert.Equal(t, storage.StatusPending, post.Status)
	assert.Equal(t, 3, post.MaxRetries)
	assert.Equal(t, *f.clock, post.ScheduledAt)

	stored, err := f.store.GetScheduledPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Content.Text)
}

func TestScheduleRejectsInvalid(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	err := f.sched.Schedule(ctx, &storage.ScheduledPost{Content: content.ShareableContent{Text: "x"}})
	assert.Error(t, err, "destination required")

	err = f.sched.Schedule(ctx, &storage.ScheduledPost{Destination: "webhook"})
	assert.Error(t, err, "content required")

	err = f.sched.Schedule(ctx, &storage.ScheduledPost{
		Content:     content.ShareableContent{Text: "x"},
		Destination: "webhook",
		Recurrence:  "hourly",
	})
	assert.Error(t, err, "unknown recurrence")
}

func TestTickDeliversDuePost(t *testing.T) {
	f := newFixture(t, nil, &stubDestination{desc: destDescriptor("webhook")})
	ctx := context.Background()

	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p1", "webhook", f.clock.Add(-time.Minute))))
	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p2", "webhook", f.clock.Add(time.Hour))))

	f.sched.Tick(ctx)

	done, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, done.Status)
	assert.Contains(t, done.LastResult, "ok-1")

	future, err := f.store.GetScheduledPost(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, future.Status, "not yet due")
}

func TestRetryBackoff(t *testing.T) {
	dest := &stubDestination{
		desc: destDescriptor("webhook"),
		postFn: func(context.Context, content.ShareableContent) (*plugins.PostResult, error) {
			return nil, errors.New("503 from provider")
		},
	}
	f := newFixture(t, nil, dest)
	ctx := context.Background()

	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p1", "webhook", f.clock.Add(-time.Minute))))
	f.sched.Tick(ctx)

	got, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, f.clock.Add(2*time.Minute), got.ScheduledAt, "first retry waits base*2^1")
	assert.Contains(t, got.LastResult, "503")

	// Second failure bumps the count to 2 and waits base*2^2.
	got.ScheduledAt = *f.clock
	require.NoError(t, f.store.UpdateScheduledPost(ctx, got))
	f.sched.Tick(ctx)

	got, err = f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, f.clock.Add(4*time.Minute), got.ScheduledAt)
}

func TestRetryDelayFormula(t *testing.T) {
	base := time.Minute
	assert.Equal(t, time.Minute, RetryDelay(base, 0))
	assert.Equal(t, 2*time.Minute, RetryDelay(base, 1))
	assert.Equal(t, 4*time.Minute, RetryDelay(base, 2))
}

func TestRetriesExhausted(t *testing.T) {
	dest := &stubDestination{
		desc: destDescriptor("webhook"),
		postFn: func(context.Context, content.ShareableContent) (*plugins.PostResult, error) {
			return nil, errors.New("still down")
		},
	}
	f := newFixture(t, nil, dest)
	ctx := context.Background()

	post := pendingPost("p1", "webhook", f.clock.Add(-time.Minute))
	post.RetryCount = 2
	require.NoError(t, f.store.SaveScheduledPost(ctx, post))

	f.sched.Tick(ctx)

	got, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastResult, "retries exhausted")
}

func TestPostAttemptedExactlyMaxRetriesTimes(t *testing.T) {
	attempts := 0
	dest := &stubDestination{
		desc: destDescriptor("webhook"),
		postFn: func(context.Context, content.ShareableContent) (*plugins.PostResult, error) {
			attempts++
			return nil, errors.New("provider down")
		},
	}
	f := newFixture(t, nil, dest)
	ctx := context.Background()

	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p1", "webhook", f.clock.Add(-time.Minute))))

	// Keep ticking past each backoff until the post settles.
	for i := 0; i < 6; i++ {
		f.sched.Tick(ctx)
		got, err := f.store.GetScheduledPost(ctx, "p1")
		require.NoError(t, err)
		if got.Status != storage.StatusPending {
			break
		}
		*f.clock = got.ScheduledAt.Add(time.Second)
	}

	got, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, 3, attempts, "max_retries=3 means three attempts, no more")

	// A settled post is never picked up again.
	f.sched.Tick(ctx)
	assert.Equal(t, 3, attempts)
}

func TestValidationFailureIsTerminal(t *testing.T) {
	dest := &stubDestination{
		desc: destDescriptor("webhook"),
		validateFn: func(content.ShareableContent) plugins.ContentValidation {
			return plugins.ContentValidation{Valid: false, Errors: []string{"text too long"}}
		},
	}
	f := newFixture(t, nil, dest)
	ctx := context.Background()

	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p1", "webhook", f.clock.Add(-time.Minute))))
	f.sched.Tick(ctx)

	got, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "no retry for rejected content")
	assert.Contains(t, got.LastResult, "text too long")
}

func TestMissingDestinationIsTerminal(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p1", "ghost", f.clock.Add(-time.Minute))))
	f.sched.Tick(ctx)

	got, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
}

func TestDisabledDestinationIsTerminal(t *testing.T) {
	f := newFixture(t, nil, &stubDestination{desc: destDescriptor("webhook")})
	ctx := context.Background()
	require.NoError(t, f.manager.Disable("webhook"))

	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p1", "webhook", f.clock.Add(-time.Minute))))
	f.sched.Tick(ctx)

	got, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Contains(t, got.LastResult, "disabled")
}

func TestRecurrenceSpawnsNextOccurrence(t *testing.T) {
	f := newFixture(t, nil, &stubDestination{desc: destDescriptor("webhook")})
	ctx := context.Background()

	originalAt := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	post := pendingPost("p1", "webhook", originalAt)
	post.Recurrence = storage.RecurrenceDaily
	require.NoError(t, f.store.SaveScheduledPost(ctx, post))

	// Delivery happens late; the next occurrence must not drift.
	*f.clock = time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	f.sched.Tick(ctx)

	done, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, done.Status)

	pending, err := f.store.ListScheduledPosts(ctx, storage.StatusPending, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	next := pending[0]
	assert.NotEqual(t, "p1", next.ID)
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), next.ScheduledAt)
	assert.Equal(t, storage.RecurrenceDaily, next.Recurrence)
	assert.Equal(t, 0, next.RetryCount)
}

func TestNextOccurrenceWeekly(t *testing.T) {
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
		NextOccurrence(at, storage.RecurrenceWeekly))
}

func TestBlockedDeliveryRevertsUntouched(t *testing.T) {
	limiter := &denyLimiter{blocked: true}
	var posts int
	dest := &stubDestination{
		desc: destDescriptor("webhook"),
		postFn: func(context.Context, content.ShareableContent) (*plugins.PostResult, error) {
			posts++
			return &plugins.PostResult{PostID: "ok"}, nil
		},
	}
	f := newFixture(t, limiter, dest)
	ctx := context.Background()

	scheduledAt := f.clock.Add(-time.Minute)
	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p1", "webhook", scheduledAt)))

	f.sched.Tick(ctx)
	assert.Equal(t, 0, posts, "blocked delivery never reaches the plugin")

	got, err := f.store.GetScheduledPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount, "no retry consumed")
	assert.WithinDuration(t, scheduledAt, got.ScheduledAt, time.Second, "scheduled time unchanged")

	limiter.blocked = false
	f.sched.Tick(ctx)
	assert.Equal(t, 1, posts)
}

func TestCancelPendingPost(t *testing.T) {
	f := newFixture(t, nil, &stubDestination{desc: destDescriptor("webhook")})
	ctx := context.Background()

	require.NoError(t, f.store.SaveScheduledPost(ctx, pendingPost("p1", "webhook", f.clock.Add(time.Hour))))
	require.NoError(t, f.sched.Cancel(ctx, "p1"))

	_, err := f.store.GetScheduledPost(ctx, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, f.sched.Cancel(ctx, "p1"), storage.ErrNotFound)
}

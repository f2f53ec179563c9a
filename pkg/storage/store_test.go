package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationhq/beacon/pkg/content"
)

// eachStore runs the same assertions against every backend with real
// queue semantics. Postgres is covered separately with sqlmock.
func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		log := logrus.New()
		log.SetLevel(logrus.PanicLevel)
		store, err := NewSQLiteStore(":memory:", log)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func testItem(id, source string, published time.Time) *content.Item {
	return &content.Item{
		ID:         id,
		Source:     source,
		SourceType: "rss",
		Title:      "title " + id,
		Body:       "body",
		Published:  published,
		URL:        "https://example.com/" + id,
		Tags:       []string{"news"},
		MediaURLs:  []string{},
		Metadata:   map[string]string{"lang": "en"},
	}
}

func testPost(id string, scheduledAt time.Time) *ScheduledPost {
	return &ScheduledPost{
		ID:          id,
		Content:     content.ShareableContent{Text: "hello " + id, URL: "https://example.com/" + id},
		Destination: "webhook",
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
		MaxRetries:  3,
		CreatedAt:   scheduledAt.Add(-time.Hour),
		UpdatedAt:   scheduledAt.Add(-time.Hour),
	}
}

func TestContentItemRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		item := testItem("abc", "hn", published)

		require.NoError(t, store.SaveContentItem(ctx, item))

		got, err := store.FindByFingerprint(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, item.Title, got.Title)
		assert.Equal(t, item.URL, got.URL)
		assert.Equal(t, []string{"news"}, got.Tags)
		assert.Equal(t, "en", got.Metadata["lang"])
		assert.WithinDuration(t, published, got.Published, time.Second)

		_, err = store.FindByFingerprint(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestContentItemUpsert(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		item := testItem("abc", "hn", published)
		require.NoError(t, store.SaveContentItem(ctx, item))

		// A re-fetch of the same content supersedes the stored record.
		updated := testItem("abc", "hn", published)
		updated.Title = "edited title"
		require.NoError(t, store.SaveContentItem(ctx, updated))

		got, err := store.FindByFingerprint(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "edited title", got.Title)

		items, err := store.ListContentItems(ctx, "hn", 0, 0)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})
}

func TestListContentItemsFilterAndOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, store.SaveContentItem(ctx, testItem("old", "hn", base.Add(-time.Hour))))
		require.NoError(t, store.SaveContentItem(ctx, testItem("new", "hn", base)))
		require.NoError(t, store.SaveContentItem(ctx, testItem("other", "rss", base)))

		items, err := store.ListContentItems(ctx, "hn", 0, 0)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "new", items[0].ID, "newest first")
		assert.Equal(t, "old", items[1].ID)

		limited, err := store.ListContentItems(ctx, "hn", 1, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "old", limited[0].ID)
	})
}

func TestDeleteContentBefore(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, store.SaveContentItem(ctx, testItem("stale", "hn", base.Add(-48*time.Hour))))
		require.NoError(t, store.SaveContentItem(ctx, testItem("fresh", "hn", base)))

		deleted, err := store.DeleteContentBefore(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = store.FindByFingerprint(ctx, "stale")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.FindByFingerprint(ctx, "fresh")
		assert.NoError(t, err)
	})
}

func TestScheduledPostRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

		post := testPost("p1", at)
		post.Recurrence = RecurrenceDaily
		require.NoError(t, store.SaveScheduledPost(ctx, post))

		got, err := store.GetScheduledPost(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, RecurrenceDaily, got.Recurrence)
		assert.Equal(t, "hello p1", got.Content.Text)
		assert.WithinDuration(t, at, got.ScheduledAt, time.Second)

		_, err = store.GetScheduledPost(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClaimDuePosts(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, store.SaveScheduledPost(ctx, testPost("due-early", now.Add(-2*time.Hour))))
		require.NoError(t, store.SaveScheduledPost(ctx, testPost("due-late", now.Add(-time.Minute))))
		require.NoError(t, store.SaveScheduledPost(ctx, testPost("future", now.Add(time.Hour))))

		claimed, err := store.ClaimDuePosts(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "due-early", claimed[0].ID, "oldest scheduled time first")
		assert.Equal(t, StatusProcessing, claimed[0].Status)

		// A second claim finds nothing left.
		again, err := store.ClaimDuePosts(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		future, err := store.GetScheduledPost(ctx, "future")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, future.Status)
	})
}

func TestClaimDuePostsBreaksTiesByCreation(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
		at := now.Add(-time.Minute)

		// Same scheduled time; ids chosen so id order disagrees with
		// creation order.
		older := testPost("zz-older", at)
		older.CreatedAt = at.Add(-2 * time.Hour)
		newer := testPost("aa-newer", at)
		newer.CreatedAt = at.Add(-time.Hour)
		require.NoError(t, store.SaveScheduledPost(ctx, older))
		require.NoError(t, store.SaveScheduledPost(ctx, newer))

		claimed, err := store.ClaimDuePosts(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "zz-older", claimed[0].ID, "created first, claimed first")
		assert.Equal(t, "aa-newer", claimed[1].ID)
	})
}

func TestClaimDuePostsLimit(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

		for i := 0; i < 5; i++ {
			require.NoError(t, store.SaveScheduledPost(ctx,
				testPost(fmt.Sprintf("p%d", i), now.Add(-time.Duration(i+1)*time.Minute))))
		}

		claimed, err := store.ClaimDuePosts(ctx, now, 2)
		require.NoError(t, err)
		assert.Len(t, claimed, 2)

		rest, err := store.ClaimDuePosts(ctx, now, 10)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
	})
}

func TestClaimDuePostsConcurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

		const total = 20
		for i := 0; i < total; i++ {
			require.NoError(t, store.SaveScheduledPost(ctx,
				testPost(fmt.Sprintf("p%02d", i), now.Add(-time.Minute))))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claimed, err := store.ClaimDuePosts(ctx, now, 3)
					if !assert.NoError(t, err) {
						return
					}
					if len(claimed) == 0 {
						return
					}
					mu.Lock()
					for _, post := range claimed {
						seen[post.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total, "every due post claimed")
		for id, count := range seen {
			assert.Equal(t, 1, count, "post %s claimed exactly once", id)
		}
	})
}

func TestCancelScheduledPost(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, store.SaveScheduledPost(ctx, testPost("pending", now.Add(time.Hour))))
		require.NoError(t, store.CancelScheduledPost(ctx, "pending"))
		_, err := store.GetScheduledPost(ctx, "pending")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.SaveScheduledPost(ctx, testPost("inflight", now.Add(-time.Minute))))
		claimed, err := store.ClaimDuePosts(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		err = store.CancelScheduledPost(ctx, "inflight")
		assert.ErrorIs(t, err, ErrNotCancellable)

		assert.ErrorIs(t, store.CancelScheduledPost(ctx, "missing"), ErrNotFound)
	})
}

func TestRequeueStuckPosts(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, store.SaveScheduledPost(ctx, testPost("stuck", now.Add(-time.Hour))))
		claimed, err := store.ClaimDuePosts(ctx, now.Add(-30*time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		requeued, err := store.RequeueStuckPosts(ctx, 10*time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), requeued)

		got, err := store.GetScheduledPost(ctx, "stuck")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	})
}

func TestSourceMetadataRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

		_, err := store.GetSourceMetadata(ctx, "hn")
		assert.ErrorIs(t, err, ErrNotFound)

		meta := &SourceMetadata{
			Source:              "hn",
			LastFetch:           now,
			LastSuccess:         now.Add(-time.Hour),
			ConsecutiveFailures: 2,
			ItemsSaved:          41,
			LastError:           "timeout",
		}
		require.NoError(t, store.SaveSourceMetadata(ctx, meta))

		got, err := store.GetSourceMetadata(ctx, "hn")
		require.NoError(t, err)
		assert.Equal(t, 2, got.ConsecutiveFailures)
		assert.Equal(t, int64(41), got.ItemsSaved)
		assert.Equal(t, "timeout", got.LastError)

		meta.ConsecutiveFailures = 0
		meta.LastError = ""
		require.NoError(t, store.SaveSourceMetadata(ctx, meta))
		got, err = store.GetSourceMetadata(ctx, "hn")
		require.NoError(t, err)
		assert.Equal(t, 0, got.ConsecutiveFailures)
	})
}

func TestPluginConfigRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

		record := &PluginConfigRecord{
			Name:      "rss-source",
			Enabled:   true,
			Config:    map[string]any{"url": "https://example.com/feed.xml"},
			UpdatedAt: now,
		}
		require.NoError(t, store.SavePluginConfig(ctx, record))

		got, err := store.GetPluginConfig(ctx, "rss-source")
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.Equal(t, "https://example.com/feed.xml", got.Config["url"])

		record.Enabled = false
		require.NoError(t, store.SavePluginConfig(ctx, record))

		all, err := store.ListPluginConfigs(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.False(t, all[0].Enabled)
	})
}

func TestUpdateScheduledPostMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		post := testPost("ghost", time.Now())
		assert.ErrorIs(t, store.UpdateScheduledPost(ctx, post), ErrNotFound)
	})
}

func TestStorageFactory(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store, err := New(Config{Type: "memory"}, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = New(Config{Type: "sqlite", SQLitePath: ":memory:"}, log)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	store.Close()

	_, err = New(Config{Type: "etcd"}, log)
	assert.Error(t, err)
}

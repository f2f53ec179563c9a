package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationhq/beacon/pkg/content"
	"github.com/stationhq/beacon/pkg/observability"
	"github.com/stationhq/beacon/pkg/plugins"
	"github.com/stationhq/beacon/pkg/ratelimit"
	"github.com/stationhq/beacon/pkg/scheduler"
	"github.com/stationhq/beacon/pkg/storage"
)

type fakeDestination struct {
	desc *plugins.Descriptor
}

func (d *fakeDestination) Descriptor() *plugins.Descriptor     { return d.desc }
func (d *fakeDestination) Initialize(map[string]any) error     { return nil }
func (d *fakeDestination) Start() error                        { return nil }
func (d *fakeDestination) Stop() error                         { return nil }
func (d *fakeDestination) Cleanup() error                      { return nil }
func (d *fakeDestination) ValidateConfig(map[string]any) error { return nil }
func (d *fakeDestination) PostContent(ctx context.Context, c content.ShareableContent) (*plugins.PostResult, error) {
	return &plugins.PostResult{PostID: "fake-1"}, nil
}
func (d *fakeDestination) ValidateContent(content.ShareableContent) plugins.ContentValidation {
	return plugins.ContentValidation{Valid: true}
}
func (d *fakeDestination) Capabilities() plugins.Capabilities {
	return plugins.Capabilities{MaxTextLength: 280}
}
func (d *fakeDestination) SupportsReshare(string) bool { return false }
func (d *fakeDestination) Reshare(ctx context.Context, item *content.Item) (*plugins.PostResult, error) {
	return nil, plugins.NewPostError(d.desc.Name, errors.New("reshare unsupported"))
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fixture struct {
	server  *Server
	store   storage.Store
	manager *plugins.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := plugins.NewRegistry(nil, quietLogger())
	manager := plugins.NewManager(registry, quietLogger())

	desc := &plugins.Descriptor{Name: "webhook", Kind: plugins.KindDestination, Version: "1.0.0"}
	require.NoError(t, registry.RegisterFactory("webhook", func() plugins.Plugin {
		return &fakeDestination{desc: desc}
	}))
	_, err := manager.Load(&plugins.Manifest{Descriptor: *desc, Factory: "webhook", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, manager.Enable("webhook"))

	store := storage.NewMemoryStore()
	limiter := ratelimit.NewTokenBucket(ratelimit.Config{Capacity: 1000, RefillPerSecond: 1000})
	sched := scheduler.New(scheduler.DefaultConfig(), manager, store, limiter, nil, quietLogger())

	health := observability.NewHealthChecker()
	health.Register("storage", func(ctx context.Context) error { return store.HealthCheck(ctx) })

	server := NewServer(store, manager, sched, health, quietLogger())
	return &fixture{server: server, store: store, manager: manager}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestProbeEndpoints(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/readyz", "").Code)
}

func TestListPlugins(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/v1/plugins", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []pluginView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "webhook", views[0].Name)
	assert.Equal(t, "destination", views[0].Kind)
	assert.Equal(t, "started", views[0].State)
}

func TestGetPluginNotFound(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/plugins/mastodon", "").Code)
}

func TestDisableAndEnablePlugin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/plugins/webhook/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)

	inst, ok := f.manager.Get("webhook")
	require.True(t, ok)
	assert.Equal(t, plugins.StateStopped, inst.State())

	// The choice is persisted for the next restart.
	record, err := f.store.GetPluginConfig(context.Background(), "webhook")
	require.NoError(t, err)
	assert.False(t, record.Enabled)

	rec = f.do(t, "POST", "/api/v1/plugins/webhook/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, plugins.StateStarted, inst.State())
}

func TestEnableUnknownPlugin(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", "/api/v1/plugins/mastodon/enable", "").Code)
}

func TestCreatePost(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/posts", `{
		"content": {"text": "hello world"},
		"destination": "webhook",
		"scheduled_at": "2030-01-01T09:00:00Z"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var post storage.ScheduledPost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &post))
	assert.NotEmpty(t, post.ID)
	assert.Equal(t, storage.StatusPending, post.Status)
	assert.Equal(t, "webhook", post.Destination)
}

func TestCreatePostRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/posts", `{"content": {"text": "hi"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "destination is required")

	rec = f.do(t, "POST", "/api/v1/posts", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPostsFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, status := range []storage.PostStatus{storage.StatusPending, storage.StatusCompleted} {
		post := &storage.ScheduledPost{
			ID:          string(rune('a' + i)),
			Content:     content.ShareableContent{Text: "hi"},
			Destination: "webhook",
			ScheduledAt: now,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, f.store.SaveScheduledPost(ctx, post))
	}

	rec := f.do(t, "GET", "/api/v1/posts?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var posts []*storage.ScheduledPost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posts))
	require.Len(t, posts, 1)
	assert.Equal(t, storage.StatusPending, posts[0].Status)
}

func TestGetPostNotFound(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/posts/missing", "").Code)
}

func TestCancelPost(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/v1/posts", `{
		"content": {"text": "hello"},
		"destination": "webhook",
		"scheduled_at": "2030-01-01T09:00:00Z"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var post storage.ScheduledPost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &post))

	assert.Equal(t, http.StatusNoContent, f.do(t, "DELETE", "/api/v1/posts/"+post.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/api/v1/posts/"+post.ID, "").Code)
}

func TestCancelProcessingPostConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	post := &storage.ScheduledPost{
		ID:          "in-flight",
		Content:     content.ShareableContent{Text: "hi"},
		Destination: "webhook",
		ScheduledAt: now,
		Status:      storage.StatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.store.SaveScheduledPost(ctx, post))

	assert.Equal(t, http.StatusConflict, f.do(t, "DELETE", "/api/v1/posts/in-flight", "").Code)
}

func TestListContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := &content.Item{
		ID:        "item-1",
		Source:    "rss",
		Title:     "First",
		URL:       "https://example.com/1",
		Published: time.Now().UTC(),
	}
	require.NoError(t, f.store.SaveContentItem(ctx, item))

	rec := f.do(t, "GET", "/api/v1/content?source=rss", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []*content.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "item-1", items[0].ID)

	rec = f.do(t, "GET", "/api/v1/content?source=other", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Empty(t, items)
}

func TestListContentRejectsBadLimit(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/v1/content?limit=lots", "").Code)
}

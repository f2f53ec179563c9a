package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stationhq/beacon/pkg/content"
)

// MemoryStore keeps everything in maps behind one mutex. It backs tests
// and ephemeral runs; nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]*content.Item
	posts   map[string]*ScheduledPost
	sources map[string]*SourceMetadata
	configs map[string]*PluginConfigRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*content.Item),
		posts:   make(map[string]*ScheduledPost),
		sources: make(map[string]*SourceMetadata),
		configs: make(map[string]*PluginConfigRecord),
	}
}

func copyItem(item *content.Item) *content.Item {
	dup := *item
	dup.Tags = append([]string(nil), item.Tags...)
	dup.MediaURLs = append([]string(nil), item.MediaURLs...)
	dup.Metadata = make(map[string]string, len(item.Metadata))
	for k, v := range item.Metadata {
		dup.Metadata[k] = v
	}
	return &dup
}

func copyPost(post *ScheduledPost) *ScheduledPost {
	dup := *post
	dup.Content.MediaURLs = append([]string(nil), post.Content.MediaURLs...)
	return &dup
}

func (s *MemoryStore) SaveContentItem(_ context.Context, item *content.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = copyItem(item)
	return nil
}

func (s *MemoryStore) FindByFingerprint(_ context.Context, fingerprint string) (*content.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(item), nil
}

func (s *MemoryStore) ListContentItems(_ context.Context, source string, limit, offset int) ([]*content.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*content.Item
	for _, item := range s.items {
		if source != "" && item.Source != source {
			continue
		}
		all = append(all, item)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Published.Equal(all[j].Published) {
			return all[i].ID < all[j].ID
		}
		return all[i].Published.After(all[j].Published)
	})

	return pageItems(all, limit, offset), nil
}

func pageItems(all []*content.Item, limit, offset int) []*content.Item {
	if offset >= len(all) {
		return []*content.Item{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*content.Item, len(all))
	for i, item := range all {
		out[i] = copyItem(item)
	}
	return out
}

func (s *MemoryStore) DeleteContentBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, item := range s.items {
		if item.Published.Before(cutoff) {
			delete(s.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) SaveScheduledPost(_ context.Context, post *ScheduledPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[post.ID] = copyPost(post)
	return nil
}

func (s *MemoryStore) GetScheduledPost(_ context.Context, id string) (*ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPost(post), nil
}

func (s *MemoryStore) ListScheduledPosts(_ context.Context, status PostStatus, limit, offset int) ([]*ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*ScheduledPost
	for _, post := range s.posts {
		if status != "" && post.Status != status {
			continue
		}
		all = append(all, post)
	}
	sort.Slice(all, func(i, j int) bool { return postBefore(all[i], all[j]) })

	if offset >= len(all) {
		return []*ScheduledPost{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*ScheduledPost, len(all))
	for i, post := range all {
		out[i] = copyPost(post)
	}
	return out, nil
}

// postBefore orders posts by scheduled time, breaking ties by creation
// order and then id, matching the SQL backends.
func postBefore(a, b *ScheduledPost) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) ClaimDuePosts(_ context.Context, now time.Time, limit int) ([]*ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*ScheduledPost
	for _, post := range s.posts {
		if post.Status == StatusPending && !post.ScheduledAt.After(now) {
			due = append(due, post)
		}
	}
	sort.Slice(due, func(i, j int) bool { return postBefore(due[i], due[j]) })
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}

	claimed := make([]*ScheduledPost, len(due))
	for i, post := range due {
		post.Status = StatusProcessing
		post.UpdatedAt = now
		claimed[i] = copyPost(post)
	}
	return claimed, nil
}

func (s *MemoryStore) UpdateScheduledPost(_ context.Context, post *ScheduledPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[post.ID]; !ok {
		return ErrNotFound
	}
	s.posts[post.ID] = copyPost(post)
	return nil
}

func (s *MemoryStore) CancelScheduledPost(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	if post.Status == StatusProcessing {
		return ErrNotCancellable
	}
	delete(s.posts, id)
	return nil
}

func (s *MemoryStore) RequeueStuckPosts(_ context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-olderThan)
	var requeued int64
	for _, post := range s.posts {
		if post.Status == StatusProcessing && post.UpdatedAt.Before(cutoff) {
			post.Status = StatusPending
			post.UpdatedAt = now
			requeued++
		}
	}
	return requeued, nil
}

func (s *MemoryStore) GetSourceMetadata(_ context.Context, source string) (*SourceMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.sources[source]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *meta
	return &dup, nil
}

func (s *MemoryStore) SaveSourceMetadata(_ context.Context, meta *SourceMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *meta
	s.sources[meta.Source] = &dup
	return nil
}

func (s *MemoryStore) GetPluginConfig(_ context.Context, name string) (*PluginConfigRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.configs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConfigRecord(record), nil
}

func (s *MemoryStore) SavePluginConfig(_ context.Context, record *PluginConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[record.Name] = copyConfigRecord(record)
	return nil
}

func (s *MemoryStore) ListPluginConfigs(_ context.Context) ([]*PluginConfigRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*PluginConfigRecord, 0, len(s.configs))
	for _, record := range s.configs {
		out = append(out, copyConfigRecord(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func copyConfigRecord(record *PluginConfigRecord) *PluginConfigRecord {
	dup := *record
	dup.Config = make(map[string]any, len(record.Config))
	for k, v := range record.Config {
		dup.Config[k] = v
	}
	return &dup
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

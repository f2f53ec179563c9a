package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stationhq/beacon/pkg/content"
)

// PostStatus tracks a scheduled post through its lifecycle.
type PostStatus string

const (
	StatusPending    PostStatus = "pending"
	StatusProcessing PostStatus = "processing"
	StatusCompleted  PostStatus = "completed"
	StatusFailed     PostStatus = "failed"
)

// Recurrence values for scheduled posts. Empty means one-shot.
const (
	RecurrenceNone   = ""
	RecurrenceDaily  = "daily"
	RecurrenceWeekly = "weekly"
)

// Storage errors. Backends return these sentinels (possibly wrapped) so
// callers can branch without string matching.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrNotCancellable = errors.New("storage: post is being processed and cannot be cancelled")
)

// ScheduledPost is a queued delivery of content to a destination plugin.
type ScheduledPost struct {
	ID          string                   `json:"id"`
	Content     content.ShareableContent `json:"content"`
	Destination string                   `json:"destination"`
	ScheduledAt time.Time                `json:"scheduled_at"`
	Status      PostStatus               `json:"status"`
	Recurrence  string                   `json:"recurrence,omitempty"`
	RetryCount  int                      `json:"retry_count"`
	MaxRetries  int                      `json:"max_retries"`
	LastResult  string                   `json:"last_result,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// SourceMetadata records fetch bookkeeping for one source plugin.
type SourceMetadata struct {
	Source              string    `json:"source"`
	LastFetch           time.Time `json:"last_fetch"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ItemsSaved          int64     `json:"items_saved"`
	LastError           string    `json:"last_error,omitempty"`
}

// PluginConfigRecord is the persisted configuration for one plugin,
// layered over its manifest defaults at load time.
type PluginConfigRecord struct {
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	Config    map[string]any `json:"config"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is the persistence contract shared by all backends.
type Store interface {
	// Content items. SaveContentItem upserts by item ID; a re-fetch of the
	// same underlying content supersedes the stored record.
	SaveContentItem(ctx context.Context, item *content.Item) error
	FindByFingerprint(ctx context.Context, fingerprint string) (*content.Item, error)
	ListContentItems(ctx context.Context, source string, limit, offset int) ([]*content.Item, error)
	DeleteContentBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Scheduled post queue.
	SaveScheduledPost(ctx context.Context, post *ScheduledPost) error
	GetScheduledPost(ctx context.Context, id string) (*ScheduledPost, error)
	ListScheduledPosts(ctx context.Context, status PostStatus, limit, offset int) ([]*ScheduledPost, error)

	// ClaimDuePosts atomically moves up to limit pending posts whose
	// scheduled time is at or before now into processing and returns
	// them. Two concurrent claims never return the same post.
	ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]*ScheduledPost, error)

	UpdateScheduledPost(ctx context.Context, post *ScheduledPost) error

	// CancelScheduledPost removes a post that has not started processing.
	// A post currently processing returns ErrNotCancellable; the caller
	// may retry once the in-flight attempt settles.
	CancelScheduledPost(ctx context.Context, id string) error

	// RequeueStuckPosts returns processing posts untouched for longer
	// than olderThan back to pending. Covers workers that died mid-post.
	RequeueStuckPosts(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error)

	// Per-source fetch metadata.
	GetSourceMetadata(ctx context.Context, source string) (*SourceMetadata, error)
	SaveSourceMetadata(ctx context.Context, meta *SourceMetadata) error

	// Plugin configuration overrides.
	GetPluginConfig(ctx context.Context, name string) (*PluginConfigRecord, error)
	SavePluginConfig(ctx context.Context, record *PluginConfigRecord) error
	ListPluginConfigs(ctx context.Context) ([]*PluginConfigRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config selects and parameterizes a storage backend.
type Config struct {
	Type string // "memory", "sqlite", "postgres"

	// SQLite config
	SQLitePath string

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresTimeout  time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Type:             "sqlite",
		SQLitePath:       "/var/lib/beacon/beacon.db",
		PostgresMaxConns: 20,
		PostgresTimeout:  10 * time.Second,
	}
}

// New builds the backend named by cfg.Type.
func New(cfg Config, log *logrus.Logger) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, log)
	case "postgres":
		return NewPostgresStore(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/stationhq/beacon/pkg/content"
)

// PostgresStore persists to PostgreSQL. Claiming uses FOR UPDATE SKIP
// LOCKED so several daemon instances can share one queue.
type PostgresStore struct {
	db  *sql.DB
	log *logrus.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS content_items (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	source_type TEXT NOT NULL,
	title       TEXT NOT NULL,
	body        TEXT NOT NULL DEFAULT '',
	author      TEXT NOT NULL DEFAULT '',
	published   TIMESTAMPTZ NOT NULL,
	url         TEXT NOT NULL,
	tags        JSONB NOT NULL DEFAULT '[]',
	media_urls  JSONB NOT NULL DEFAULT '[]',
	metadata    JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_content_items_source ON content_items(source, published);

CREATE TABLE IF NOT EXISTS scheduled_posts (
	id           TEXT PRIMARY KEY,
	content      JSONB NOT NULL,
	destination  TEXT NOT NULL,
	scheduled_at TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	recurrence   TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3,
	last_result  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_posts_due ON scheduled_posts(status, scheduled_at);

CREATE TABLE IF NOT EXISTS source_metadata (
	source               TEXT PRIMARY KEY,
	last_fetch           TIMESTAMPTZ NOT NULL,
	last_success         TIMESTAMPTZ NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	items_saved          BIGINT NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS plugin_configs (
	name       TEXT PRIMARY KEY,
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	config     JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to cfg.PostgresURL and ensures the schema.
func NewPostgresStore(cfg Config, log *logrus.Logger) (*PostgresStore, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.PostgresMaxConns > 0 {
		db.SetMaxOpenConns(cfg.PostgresMaxConns)
	}

	timeout := cfg.PostgresTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return &PostgresStore{db: db, log: log}, nil
}

// newPostgresStoreFromDB wraps an existing connection, for tests.
func newPostgresStoreFromDB(db *sql.DB, log *logrus.Logger) *PostgresStore {
	if log == nil {
		log = logrus.New()
	}
	return &PostgresStore{db: db, log: log}
}

func (s *PostgresStore) SaveContentItem(ctx context.Context, item *content.Item) error {
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return err
	}
	media, err := json.Marshal(item.MediaURLs)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, source, source_type, title, body, author, published, url, tags, media_urls, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			author = EXCLUDED.author,
			published = EXCLUDED.published,
			url = EXCLUDED.url,
			tags = EXCLUDED.tags,
			media_urls = EXCLUDED.media_urls,
			metadata = EXCLUDED.metadata`,
		item.ID, item.Source, item.SourceType, item.Title, item.Body, item.Author,
		item.Published, item.URL, string(tags), string(media), string(meta))
	return err
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, fingerprint string) (*content.Item, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM content_items WHERE id = $1", fingerprint)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *PostgresStore) ListContentItems(ctx context.Context, source string, limit, offset int) ([]*content.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if source != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+itemColumns+` FROM content_items WHERE source = $1
			ORDER BY published DESC, id LIMIT $2 OFFSET $3`, source, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+itemColumns+` FROM content_items
			ORDER BY published DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*content.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteContentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM content_items WHERE published < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveScheduledPost(ctx context.Context, post *ScheduledPost) error {
	payload, err := json.Marshal(post.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_posts (id, content, destination, scheduled_at, status, recurrence, retry_count, max_retries, last_result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		post.ID, string(payload), post.Destination, post.ScheduledAt, string(post.Status),
		post.Recurrence, post.RetryCount, post.MaxRetries, post.LastResult,
		post.CreatedAt, post.UpdatedAt)
	return err
}

func (s *PostgresStore) GetScheduledPost(ctx context.Context, id string) (*ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+postColumns+" FROM scheduled_posts WHERE id = $1", id)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return post, err
}

func (s *PostgresStore) ListScheduledPosts(ctx context.Context, status PostStatus, limit, offset int) ([]*ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+postColumns+` FROM scheduled_posts WHERE status = $1
			ORDER BY scheduled_at, created_at, id LIMIT $2 OFFSET $3`, string(status), limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+postColumns+` FROM scheduled_posts
			ORDER BY scheduled_at, created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := []*ScheduledPost{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (s *PostgresStore) ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]*ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	// SKIP LOCKED makes concurrent claims from separate daemon instances
	// partition the due set instead of blocking or double-claiming.
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scheduled_posts SET status = 'processing', updated_at = $2
		WHERE id IN (
			SELECT id FROM scheduled_posts
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY scheduled_at, created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+postColumns, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := []*ScheduledPost{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (s *PostgresStore) UpdateScheduledPost(ctx context.Context, post *ScheduledPost) error {
	payload, err := json.Marshal(post.Content)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET content = $1, destination = $2, scheduled_at = $3, status = $4, recurrence = $5,
			retry_count = $6, max_retries = $7, last_result = $8, updated_at = $9
		WHERE id = $10`,
		string(payload), post.Destination, post.ScheduledAt, string(post.Status),
		post.Recurrence, post.RetryCount, post.MaxRetries, post.LastResult,
		post.UpdatedAt, post.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CancelScheduledPost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM scheduled_posts WHERE id = $1 AND status <> 'processing'", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	// Nothing deleted: either the post is mid-delivery or it is gone.
	var status string
	err = s.db.QueryRowContext(ctx,
		"SELECT status FROM scheduled_posts WHERE id = $1", id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrNotCancellable
}

func (s *PostgresStore) RequeueStuckPosts(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = 'pending', updated_at = $1
		WHERE status = 'processing' AND updated_at < $2`,
		now, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) GetSourceMetadata(ctx context.Context, source string) (*SourceMetadata, error) {
	var meta SourceMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT source, last_fetch, last_success, consecutive_failures, items_saved, last_error
		FROM source_metadata WHERE source = $1`, source).
		Scan(&meta.Source, &meta.LastFetch, &meta.LastSuccess,
			&meta.ConsecutiveFailures, &meta.ItemsSaved, &meta.LastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *PostgresStore) SaveSourceMetadata(ctx context.Context, meta *SourceMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_metadata (source, last_fetch, last_success, consecutive_failures, items_saved, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source) DO UPDATE SET
			last_fetch = EXCLUDED.last_fetch,
			last_success = EXCLUDED.last_success,
			consecutive_failures = EXCLUDED.consecutive_failures,
			items_saved = EXCLUDED.items_saved,
			last_error = EXCLUDED.last_error`,
		meta.Source, meta.LastFetch, meta.LastSuccess,
		meta.ConsecutiveFailures, meta.ItemsSaved, meta.LastError)
	return err
}

func (s *PostgresStore) GetPluginConfig(ctx context.Context, name string) (*PluginConfigRecord, error) {
	var record PluginConfigRecord
	var cfg string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, enabled, config, updated_at FROM plugin_configs WHERE name = $1", name).
		Scan(&record.Name, &record.Enabled, &cfg, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &record.Config); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *PostgresStore) SavePluginConfig(ctx context.Context, record *PluginConfigRecord) error {
	cfg, err := json.Marshal(record.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_configs (name, enabled, config, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at`,
		record.Name, record.Enabled, string(cfg), record.UpdatedAt)
	return err
}

func (s *PostgresStore) ListPluginConfigs(ctx context.Context) ([]*PluginConfigRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, enabled, config, updated_at FROM plugin_configs ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*PluginConfigRecord{}
	for rows.Next() {
		var record PluginConfigRecord
		var cfg string
		if err := rows.Scan(&record.Name, &record.Enabled, &cfg, &record.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cfg), &record.Config); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

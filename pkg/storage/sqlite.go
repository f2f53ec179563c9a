package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/stationhq/beacon/pkg/content"
)

// SQLiteStore persists to a single SQLite file. Suited to single-node
// deployments; SQLite serializes writers, so claim contention is only
// between goroutines of this process.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS content_items (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	source_type TEXT NOT NULL,
	title       TEXT NOT NULL,
	body        TEXT NOT NULL DEFAULT '',
	author      TEXT NOT NULL DEFAULT '',
	published   TIMESTAMP NOT NULL,
	url         TEXT NOT NULL,
	tags        TEXT NOT NULL DEFAULT '[]',
	media_urls  TEXT NOT NULL DEFAULT '[]',
	metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_content_items_source ON content_items(source, published);

CREATE TABLE IF NOT EXISTS scheduled_posts (
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	destination  TEXT NOT NULL,
	scheduled_at TIMESTAMP NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	recurrence   TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3,
	last_result  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_posts_due ON scheduled_posts(status, scheduled_at);

CREATE TABLE IF NOT EXISTS source_metadata (
	source               TEXT PRIMARY KEY,
	last_fetch           TIMESTAMP NOT NULL,
	last_success         TIMESTAMP NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	items_saved          INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS plugin_configs (
	name       TEXT PRIMARY KEY,
	enabled    INTEGER NOT NULL DEFAULT 1,
	config     TEXT NOT NULL DEFAULT '{}',
	updated_at TIMESTAMP NOT NULL
);
`

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral database in tests.
func NewSQLiteStore(path string, log *logrus.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection sidesteps table-lock errors between goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) SaveContentItem(ctx context.Context, item *content.Item) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			author = excluded.author,
			published = excluded.published,
			url = excluded.url,
			tags = excluded.tags,
			media_urls = excluded.media_urls,
			metadata = excluded.metadata`,
		item.ID, item.Source, item.SourceType, item.Title, item.Body, item.Author,
		item.Published.UTC(), item.URL, string(tags), string(media), string(meta))
	return err
}

func scanItem(row interface{ Scan(...any) error }) (*content.Item, error) {
	var item content.Item
	var tags, media, meta string
	err := row.Scan(&item.ID, &item.Source, &item.SourceType, &item.Title, &item.Body,
		&item.Author, &item.Published, &item.URL, &tags, &media, &meta)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(media), &item.MediaURLs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &item.Metadata); err != nil {
		return nil, err
	}
	return &item, nil
}

const itemColumns = "id, source, source_type, title, body, author, published, url, tags, media_urls, metadata"

func (s *SQLiteStore) FindByFingerprint(ctx context.Context, fingerprint string) (*content.Item, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM content_items WHERE id = ?", fingerprint)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *SQLiteStore) ListContentItems(ctx context.Context, source string, limit, offset int) ([]*content.Item, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats negative LIMIT as unlimited
	}
	query := "SELECT " + itemColumns + " FROM content_items"
	args := []any{}
	if source != "" {
		query += " WHERE source = ?"
		args = append(args, source)
	}
	query += " ORDER BY published DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) DeleteContentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM content_items WHERE published < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SaveScheduledPost(ctx context.Context, post *ScheduledPost) error {
	payload, err := json.Marshal(post.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_posts (id, content, destination, scheduled_at, status, recurrence, retry_count, max_retries, last_result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, string(payload), post.Destination, post.ScheduledAt.UTC(), string(post.Status),
		post.Recurrence, post.RetryCount, post.MaxRetries, post.LastResult,
		post.CreatedAt.UTC(), post.UpdatedAt.UTC())
	return err
}

const postColumns = "id, content, destination, scheduled_at, status, recurrence, retry_count, max_retries, last_result, created_at, updated_at"

func scanPost(row interface{ Scan(...any) error }) (*ScheduledPost, error) {
	var post ScheduledPost
	var payload, status string
	err := row.Scan(&post.ID, &payload, &post.Destination, &post.ScheduledAt, &status,
		&post.Recurrence, &post.RetryCount, &post.MaxRetries, &post.LastResult,
		&post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return nil, err
	}
	post.Status = PostStatus(status)
	if err := json.Unmarshal([]byte(payload), &post.Content); err != nil {
		return nil, err
	}
	return &post, nil
}

func (s *SQLiteStore) GetScheduledPost(ctx context.Context, id string) (*ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+postColumns+" FROM scheduled_posts WHERE id = ?", id)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return post, err
}

func (s *SQLiteStore) ListScheduledPosts(ctx context.Context, status PostStatus, limit, offset int) ([]*ScheduledPost, error) {
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT " + postColumns + " FROM scheduled_posts"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY scheduled_at, created_at, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]*ScheduledPost, error) {
	if limit <= 0 {
		limit = -1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+postColumns+` FROM scheduled_posts
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at, created_at, id LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}

	var due []*ScheduledPost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, post)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := make([]*ScheduledPost, 0, len(due))
	for _, post := range due {
		// Guard on status so a post claimed by a concurrent tick between
		// our SELECT and this UPDATE is skipped, not double-delivered.
		res, err := tx.ExecContext(ctx, `
			UPDATE scheduled_posts SET status = 'processing', updated_at = ?
			WHERE id = ? AND status = 'pending'`, now.UTC(), post.ID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			post.Status = StatusProcessing
			post.UpdatedAt = now.UTC()
			claimed = append(claimed, post)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) UpdateScheduledPost(ctx context.Context, post *ScheduledPost) error {
	payload, err := json.Marshal(post.Content)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET content = ?, destination = ?, scheduled_at = ?, status = ?, recurrence = ?,
			retry_count = ?, max_retries = ?, last_result = ?, updated_at = ?
		WHERE id = ?`,
		string(payload), post.Destination, post.ScheduledAt.UTC(), string(post.Status),
		post.Recurrence, post.RetryCount, post.MaxRetries, post.LastResult,
		post.UpdatedAt.UTC(), post.ID)
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

func (s *SQLiteStore) CancelScheduledPost(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM scheduled_posts WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if PostStatus(status) == StatusProcessing {
		return ErrNotCancellable
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM scheduled_posts WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) RequeueStuckPosts(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = 'pending', updated_at = ?
		WHERE status = 'processing' AND updated_at < ?`,
		now.UTC(), now.Add(-olderThan).UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetSourceMetadata(ctx context.Context, source string) (*SourceMetadata, error) {
	var meta SourceMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT source, last_fetch, last_success, consecutive_failures, items_saved, last_error
		FROM source_metadata WHERE source = ?`, source).
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

func (s *SQLiteStore) SaveSourceMetadata(ctx context.Context, meta *SourceMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_metadata (source, last_fetch, last_success, consecutive_failures, items_saved, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			last_fetch = excluded.last_fetch,
			last_success = excluded.last_success,
			consecutive_failures = excluded.consecutive_failures,
			items_saved = excluded.items_saved,
			last_error = excluded.last_error`,
		meta.Source, meta.LastFetch.UTC(), meta.LastSuccess.UTC(),
		meta.ConsecutiveFailures, meta.ItemsSaved, meta.LastError)
	return err
}

func (s *SQLiteStore) GetPluginConfig(ctx context.Context, name string) (*PluginConfigRecord, error) {
	var record PluginConfigRecord
	var cfg string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, enabled, config, updated_at FROM plugin_configs WHERE name = ?", name).
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

func (s *SQLiteStore) SavePluginConfig(ctx context.Context, record *PluginConfigRecord) error {
	cfg, err := json.Marshal(record.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_configs (name, enabled, config, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			enabled = excluded.enabled,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		record.Name, record.Enabled, string(cfg), record.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStore) ListPluginConfigs(ctx context.Context) ([]*PluginConfigRecord, error) {
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

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

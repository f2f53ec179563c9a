// Package storage persists aggregated content, scheduled posts, per-source
// fetch metadata and plugin configuration. Three backends implement the
// Store interface: an in-memory store for tests and ephemeral runs, SQLite
// for single-node deployments, and PostgreSQL for shared ones. The queue
// operations are written so multiple scheduler workers (or processes, on
// the SQL backends) can claim due posts without double-delivery.
package storage

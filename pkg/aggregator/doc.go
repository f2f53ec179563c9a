// Package aggregator drives the fetch side of the pipeline. On every poll
// it walks the started source plugins, decides which are due based on
// their fetch interval and failure backoff, and pulls their content
// through the plugin manager. Fetched items are normalized, deduplicated
// against an LRU cache and the store, and persisted. A failing source
// backs off exponentially without affecting its neighbors.
package aggregator

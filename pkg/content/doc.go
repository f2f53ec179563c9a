// Package content defines the normalized content record produced by source
// plugins and the shareable payload consumed by destination plugins, along
// with fingerprinting used for cross-fetch deduplication.
package content

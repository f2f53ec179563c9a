// Package ratelimit provides per-plugin token bucket rate limiting for
// outbound API calls. Each plugin gets an independent bucket sized from its
// descriptor; buckets refill lazily on access rather than via background
// timers. A Redis-backed limiter is available for multi-instance
// deployments and fails open when Redis is unreachable.
package ratelimit

// Package api exposes the HTTP surface of the daemon: health and metrics
// endpoints plus a small JSON API for inspecting plugins, scheduling posts,
// and browsing aggregated content.
//
// Routes:
//
//	GET    /healthz                        liveness probe
//	GET    /readyz                         readiness probe (checks dependencies)
//	GET    /metrics                        Prometheus exposition (when wired)
//	GET    /api/v1/plugins                 list loaded plugins
//	GET    /api/v1/plugins/{name}          one plugin with error history
//	POST   /api/v1/plugins/{name}/enable   start a plugin
//	POST   /api/v1/plugins/{name}/disable  stop a plugin
//	POST   /api/v1/posts                   schedule a post
//	GET    /api/v1/posts                   list posts, ?status= filters
//	GET    /api/v1/posts/{id}              one post
//	DELETE /api/v1/posts/{id}              cancel a pending post
//	GET    /api/v1/content                 list aggregated items, ?source= filters
package api

// Package observability bundles the operational surface of the daemon:
// structured logging via logrus, Prometheus metrics for the aggregation
// and scheduling pipelines, HTTP health probes, and graceful shutdown
// coordination.
package observability

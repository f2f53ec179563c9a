package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Aggregation metrics
	FetchesTotal      *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	ItemsSavedTotal   *prometheus.CounterVec
	ItemsDedupedTotal *prometheus.CounterVec
	ItemsSkippedTotal *prometheus.CounterVec

	// Delivery metrics
	PostsTotal       *prometheus.CounterVec
	PostDuration     *prometheus.HistogramVec
	PostRetriesTotal *prometheus.CounterVec

	// Queue metrics
	QueueDepth         *prometheus.GaugeVec
	PostsRequeuedTotal prometheus.Counter

	// Plugin metrics
	PluginsLoaded     *prometheus.GaugeVec
	PluginFaultsTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitBlockedTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_fetches_total",
				Help: "Total number of fetch cycles per source",
			},
			[]string{"source", "status"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beacon_fetch_duration_seconds",
				Help:    "Fetch cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		ItemsSavedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_items_saved_total",
				Help: "Total number of content items saved",
			},
			[]string{"source"},
		),
		ItemsDedupedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_items_deduped_total",
				Help: "Total number of items skipped as duplicates",
			},
			[]string{"source"},
		),
		ItemsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_items_skipped_total",
				Help: "Total number of malformed items skipped during normalization",
			},
			[]string{"source"},
		),

		PostsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_posts_total",
				Help: "Total number of scheduled post deliveries",
			},
			[]string{"destination", "status"},
		),
		PostDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beacon_post_duration_seconds",
				Help:    "Post delivery duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"destination"},
		),
		PostRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_post_retries_total",
				Help: "Total number of post delivery retries",
			},
			[]string{"destination"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "beacon_queue_depth",
				Help: "Number of scheduled posts by status",
			},
			[]string{"status"},
		),
		PostsRequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "beacon_posts_requeued_total",
				Help: "Total number of stuck posts returned to pending",
			},
		),

		PluginsLoaded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "beacon_plugins_loaded",
				Help: "Number of loaded plugins by kind",
			},
			[]string{"kind"},
		),
		PluginFaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_plugin_faults_total",
				Help: "Total number of plugin panics and timeouts",
			},
			[]string{"plugin"},
		),

		RateLimitBlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_ratelimit_blocked_total",
				Help: "Total number of calls denied by the rate limiter",
			},
			[]string{"plugin"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beacon_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "beacon_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.ItemsSavedTotal,
		m.ItemsDedupedTotal,
		m.ItemsSkippedTotal,
		m.PostsTotal,
		m.PostDuration,
		m.PostRetriesTotal,
		m.QueueDepth,
		m.PostsRequeuedTotal,
		m.PluginsLoaded,
		m.PluginFaultsTotal,
		m.RateLimitBlockedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// MetricsHandler returns the /metrics endpoint handler for a registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

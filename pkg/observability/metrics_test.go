package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.FetchesTotal.WithLabelValues("hn", "success").Inc()
	m.ItemsDedupedTotal.WithLabelValues("hn").Add(3)
	m.PostsTotal.WithLabelValues("webhook", "failed").Inc()
	m.QueueDepth.WithLabelValues("pending").Set(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("hn", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ItemsDedupedTotal.WithLabelValues("hn")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("pending")))
}

func TestMetricsHandlerExposition(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.FetchesTotal.WithLabelValues("hn", "success").Inc()

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "beacon_fetches_total")
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/posts", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues("GET", "/posts", "404")))
}

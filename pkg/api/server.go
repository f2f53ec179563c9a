package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/stationhq/beacon/pkg/httputil"
	"github.com/stationhq/beacon/pkg/observability"
	"github.com/stationhq/beacon/pkg/plugins"
	"github.com/stationhq/beacon/pkg/scheduler"
	"github.com/stationhq/beacon/pkg/storage"
)

const maxRequestBody = 1 << 20 // 1MB

// Server represents our API server
type Server struct {
	router    *mux.Router
	store     storage.Store
	manager   *plugins.Manager
	scheduler *scheduler.Scheduler
	health    *observability.HealthChecker
	log       *logrus.Logger

	metrics        *observability.Metrics
	metricsHandler http.Handler
}

// Option customizes the server.
type Option func(*Server)

// WithMetrics wires request metrics and the /metrics endpoint.
func WithMetrics(metrics *observability.Metrics, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = metrics
		s.metricsHandler = handler
	}
}

// NewServer creates a new API server
func NewServer(store storage.Store, manager *plugins.Manager, sched *scheduler.Scheduler,
	health *observability.HealthChecker, log *logrus.Logger, opts ...Option) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		router:    mux.NewRouter(),
		store:     store,
		manager:   manager,
		scheduler: sched,
		health:    health,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(httputil.RecoveryMiddleware(s.log))
	s.router.Use(httputil.LoggingMiddleware(s.log))
	s.router.Use(httputil.MaxBytesMiddleware(maxRequestBody))
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	// Probes
	s.router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
	s.router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler).Methods("GET")
	}

	// Plugin routes
	s.router.HandleFunc("/api/v1/plugins", s.listPlugins).Methods("GET")
	s.router.HandleFunc("/api/v1/plugins/{name}", s.getPlugin).Methods("GET")
	s.router.HandleFunc("/api/v1/plugins/{name}/enable", s.enablePlugin).Methods("POST")
	s.router.HandleFunc("/api/v1/plugins/{name}/disable", s.disablePlugin).Methods("POST")

	// Scheduled post routes
	s.router.HandleFunc("/api/v1/posts", s.createPost).Methods("POST")
	s.router.HandleFunc("/api/v1/posts", s.listPosts).Methods("GET")
	s.router.HandleFunc("/api/v1/posts/{id}", s.getPost).Methods("GET")
	s.router.HandleFunc("/api/v1/posts/{id}", s.cancelPost).Methods("DELETE")

	// Content routes
	s.router.HandleFunc("/api/v1/content", s.listContent).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

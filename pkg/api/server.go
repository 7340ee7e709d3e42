package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/discovery"
	"github.com/platinummonkey/opnet-plugins/pkg/httputil"
	"github.com/platinummonkey/opnet-plugins/pkg/middleware"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

// DefaultMaxUploadBytes bounds artifact and manifest request bodies
const DefaultMaxUploadBytes = 64 << 20

// Options wires the server to its collaborators. Only Admitter is required.
type Options struct {
	Admitter  *admission.Admitter
	Artifacts storage.ArtifactStore
	Registry  *discovery.Registry
	Health    *observability.HealthChecker

	Logger          *logrus.Logger
	Metrics         *observability.Metrics
	MetricsRegistry *prometheus.Registry

	MaxUploadBytes int64
	// RateLimiter, when set, limits the endpoints that accept artifact and
	// manifest bodies per client IP
	RateLimiter middleware.Limiter
}

// Server is the admission HTTP API
type Server struct {
	router    *mux.Router
	admitter  *admission.Admitter
	artifacts storage.ArtifactStore
	registry  *discovery.Registry
	health    *observability.HealthChecker
	logger    *logrus.Logger
	maxUpload int64
	limit     func(http.Handler) http.Handler
	handler   http.Handler
}

// NewServer creates the server and registers its routes
func NewServer(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Health == nil {
		opts.Health = observability.NewHealthChecker("", nil, nil)
	}
	s := &Server{
		router:    mux.NewRouter(),
		admitter:  opts.Admitter,
		artifacts: opts.Artifacts,
		registry:  opts.Registry,
		health:    opts.Health,
		logger:    observability.OrDefault(opts.Logger),
		maxUpload: opts.MaxUploadBytes,
		limit:     func(h http.Handler) http.Handler { return h },
	}
	if opts.RateLimiter != nil {
		s.limit = middleware.RateLimit(opts.RateLimiter, s.logger)
	}
	if opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	}
	s.setupRoutes(opts.MetricsRegistry)

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)
	s.handler = otelhttp.NewHandler(chain(s.router), "opnetplg-api")
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(registry *prometheus.Registry) {
	s.router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
	s.router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	if registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(registry)).Methods("GET")
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Admission
	v1.Handle("/artifacts/admit", s.limited(s.admitArtifact)).Methods("POST")
	v1.Handle("/artifacts/inspect", s.limited(s.inspectArtifact)).Methods("POST")
	v1.Handle("/manifests/validate", s.limited(s.validateManifest)).Methods("POST")

	// Stored artifacts
	if s.artifacts != nil {
		v1.HandleFunc("/artifacts", s.listArtifacts).Methods("GET")
		v1.Handle("/artifacts/{name}", s.limited(s.putArtifact)).Methods("PUT")
		v1.HandleFunc("/artifacts/{name}", s.deleteArtifact).Methods("DELETE")
		v1.HandleFunc("/artifacts/{name}/disable", s.disableArtifact).Methods("POST")
		v1.HandleFunc("/artifacts/{name}/enable", s.enableArtifact).Methods("POST")
	}

	// Decision records
	v1.HandleFunc("/decisions", s.listDecisions).Methods("GET")
	v1.HandleFunc("/decisions/{id}", s.getDecision).Methods("GET")

	// Plugin state
	if s.registry != nil {
		v1.HandleFunc("/plugins", s.listPlugins).Methods("GET")
		v1.HandleFunc("/plugins/{name}", s.getPlugin).Methods("GET")
		v1.HandleFunc("/plugins/{name}/transition", s.transitionPlugin).Methods("POST")
	}

	// Static tables
	v1.HandleFunc("/hooks", s.listHooks).Methods("GET")
	v1.HandleFunc("/lifecycle/transitions", s.listTransitions).Methods("GET")
	v1.HandleFunc("/lifecycle/check", s.checkTransition).Methods("POST")
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	return s.limit(h)
}

// Router exposes the route table, mainly for tests
func (s *Server) Router() *mux.Router { return s.router }

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

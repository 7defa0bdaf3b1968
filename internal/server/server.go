// Package server wires the HTTP router, middleware, and request
// handlers together: chi for routing, secureHeaders and requireAuth as
// the cross-cutting middleware, and the resilience collaborators
// (registry, rate limiter, cache, metrics, harvester) as constructor
// dependencies rather than globals.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/harvester"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/ratelimit"
)

// Server holds the HTTP router and every dependency the handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config

	registry  *provider.Registry
	limiter   *ratelimit.Limiter
	respCache cache.Cache
	metrics   *metrics.Metrics
	harvester *harvester.Client

	bridgeURL  string
	httpClient *http.Client

	startedAt time.Time
	now       func() time.Time
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(
	cfg *config.Config,
	registry *provider.Registry,
	limiter *ratelimit.Limiter,
	respCache cache.Cache,
	m *metrics.Metrics,
	h *harvester.Client,
	bridgeURL string,
	httpClient *http.Client,
) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		limiter:    limiter,
		respCache:  respCache,
		metrics:    m,
		harvester:  h,
		bridgeURL:  bridgeURL,
		httpClient: httpClient,
		startedAt:  time.Now(),
		now:        time.Now,
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders)
	if s.cfg.Auth.RequireAuth {
		r.Use(requireAuth(s.cfg.Auth.MasterKey))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Handle("/metrics/prometheus", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

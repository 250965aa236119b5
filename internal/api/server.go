package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/engine"
	"github.com/opensource-finance/sentinel/internal/metrics"
)

// Options configures the HTTP server.
type Options struct {
	Server    domain.ServerConfig
	Auth      domain.AuthConfig
	RateLimit domain.RateLimitConfig
	Tracing   domain.TracingConfig

	Service *engine.Service

	// Counters backs rate limiting; nil disables it.
	Counters domain.Cache

	// Checks are pinged by /ready, keyed by name.
	Checks map[string]Pinger

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires routes and middleware.
func NewServer(opts Options) *Server {
	handler := NewHandler(opts.Service, opts.Checks, opts.Version, opts.Server.MaxBatchSize)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware(opts.Tracing))
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware(opts.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Probes are never rate limited.
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if opts.Gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	admin := AdminMiddleware(opts.Auth)

	router.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(opts.Counters, opts.RateLimit.RequestsPerMinute))

		r.Post("/analyze", handler.Analyze)
		r.Post("/analyze/batch", handler.AnalyzeBatch)

		r.Get("/patterns", handler.ListPatterns)
		r.Get("/patterns/{customerId}", handler.GetPattern)
		r.Post("/patterns/{customerId}/build", handler.BuildPattern)
		r.With(admin).Delete("/patterns", handler.ClearPatterns)

		r.Get("/customers/{customerId}/risk-report", handler.RiskReport)

		r.Get("/config", handler.GetConfig)
		r.With(admin).Put("/config", handler.UpdateConfig)

		r.Get("/stats", handler.GetStats)
		r.With(admin).Post("/stats/reset", handler.ResetStats)

		r.Get("/verdicts/{transactionId}", handler.GetVerdict)

		r.Get("/rules", handler.ListRules)
		r.With(admin).Post("/rules", handler.CreateRule)
		r.With(admin).Post("/rules/reload", handler.ReloadRules)
		r.With(admin).Delete("/rules/{id}", handler.DeleteRule)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  opts.Server,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

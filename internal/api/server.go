package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/join"
	"github.com/opensource-finance/cfdi-analytics/internal/sandbox"
	"github.com/opensource-finance/cfdi-analytics/internal/setop"
	"github.com/opensource-finance/cfdi-analytics/internal/stats"
	"github.com/opensource-finance/cfdi-analytics/internal/worker"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the API exposes. Jobs, Cache, Bus and Health
// may be nil.
type Deps struct {
	Records domain.RecordStore
	Stats   *stats.Service
	Joins   *join.Engine
	Sets    *setop.Engine
	Scripts *sandbox.Service
	Jobs    *worker.Worker
	Reports domain.ReportSerializer

	Health    Pinger
	Cache     domain.Cache
	Bus       domain.EventBus
	RateLimit domain.RateLimitConfig
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/aggregate", handler.Aggregate)
		r.Post("/stats/central-tendency", handler.CentralTendency)
		r.Post("/stats/basic", handler.BasicStats)

		r.Get("/join/predefined", handler.ListJoins)
		r.Post("/join/predefined", handler.ExecutePredefinedJoin)
		r.Post("/join", handler.ExecuteCustomJoin)

		r.Post("/sets/operation", handler.SetOperation)

		r.Route("/scripts", func(r chi.Router) {
			if deps.RateLimit.Enabled {
				r.Use(NewRateLimiter(deps.RateLimit, deps.Cache).Middleware)
			}
			r.Post("/execute", handler.ExecuteScript)
			r.Get("/jobs/{id}", handler.GetJob)
			r.Post("/sql", handler.ExecuteSQL)
			r.Post("/sql/explain", handler.ExplainSQL)
			r.Get("/queries/predefined", handler.PredefinedQueries)
			r.Get("/examples", handler.Examples)
			r.Get("/status", handler.ScriptStatus)
			r.Delete("/cache", handler.ClearScriptCache)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
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

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

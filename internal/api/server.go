package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Deps are the collaborators served over HTTP. Cache, Bus and Metrics may
// be nil.
type Deps struct {
	Engine  *engine.Engine
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Metrics *metrics.Metrics
	Version string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps.Engine, deps.Repo, deps.Cache, deps.Bus, deps.Version)
	limiter := NewTenantRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(deps.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Operations (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Use(limiter.Middleware)

		// Reference data
		r.Post("/claims", handler.IngestClaim)
		r.Get("/claims/{id}", handler.GetClaim)
		r.Post("/members", handler.IngestMember)
		r.Get("/members/{id}/profile", handler.GetProfile)
		r.Post("/providers", handler.IngestProvider)

		// Evaluation
		r.Post("/evaluate", handler.Evaluate)
		r.Post("/claims/{id}/evaluate", handler.EvaluateClaim)
		r.Get("/assessments/{id}", handler.GetAssessment)

		// Alerts
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/assign", handler.AssignAlert)
		r.Post("/alerts/{id}/escalate", handler.EscalateAlert)
		r.Post("/alerts/{id}/investigations", handler.OpenInvestigation)

		// Investigations
		r.Get("/investigations/{id}", handler.GetInvestigation)
		r.Post("/investigations/{id}/start", handler.StartInvestigation)
		r.Post("/investigations/{id}/escalate", handler.EscalateInvestigation)
		r.Post("/investigations/{id}/close", handler.CloseInvestigation)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Get("/rules/{id}", handler.GetRule)
		r.Put("/rules/{id}", handler.UpdateRule)
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
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
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

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/farmgate/eligibility/internal/assess"
	"github.com/farmgate/eligibility/internal/batch"
	"github.com/farmgate/eligibility/internal/domain"
	"github.com/farmgate/eligibility/internal/registry"
	"github.com/farmgate/eligibility/internal/snapshot"
	"github.com/farmgate/eligibility/internal/waitlist"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, reg *registry.Registry, orchestrator *assess.Orchestrator, wl *waitlist.Manager, runner *batch.Runner, builder *snapshot.Builder, version string) *Server {
	handler := NewHandler(repo, cache, eventBus, reg, orchestrator, wl, runner, builder, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Scheme registry
		r.Post("/schemes", handler.CreateScheme)
		r.Get("/schemes", handler.ListSchemes)
		r.Get("/schemes/{id}", handler.GetScheme)
		r.Put("/schemes/{id}", handler.UpdateScheme)
		r.Get("/schemes/{id}/versions/{version}", handler.GetSchemeVersion)
		r.Post("/schemes/{id}/activate", handler.ActivateScheme)
		r.Post("/schemes/{id}/close", handler.CloseScheme)
		r.Put("/schemes/{id}/capacity", handler.SetCapacity)

		// Assessments
		r.Post("/schemes/{id}/assessments", handler.Assess)
		r.Post("/schemes/{id}/assessments/batch", handler.AssessBatch)
		r.Get("/assessments/{id}", handler.GetAssessment)
		r.Get("/assessments/{id}/audit", handler.GetAuditTrail)
		r.Post("/assessments/{id}/decision", handler.Decide)
		r.Get("/farmers/{id}/assessments", handler.FarmerHistory)

		// Waitlist
		r.Get("/schemes/{id}/waitlist", handler.GetWaitlist)
		r.Post("/assessments/{id}/waitlist/accept", handler.AcceptOffer)
		r.Post("/assessments/{id}/waitlist/decline", handler.DeclineOffer)

		// Tenant configuration
		r.Get("/risk-profile", handler.GetRiskProfile)
		r.Put("/risk-profile", handler.PutRiskProfile)
		r.Get("/derived-features", handler.ListDerivedFeatures)
		r.Put("/derived-features", handler.PutDerivedFeatures)
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

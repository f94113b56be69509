package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, auth *Authenticator, svc Services, version string) *Server {
	handler := NewHandler(svc, version, int64(cfg.MaxUploadMB)<<20)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(routeRecorder)          // Route pattern and claim id for logs and spans
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no actor required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (actor required)
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		// Claim intake and lifecycle
		r.Post("/claims", handler.CreateClaim)
		r.Get("/claims", handler.ListClaims)
		r.Get("/claims/stale", handler.ListStaleClaims)
		r.Route("/claims/{id}", func(r chi.Router) {
			r.Get("/", handler.GetClaim)
			r.Delete("/", handler.ArchiveClaim)
			r.Post("/submit", handler.SubmitClaim)
			r.Post("/transitions", handler.Transition)
			r.Post("/reopen", handler.Reopen)

			r.Get("/documents", handler.ListDocuments)
			r.Post("/documents", handler.UploadDocument)

			r.Post("/fraud/assess", handler.AssessFraud)
			r.Post("/fraud/flags/{code}/review", handler.ReviewFlag)
			r.Post("/fraud/flags/{code}/clear", handler.ClearFlag)

			r.Post("/approvals", handler.RequestApproval)
			r.Get("/approvals/latest", handler.LatestApproval)

			r.Post("/automation", handler.EvaluateAutomation)
			r.Get("/automation", handler.ListAutomation)

			r.Post("/payment", handler.ProcessPayment)
		})

		// Documents
		r.Get("/documents/{id}", handler.GetDocument)
		r.Post("/documents/{id}/process", handler.ProcessDocument)
		r.Get("/extraction/providers", handler.ProviderHealth)

		// Approval decisions
		r.Post("/approvals/{id}/approve", handler.Approve)
		r.Post("/approvals/{id}/reject", handler.Reject)
		r.Post("/approvals/{id}/escalate", handler.Escalate)

		// Fraud rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
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

// Package api exposes the drawdiff HTTP interface.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/drawlens/drawdiff/internal/blob"
	"github.com/drawlens/drawdiff/internal/config"
	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/orchestrator"
	"github.com/drawlens/drawdiff/internal/storage"
)

// Server hosts the HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *observability.Logger
}

// Deps bundles the services the API needs.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Progress     *storage.ProgressReader
	Diffs        *storage.DiffResultRepository
	Summaries    *storage.SummaryRepository
	Audit        *storage.AuditRepository
	Blobs        blob.Store
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg config.ServerConfig, deps Deps, logger *observability.Logger) *Server {
	h := &handler{deps: deps, logger: logger.WithComponent("api")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"drawdiff"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", h.uploadDocument)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.createJob)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", h.getJob)
				r.Get("/progress", h.getProgress)
				r.Get("/results", h.listResults)
				r.Get("/audit", h.listAudit)
				r.Post("/cancel", h.cancelJob)
			})
		})

		r.Route("/results/{diffResultID}", func(r chi.Router) {
			r.Get("/overlay", h.getOverlay)
			r.Put("/summary", h.reviseSummary)
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger.WithComponent("api"),
	}
}

// Handler returns the underlying http.Handler. Used in tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

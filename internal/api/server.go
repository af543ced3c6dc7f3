package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/engine"
	"github.com/procoderhappy/ai-risk-management/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. m may be nil, in which case neither
// request metrics nor /metrics are served.
func NewServer(cfg domain.ServerConfig, eng *engine.Engine, m *metrics.Metrics, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	handler := NewHandler(eng, logger, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware(logger))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(logger))
	router.Use(MetricsMiddleware(m))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if m != nil {
		router.Method(http.MethodGet, "/metrics", m.Handler())
	}

	router.Route("/v1", func(r chi.Router) {
		r.Post("/assess", handler.Assess)
		r.Post("/score", handler.Score)
		r.Post("/score/batch", handler.ScoreBatch)
		r.Post("/compliance", handler.Compliance)

		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/stats", handler.AlertStats)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/acknowledge", handler.TransitionAlert("acknowledge"))
		r.Post("/alerts/{id}/resolve", handler.TransitionAlert("resolve"))
		r.Post("/alerts/{id}/escalate", handler.TransitionAlert("escalate"))

		r.Get("/trends/{subject}/{metric}", handler.Trend)

		r.Get("/audit", handler.Audit)
		r.Get("/audit/verify", handler.VerifyAudit)

		r.Get("/rules", handler.ListRules)
		r.Post("/rules/reload", handler.ReloadRules)
		r.Post("/tables/reload", handler.ReloadTables)
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

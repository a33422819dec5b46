// Package api exposes the HTTP interface for the scanning service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/config"
	"github.com/JakeFAU/pagerisk/internal/metrics"
	"github.com/JakeFAU/pagerisk/internal/scan"
	"github.com/JakeFAU/pagerisk/internal/storage/postgres"
)

// Scanner runs a synchronous scan.
type Scanner interface {
	Scan(ctx context.Context, url string) (scan.Report, error)
}

// Analyzer scores caller-supplied markup.
type Analyzer interface {
	Analyze(html, finalURL string) scan.AnalysisResult
}

// Enqueuer accepts batch jobs for the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item scan.QueueItem) error
}

// Canceler interrupts a running job.
type Canceler interface {
	Cancel(jobID string) bool
}

// ReportLister reads archived reports.
type ReportLister interface {
	RecentReports(ctx context.Context, url string, limit int) ([]postgres.ReportSummary, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps groups the collaborators of a Server. Jobs, Reports and Cancels are
// optional; the matching routes answer 501 or skip the step without them.
type Deps struct {
	Scanner  Scanner
	Analyzer Analyzer
	JobStore scan.JobStore
	Enqueuer Enqueuer
	Cancels  Canceler
	Reports  ReportLister
	IDs      scan.IDGenerator
	Clock    scan.Clock
	Ready    []ReadinessCheck
}

// Server wires HTTP handlers to the scanner, the job pipeline and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/scan", s.scanURL)
		r.Post("/analyze", s.analyzeHTML)
		r.Get("/reports", s.listReports)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "pagerisk",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

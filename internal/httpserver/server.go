package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/restosync/core/internal/config"
)

// ReadinessCheck reports whether a dependency (store, cache, ...) is
// reachable. A non-nil error is surfaced verbatim in the /readyz body.
type ReadinessCheck func(ctx context.Context) error

// Server holds the HTTP server dependencies. Authentication and
// tenant-schema resolution are out of scope for this module (spec.md §1);
// domain routers are mounted directly on APIRouter.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // /api/v1 sub-router; domain handlers mount here
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	checks    map[string]ReadinessCheck
	startedAt time.Time
}

// NewServer creates an HTTP server with the standard middleware chain and
// health/metrics endpoints. Domain handlers (queue, reservations,
// command-cards, /ws/sync) should be mounted on APIRouter / Router after
// calling NewServer.
func NewServer(cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry, checks map[string]ReadinessCheck) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		checks:    checks,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Terminal-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	var results []checkResult
	allOK := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.Logger.Error("readiness check failed", "check", name, "error", err)
			results = append(results, checkResult{Name: name, Status: "fail", Error: err.Error()})
			allOK = false
			continue
		}
		results = append(results, checkResult{Name: name, Status: "ok"})
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}

	Respond(w, httpStatus, map[string]any{
		"status": status,
		"checks": results,
	})
}

// HandleStatus returns uptime information. Mounted by the caller wherever a
// lightweight status endpoint is desired beyond /healthz.
func (s *Server) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.startedAt)
	Respond(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime":         uptime.Truncate(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
	})
}

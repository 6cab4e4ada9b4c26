package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/patient-flow-orchestrator/internal/logger"
	"github.com/hackgods/patient-flow-orchestrator/internal/orchestrator"
)

type RouterConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Checks       map[string]Check
	Metrics      http.Handler
	Log          *logrus.Entry
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = logger.Discard().WithComponent("api")
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	h := &handlers{orch: cfg.Orchestrator, log: cfg.Log}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))

		r.Post("/checkins", h.checkIn)

		r.Route("/doctors/{doctorID}", func(r chi.Router) {
			r.Post("/call-next", h.callNext)
			r.Get("/queue", h.snapshot)
			r.Get("/stats", h.stats)
		})

		r.Route("/appointments/{id}", func(r chi.Router) {
			r.Post("/start", h.start)
			r.Post("/complete", h.complete)
			r.Post("/cancel", h.cancel)
			r.Post("/reminder", h.scheduleReminder)
			r.Post("/lab-result", h.labResult)
			r.Get("/notifications", h.notifications)
		})

		r.Post("/privacy/export", h.requestExport)
		r.Post("/privacy/erasure", h.requestErasure)
	})

	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

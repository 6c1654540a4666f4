// Package api wires the four HTTP endpoints of the ingress contract
// onto a fixed, non-dynamic middleware composition: RateLimiter wraps
// every route so rate-limit headers appear on every response, with
// Authenticator ∘ Sanitizer ∘ Orchestrator layered underneath it for
// the mutating detections and audit-query endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/auth"
	"github.com/technosupport/ts-vms/internal/delivery"
	"github.com/technosupport/ts-vms/internal/metrics"
	"github.com/technosupport/ts-vms/internal/middleware"
	"github.com/technosupport/ts-vms/internal/orchestrator"
	"github.com/technosupport/ts-vms/internal/queue"
	"github.com/technosupport/ts-vms/internal/ratelimit"
)

// Deps collects every dependency the router needs to construct its
// handlers and middleware. None may be nil except Mirror, which is
// optional (its absence degrades only the audit-query endpoint).
type Deps struct {
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Orchestrator  *orchestrator.Orchestrator
	Journal       *audit.Journal
	Mirror        *audit.Mirror
	Queue         *queue.Store
	Worker        *delivery.Worker
	Collector     *metrics.Collector
	Log           *slog.Logger
}

// NewRouter builds the complete HTTP handler for this service. The
// composition is fixed at construction time; there is no dynamic
// route or middleware registration at runtime.
func NewRouter(d Deps) http.Handler {
	authMW := middleware.NewAuthMiddleware(d.Authenticator, d.Journal, d.Log)
	rateLimitMW := middleware.NewRateLimitMiddleware(d.Limiter, d.Journal, d.Log)

	detections := NewDetectionsHandler(d.Orchestrator, d.Log)
	health := NewHealthHandler(d.Queue, d.Worker)
	auditHandler := NewAuditHandler(d.Mirror)

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(d.Log))
	// Rate-limit headers apply to every response (spec.md §6), so this
	// middleware sits above the whole route tree rather than only the
	// authenticated group below; it falls back to IP-scoped limiting for
	// requests that never reach (or fail) authentication.
	r.Use(rateLimitMW.Middleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health.GetHealth)

		r.Group(func(r chi.Router) {
			r.Use(authMW.Middleware)
			r.Post("/detections", detections.Create)
			r.Get("/audit/events", auditHandler.GetEvents)
		})
	})

	r.Handle("/metrics", d.Collector.Handler())

	return r
}

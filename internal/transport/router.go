package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Workflows    WorkflowCatalog
	Runs         RunService
	Readiness    observability.ReadinessChecks
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildCaller(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/workflows", handleWorkflowList(deps.Workflows))
		r.Get("/workflows/{workflowId}", handleWorkflowGet(deps.Workflows))
		r.Post("/workflows/{workflowId}/runs", handleRunTrigger(deps.Workflows, deps.Runs))
		r.Get("/workflows/{workflowId}/runs", handleRunList(deps.Workflows, deps.Runs))
		r.Get("/runs/{runId}", handleRunGet(deps.Runs))
		r.Get("/runs/{runId}/events", handleRunEvents(deps.Runs))
	})

	return r
}

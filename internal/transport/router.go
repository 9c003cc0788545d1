package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowline/internal/config"
	"github.com/pitabwire/flowline/internal/engine"
	"github.com/pitabwire/flowline/internal/identity"
	"github.com/pitabwire/flowline/internal/observability"
	"github.com/pitabwire/flowline/internal/template"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *engine.Engine
	Templates    *template.Service
	Users        identity.Directory
	Authenticate func(http.Handler) http.Handler
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware, applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(observability.TracingMiddleware)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/api/flow-instances", func(r chi.Router) {
			r.Post("/", handleFlowStart(deps.Engine))
			r.Get("/", handleFlowList(deps.Engine))
			r.Get("/{instanceId}", handleFlowGet(deps.Engine))
			r.Post("/{instanceId}/terminate", handleFlowTerminate(deps.Engine))
		})

		r.Route("/api/tasks/{taskId}", func(r chi.Router) {
			r.Post("/complete", handleTaskComplete(deps.Engine))
			r.Post("/reject", handleTaskReject(deps.Engine))
			r.Post("/reassign", handleTaskReassign(deps.Engine))
		})

		r.Get("/api/users/me/tasks", handleMyTasks(deps.Engine))
		r.Get("/api/users/{userId}/tasks", handleUserTasks(deps.Engine, deps.Users))

		r.Route("/api/flow-templates", func(r chi.Router) {
			r.Get("/", handleTemplateList(deps.Templates))
			r.Post("/", handleTemplateCreate(deps.Templates))
			r.Get("/{templateId}", handleTemplateGet(deps.Templates))
			r.Put("/{templateId}", handleTemplateUpdate(deps.Templates))
			r.Post("/{templateId}/publish", handleTemplatePublish(deps.Templates))
			r.Post("/{templateId}/retire", handleTemplateRetire(deps.Templates))
			r.Put("/{templateId}/roles/{roleId}/members", handleRoleMembers(deps.Templates))
			r.Delete("/{templateId}", handleTemplateDelete(deps.Templates))
		})
	})

	return r
}

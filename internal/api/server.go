// Package api is the REST boundary of the engine.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"flowspec/backend/internal/auth"
	"flowspec/backend/internal/logging"
	"flowspec/backend/internal/repository"
	"flowspec/backend/internal/services"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server holds the dependencies of the REST handlers.
type Server struct {
	engine   *services.Engine
	repo     repository.Repository
	log      *logging.Logger
	gatherer prometheus.Gatherer

	// Issuer is substituted into the served OpenAPI document.
	Issuer string
}

// NewServer creates a new Server. A nil gatherer disables /metrics.
func NewServer(engine *services.Engine, repo repository.Repository, log *logging.Logger, gatherer prometheus.Gatherer) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	return &Server{engine: engine, repo: repo, log: log, gatherer: gatherer}
}

// Register installs middleware and every route on e. authn must inject an
// auth.Identity into the request context.
func (s *Server) Register(e *echo.Echo, authn echo.MiddlewareFunc) {
	e.HTTPErrorHandler = s.handleError
	e.Pre(ForbiddenRoutes())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("flowspec"))

	e.GET("/healthz", s.HandleHealth)
	e.GET("/openapi.yaml", SpecHandler(s.Issuer))
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1", authn)
	read := requireScope(auth.ScopeFlowRead)
	exec := requireScope(auth.ScopeFlowExecute)
	admin := requireScope(auth.ScopeWorkflowAdmin)

	v1.GET("/workflows", s.ListWorkflows, read)
	v1.POST("/workflows", s.CreateWorkflow, admin)
	v1.POST("/workflows/import", s.ImportTemplates, admin)
	v1.GET("/workflows/:workflowId", s.GetWorkflow, read)
	v1.GET("/workflows/:workflowId/builder", s.GetBuilderView, read)
	v1.POST("/workflows/:workflowId/validate", s.Validate, admin)
	v1.POST("/workflows/:workflowId/publish", s.Publish, admin)
	v1.POST("/workflows/:workflowId/revert", s.RevertToDraft, admin)
	v1.POST("/workflows/:workflowId/branch", s.BranchFromVersion, admin)
	v1.GET("/workflows/:workflowId/versions", s.ListVersions, read)
	v1.GET("/workflows/:workflowId/versions/:version", s.GetVersion, read)

	v1.POST("/workflows/:workflowId/nodes", s.AddNode, admin)
	v1.PATCH("/workflows/:workflowId/nodes/:nodeId", s.UpdateNode, admin)
	v1.DELETE("/workflows/:workflowId/nodes/:nodeId", s.DeleteNode, admin)
	v1.PUT("/workflows/:workflowId/nodes/:nodeId/position", s.UpdateNodePosition, admin)
	v1.POST("/workflows/:workflowId/nodes/:nodeId/tasks", s.AddTask, admin)
	v1.PATCH("/workflows/:workflowId/nodes/:nodeId/tasks/:taskId", s.UpdateTask, admin)
	v1.DELETE("/workflows/:workflowId/nodes/:nodeId/tasks/:taskId", s.DeleteTask, admin)
	v1.POST("/workflows/:workflowId/nodes/:nodeId/tasks/:taskId/outcomes", s.AddOutcome, admin)
	v1.DELETE("/workflows/:workflowId/nodes/:nodeId/tasks/:taskId/outcomes/:outcome", s.DeleteOutcome, admin)
	v1.PUT("/workflows/:workflowId/gates", s.SetGate, admin)
	v1.DELETE("/workflows/:workflowId/gates/:gateId", s.DeleteGate, admin)
	v1.POST("/workflows/:workflowId/fan-out-rules", s.AddFanOutRule, admin)
	v1.DELETE("/workflows/:workflowId/fan-out-rules/:ruleId", s.DeleteFanOutRule, admin)

	v1.POST("/workflows/:workflowId/draft/commit", s.CommitDraft, admin)
	v1.DELETE("/workflows/:workflowId/draft", s.DiscardDraft, admin)
	v1.POST("/workflows/:workflowId/draft/restore", s.RestoreDraft, admin)
	v1.GET("/workflows/:workflowId/draft/events", s.ListDraftEvents, read)
	v1.GET("/workflows/:workflowId/draft/diff", s.DiffDraftEvents, read)

	v1.POST("/flows", s.CreateFlow, exec)
	v1.GET("/flows/:flowId", s.GetFlowDetail, read)
	v1.GET("/flows/:flowId/progress", s.FlowProgress, read)
	v1.GET("/flows/:flowId/actionable", s.ActionableTasks, read)
	v1.POST("/flows/:flowId/suspend", s.SuspendFlow, exec)
	v1.POST("/flows/:flowId/resume", s.ResumeFlow, exec)
	v1.POST("/flows/:flowId/tasks/:taskId/start", s.StartTask, exec)
	v1.POST("/flows/:flowId/tasks/:taskId/outcome", s.RecordOutcome, exec)
	v1.POST("/flows/:flowId/tasks/:taskId/evidence", s.AttachEvidence, exec)
	v1.GET("/flows/:flowId/tasks/:taskId/evidence", s.ListEvidence, read)
	v1.POST("/flows/:flowId/detours", s.OpenDetour, exec)
	v1.GET("/flows/:flowId/detours", s.ListDetours, read)
	v1.POST("/detours/:detourId/remediate", s.TriggerRemediation, exec)
	v1.GET("/flows/:flowId/fan-out-failures", s.ListFanOutFailures, read)
	v1.POST("/fan-out-failures/:failureId/resolve", s.ResolveFanOutFailure, exec)
	v1.GET("/flow-groups/:groupId", s.FlowGroupView, read)
	v1.GET("/actionable", s.ActionableTasksForScope, read)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

// HandleHealth reports liveness and database reachability. An unreachable
// database yields 503.
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "flowspec",
		Version:   Version,
		Database:  "ok",
	}
	code := http.StatusOK
	if err := s.repo.Ping(c.Request().Context()); err != nil {
		s.log.Warn("health check failed", "error", err)
		status.Status = "degraded"
		status.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response, extended
// with the engine's error code and details.
type ProblemDetails struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail"`
	Instance string         `json:"instance,omitempty"`
	Code     string         `json:"code,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// StatusOf maps an engine error code to its HTTP status.
func StatusOf(code services.Code) int {
	switch code {
	case services.CodeWorkflowNotFound, services.CodeFlowNotFound, services.CodeTaskNotFound,
		services.CodeEventNotFound, services.CodeNodeNotFound, services.CodeDetourNotFound,
		services.CodeVersionNotFound, services.CodeFailureNotFound, services.CodeFlowGroupNotFound:
		return http.StatusNotFound
	case services.CodeValidationFailed, services.CodeValidationError, services.CodeInvalidOutcome:
		return http.StatusUnprocessableEntity
	case services.CodeInputRequired:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

// handleError renders every error as problem+json. Engine errors keep
// their code; anything else unexpected becomes an opaque 500.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	problem := ProblemDetails{Type: "about:blank", Instance: c.Request().URL.Path}

	var (
		svcErr  *services.Error
		httpErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &svcErr):
		problem.Status = StatusOf(svcErr.Code)
		problem.Code = string(svcErr.Code)
		problem.Detail = svcErr.Message
		problem.Details = svcErr.Details
	case errors.As(err, &httpErr):
		problem.Status = httpErr.Code
		problem.Detail = fmt.Sprint(httpErr.Message)
	default:
		problem.Status = http.StatusInternalServerError
		problem.Detail = "internal error"
		s.log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	problem.Title = http.StatusText(problem.Status)

	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if err := c.JSON(problem.Status, problem); err != nil {
		s.log.Error("failed to write problem response", "error", err)
	}
}

// forbiddenRoutes are mutations of append-only truth and of immutable
// bindings. They are rejected before routing.
var forbiddenRoutes = []struct {
	methods []string
	pattern *regexp.Regexp
}{
	{[]string{http.MethodPatch, http.MethodPut, http.MethodDelete}, regexp.MustCompile(`^/api/v1/flows/[^/]+/tasks/[^/]+/outcomes?(/.*)?$`)},
	{[]string{http.MethodPatch, http.MethodPut, http.MethodDelete}, regexp.MustCompile(`^/api/v1/flows/[^/]+/executions(/.*)?$`)},
	{[]string{http.MethodDelete, http.MethodPatch, http.MethodPut}, regexp.MustCompile(`^/api/v1/flows/[^/]+/tasks/[^/]+/evidence(/.*)?$`)},
	{[]string{http.MethodDelete}, regexp.MustCompile(`^/api/v1/evidence(/.*)?$`)},
	{[]string{http.MethodPatch, http.MethodPut, http.MethodDelete}, regexp.MustCompile(`^/api/v1/workflows/[^/]+/versions(/.*)?$`)},
	{[]string{http.MethodPatch, http.MethodPut}, regexp.MustCompile(`^/api/v1/flows/[^/]+(/(workflow|version|binding))?$`)},
}

// ForbiddenRoutes rejects route shapes that would mutate recorded
// outcomes, evidence, published versions or a flow's workflow binding.
func ForbiddenRoutes() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, r := range forbiddenRoutes {
				for _, m := range r.methods {
					if req.Method == m && r.pattern.MatchString(req.URL.Path) {
						return echo.NewHTTPError(http.StatusMethodNotAllowed, "this resource is append-only")
					}
				}
			}
			return next(c)
		}
	}
}

func requireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := auth.FromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
			}
			if !id.HasScope(scope) {
				return echo.NewHTTPError(http.StatusForbidden, "missing scope "+scope)
			}
			return next(c)
		}
	}
}

type authIdentity = auth.Identity

func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.FromContext(c.Request().Context())
	if !ok || id.CompanyID == "" {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "company not found in context")
	}
	return id, nil
}

// pathParam binds a simple-style path parameter into dest.
func pathParam(c echo.Context, name string, dest any) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), dest,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return nil
}

// queryParam binds a form-style query parameter into dest.
func queryParam(c echo.Context, name string, required bool, dest any) error {
	if err := runtime.BindQueryParameter("form", true, required, name, c.QueryParams(), dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return nil
}

func bind(c echo.Context, dest any) error {
	if err := c.Bind(dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}

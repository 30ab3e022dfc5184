package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"flowspec/backend/internal/auth"
	"flowspec/backend/internal/repository/memory"
	"flowspec/backend/internal/services"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const templateDoc = `
workflows:
  - key: job
    name: Job
    nodes:
      - key: intake
        name: Intake
        entry: true
        tasks:
          - {key: survey, name: Survey, outcomes: [DONE]}
      - key: finish
        name: Finish
        tasks:
          - {key: signoff, name: Sign off, outcomes: [APPROVED]}
    gates:
      - {from: intake, outcome: DONE, to: finish}
      - {from: finish, outcome: APPROVED}
`

// staticAuthn injects a fixed identity, standing in for the OIDC middleware.
func staticAuthn(scopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := auth.Identity{CompanyID: "company-1", ActorID: "alice@example.com", Scopes: scopes}
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

type testServer struct {
	t    *testing.T
	echo *echo.Echo
}

func newTestServer(t *testing.T, scopes ...string) *testServer {
	t.Helper()
	if len(scopes) == 0 {
		scopes = auth.AllScopes
	}
	store := memory.NewStore()
	reg := prometheus.NewRegistry()
	engine := services.NewEngine(store, services.Options{Metrics: services.NewMetrics(reg)})
	srv := NewServer(engine, store, nil, reg)
	srv.Issuer = "https://id.example.com"
	e := echo.New()
	srv.Register(e, staticAuthn(scopes...))
	return &testServer{t: t, echo: e}
}

func (s *testServer) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

// call sends a JSON request, asserts the status and decodes the response.
func (s *testServer) call(method, path, body string, want int) map[string]any {
	s.t.Helper()
	rec := s.do(method, path, echo.MIMEApplicationJSON, body)
	require.Equal(s.t, want, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return out
}

func (s *testServer) list(path string) []map[string]any {
	s.t.Helper()
	rec := s.do(http.MethodGet, path, "", "")
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	var out []map[string]any
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *testServer) importJob() string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/workflows/import", "application/yaml", templateDoc)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var created []map[string]any
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(s.t, created, 1)
	return created[0]["id"].(string)
}

func TestWorkflowToCompletedFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	wf := s.importJob()
	base := "/api/v1/workflows/" + wf

	problem := s.call(http.MethodPost, base+"/publish", "", http.StatusConflict)
	assert.Equal(t, "WORKFLOW_NOT_VALIDATED", problem["code"])

	res := s.call(http.MethodPost, base+"/validate", "", http.StatusOK)
	assert.Equal(t, true, res["valid"])
	version := s.call(http.MethodPost, base+"/publish", "", http.StatusCreated)
	assert.EqualValues(t, 1, version["version"])
	assert.Len(t, s.list(base+"/versions"), 1)
	s.call(http.MethodGet, base+"/versions/1", "", http.StatusOK)
	s.call(http.MethodGet, base+"/versions/2", "", http.StatusNotFound)

	created := s.call(http.MethodPost, "/api/v1/flows",
		`{"workflow_id":"`+wf+`","scope":{"type":"job","id":"J-1"}}`, http.StatusCreated)
	flowID := created["flow"].(map[string]any)["id"].(string)
	flow := "/api/v1/flows/" + flowID

	actionable := s.list(flow + "/actionable")
	require.Len(t, actionable, 1)
	assert.Equal(t, "survey", actionable[0]["task_id"])

	s.call(http.MethodPost, flow+"/tasks/survey/start", "", http.StatusCreated)
	s.call(http.MethodPost, flow+"/tasks/survey/start", "", http.StatusConflict)

	ev := `{"type":"photo","data":{"url":"s3://bucket/a.jpg"},"idempotency_key":"k1"}`
	first := s.call(http.MethodPost, flow+"/tasks/survey/evidence", ev, http.StatusCreated)
	again := s.call(http.MethodPost, flow+"/tasks/survey/evidence", ev, http.StatusOK)
	assert.Equal(t, first["id"], again["id"])
	assert.Len(t, s.list(flow+"/tasks/survey/evidence"), 1)

	problem = s.call(http.MethodPost, flow+"/tasks/survey/outcome", `{"outcome":"NOPE"}`, http.StatusUnprocessableEntity)
	assert.Equal(t, "INVALID_OUTCOME", problem["code"])
	out := s.call(http.MethodPost, flow+"/tasks/survey/outcome", `{"outcome":"DONE"}`, http.StatusOK)
	assert.Equal(t, true, out["node_completed"])

	s.call(http.MethodPost, flow+"/tasks/signoff/start", "", http.StatusCreated)
	out = s.call(http.MethodPost, flow+"/tasks/signoff/outcome", `{"outcome":"APPROVED"}`, http.StatusOK)
	assert.Equal(t, true, out["flow_completed"])

	progress := s.call(http.MethodGet, flow+"/progress", "", http.StatusOK)
	assert.Equal(t, "COMPLETED", progress["status"])
	detail := s.call(http.MethodGet, flow, "", http.StatusOK)
	assert.EqualValues(t, 1, detail["version"])

	group := s.call(http.MethodGet, "/api/v1/flow-groups/"+created["flow_group_id"].(string), "", http.StatusOK)
	assert.NotNil(t, group)
	assert.Empty(t, s.list("/api/v1/actionable?scope_type=job&scope_id=J-1"))
}

func TestDraftEditingOverHTTP(t *testing.T) {
	s := newTestServer(t)
	base := "/api/v1/workflows/" + s.importJob()

	s.call(http.MethodPatch, base+"/nodes/intake", `{"name":"Site intake"}`, http.StatusOK)
	s.call(http.MethodPut, base+"/nodes/intake/position", `{"x":1,"y":2}`, http.StatusNoContent)
	s.call(http.MethodPost, base+"/nodes/intake/tasks/survey/outcomes", `{"name":"SKIPPED"}`, http.StatusNoContent)
	s.call(http.MethodPut, base+"/gates", `{"source_node_id":"intake","outcome_name":"SKIPPED","target_node_id":"finish"}`, http.StatusOK)

	builder := s.call(http.MethodGet, base+"/builder", "", http.StatusOK)
	assert.Equal(t, true, builder["has_draft"])

	first := s.call(http.MethodPost, base+"/draft/commit", `{"label":"rename"}`, http.StatusCreated)
	s.call(http.MethodPost, base+"/draft/commit", `{}`, http.StatusConflict)
	s.call(http.MethodDelete, base+"/nodes/intake/tasks/survey/outcomes/SKIPPED", "", http.StatusNoContent)
	second := s.call(http.MethodPost, base+"/draft/commit", `{}`, http.StatusCreated)

	events := s.list(base + "/draft/events")
	assert.Len(t, events, 2)

	rec := s.do(http.MethodGet, base+"/draft/diff?from="+first["id"].(string)+"&to="+second["id"].(string), "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMETextPlain))
	assert.Contains(t, rec.Body.String(), "SKIPPED")

	s.call(http.MethodGet, base+"/draft/diff?from="+first["id"].(string), "", http.StatusBadRequest)
	s.call(http.MethodPost, base+"/draft/restore", `{"event_id":"`+first["id"].(string)+`"}`, http.StatusCreated)

	s.call(http.MethodPost, base+"/nodes", `{"name":"Extra"}`, http.StatusCreated)
	discarded := s.call(http.MethodDelete, base+"/draft", "", http.StatusOK)
	assert.Equal(t, true, discarded["discarded"])
}

func TestProblemDetails(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/v1/workflows/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "WORKFLOW_NOT_FOUND", problem.Code)
	assert.Equal(t, "Not Found", problem.Title)
	assert.Equal(t, "/api/v1/workflows/missing", problem.Instance)

	problem2 := s.call(http.MethodPost, "/api/v1/flows", `{"workflow_id":"x"}`, http.StatusBadRequest)
	assert.Equal(t, "INPUT_REQUIRED", problem2["code"])

	s.call(http.MethodPost, "/api/v1/workflows", `{not json`, http.StatusBadRequest)
	s.call(http.MethodGet, "/api/v1/workflows/w/versions/abc", "", http.StatusBadRequest)
	s.call(http.MethodPost, "/api/v1/workflows/w/branch", "", http.StatusBadRequest)
}

func TestInfrastructureErrorsAreOpaque(t *testing.T) {
	srv := NewServer(nil, memory.NewStore(), nil, nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	srv.handleError(errors.New("pq: connection refused to 10.0.0.3"), e.NewContext(req, rec))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}

func TestStatusOf(t *testing.T) {
	tests := map[services.Code]int{
		services.CodeFlowNotFound:         http.StatusNotFound,
		services.CodeFlowGroupNotFound:    http.StatusNotFound,
		services.CodeValidationFailed:     http.StatusUnprocessableEntity,
		services.CodeInputRequired:        http.StatusBadRequest,
		services.CodeActionabilityBlocked: http.StatusConflict,
		services.CodePublishedImmutable:   http.StatusConflict,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusOf(code), code)
	}
}

func TestForbiddenRoutes(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPatch, "/api/v1/flows/f1/tasks/t1/outcome"},
		{http.MethodDelete, "/api/v1/flows/f1/tasks/t1/outcomes/o1"},
		{http.MethodPut, "/api/v1/flows/f1/executions/e1"},
		{http.MethodDelete, "/api/v1/flows/f1/tasks/t1/evidence"},
		{http.MethodDelete, "/api/v1/evidence/e1"},
		{http.MethodPut, "/api/v1/workflows/w1/versions/1"},
		{http.MethodDelete, "/api/v1/workflows/w1/versions"},
		{http.MethodPatch, "/api/v1/flows/f1"},
		{http.MethodPut, "/api/v1/flows/f1/version"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, echo.MIMEApplicationJSON, `{}`)
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.Contains(t, rec.Body.String(), "append-only")
		})
	}
}

func TestScopesAreEnforced(t *testing.T) {
	s := newTestServer(t, auth.ScopeFlowRead)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/workflows", "", "").Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/v1/workflows", echo.MIMEApplicationJSON, `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/v1/flows", echo.MIMEApplicationJSON, `{}`).Code)

	store := memory.NewStore()
	srv := NewServer(services.NewEngine(store, services.Options{}), store, nil, nil)
	e := echo.New()
	srv.Register(e, func(next echo.HandlerFunc) echo.HandlerFunc { return next })
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	var health HealthStatus
	rec := s.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, Version, health.Version)

	s.importJob()
	rec = s.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAPISpecIsValid(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/openapi.yaml", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://id.example.com/.well-known/openid-configuration")

	doc, err := openapi3.NewLoader().LoadFromData(rec.Body.Bytes())
	require.NoError(t, err)
	require.NoError(t, doc.Validate(t.Context()))

	// every registered /api/v1 route is documented
	for _, r := range s.echo.Routes() {
		if !strings.HasPrefix(r.Path, "/api/v1/") || strings.HasSuffix(r.Path, "*") || strings.HasPrefix(r.Method, "echo_") {
			continue
		}
		path := strings.TrimPrefix(r.Path, "/api/v1")
		parts := strings.Split(path, "/")
		for i, p := range parts {
			if strings.HasPrefix(p, ":") {
				parts[i] = "{" + p[1:] + "}"
			}
		}
		item := doc.Paths.Value(strings.Join(parts, "/"))
		require.NotNil(t, item, "undocumented path %s", r.Path)
		assert.NotNil(t, item.GetOperation(r.Method), "undocumented operation %s %s", r.Method, r.Path)
	}
}

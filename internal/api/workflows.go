package api

import (
	"io"
	"net/http"

	"flowspec/backend/internal/services"
	"flowspec/backend/internal/template"
	"flowspec/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// CreateWorkflowRequest is the body of POST /workflows.
type CreateWorkflowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListWorkflows returns the company's workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	workflows, err := s.engine.Lifecycle.ListWorkflows(c.Request().Context(), id.CompanyID)
	if err != nil {
		return err
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, workflows)
}

// CreateWorkflow creates an empty DRAFT workflow
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req CreateWorkflowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	wf, err := s.engine.Lifecycle.CreateWorkflow(c.Request().Context(), id.CompanyID, id.ActorID, req.Name, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// ImportTemplates creates workflows from a YAML template document
// (POST /api/v1/workflows/import)
func (s *Server) ImportTemplates(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	f, err := template.Parse(data)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	created, err := s.engine.ImportTemplates(c.Request().Context(), id.CompanyID, id.ActorID, f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// GetWorkflow (GET /api/v1/workflows/:workflowId)
func (s *Server) GetWorkflow(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	wf, err := s.engine.Lifecycle.GetWorkflow(c.Request().Context(), id.CompanyID, workflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// GetBuilderView (GET /api/v1/workflows/:workflowId/builder)
func (s *Server) GetBuilderView(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	view, err := s.engine.Drafts.GetBuilderView(c.Request().Context(), id.CompanyID, workflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// Validate (POST /api/v1/workflows/:workflowId/validate)
func (s *Server) Validate(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	res, err := s.engine.Lifecycle.Validate(c.Request().Context(), id.CompanyID, workflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Publish (POST /api/v1/workflows/:workflowId/publish)
func (s *Server) Publish(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	version, err := s.engine.Lifecycle.Publish(c.Request().Context(), id.CompanyID, workflowID, id.ActorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, version)
}

// RevertToDraft (POST /api/v1/workflows/:workflowId/revert)
func (s *Server) RevertToDraft(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	wf, err := s.engine.Lifecycle.RevertToDraft(c.Request().Context(), id.CompanyID, workflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// BranchFromVersion (POST /api/v1/workflows/:workflowId/branch?version=N)
func (s *Server) BranchFromVersion(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var version int
	if err := queryParam(c, "version", true, &version); err != nil {
		return err
	}
	branch, err := s.engine.Lifecycle.BranchFromVersion(c.Request().Context(), id.CompanyID, workflowID, version, id.ActorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, branch)
}

// ListVersions (GET /api/v1/workflows/:workflowId/versions)
func (s *Server) ListVersions(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	versions, err := s.engine.Lifecycle.ListVersions(c.Request().Context(), id.CompanyID, workflowID)
	if err != nil {
		return err
	}
	if versions == nil {
		versions = []*models.WorkflowVersion{}
	}
	return c.JSON(http.StatusOK, versions)
}

// GetVersion (GET /api/v1/workflows/:workflowId/versions/:version)
func (s *Server) GetVersion(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var version int
	if err := pathParam(c, "version", &version); err != nil {
		return err
	}
	v, err := s.engine.Lifecycle.GetVersion(c.Request().Context(), id.CompanyID, workflowID, version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// AddNode (POST /api/v1/workflows/:workflowId/nodes)
func (s *Server) AddNode(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var in services.NodeInput
	if err := bind(c, &in); err != nil {
		return err
	}
	node, err := s.engine.Drafts.AddNode(c.Request().Context(), id.CompanyID, workflowID, id.ActorID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, node)
}

// UpdateNode (PATCH /api/v1/workflows/:workflowId/nodes/:nodeId)
func (s *Server) UpdateNode(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var nodeID string
	if err := pathParam(c, "nodeId", &nodeID); err != nil {
		return err
	}
	var in services.NodeUpdate
	if err := bind(c, &in); err != nil {
		return err
	}
	node, err := s.engine.Drafts.UpdateNode(c.Request().Context(), id.CompanyID, workflowID, nodeID, id.ActorID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

// DeleteNode (DELETE /api/v1/workflows/:workflowId/nodes/:nodeId)
func (s *Server) DeleteNode(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var nodeID string
	if err := pathParam(c, "nodeId", &nodeID); err != nil {
		return err
	}
	if err := s.engine.Drafts.DeleteNode(c.Request().Context(), id.CompanyID, workflowID, nodeID, id.ActorID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// UpdateNodePosition (PUT /api/v1/workflows/:workflowId/nodes/:nodeId/position)
func (s *Server) UpdateNodePosition(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var nodeID string
	if err := pathParam(c, "nodeId", &nodeID); err != nil {
		return err
	}
	var pos models.Position
	if err := bind(c, &pos); err != nil {
		return err
	}
	if err := s.engine.Drafts.UpdateNodePosition(c.Request().Context(), id.CompanyID, workflowID, nodeID, pos); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// AddTask (POST /api/v1/workflows/:workflowId/nodes/:nodeId/tasks)
func (s *Server) AddTask(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var nodeID string
	if err := pathParam(c, "nodeId", &nodeID); err != nil {
		return err
	}
	var in services.TaskInput
	if err := bind(c, &in); err != nil {
		return err
	}
	task, err := s.engine.Drafts.AddTask(c.Request().Context(), id.CompanyID, workflowID, nodeID, id.ActorID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, task)
}

// UpdateTask (PATCH /api/v1/workflows/:workflowId/nodes/:nodeId/tasks/:taskId)
func (s *Server) UpdateTask(c echo.Context) error {
	id, workflowID, nodeID, taskID, err := s.taskRequest(c)
	if err != nil {
		return err
	}
	var in services.TaskUpdate
	if err := bind(c, &in); err != nil {
		return err
	}
	task, err := s.engine.Drafts.UpdateTask(c.Request().Context(), id.CompanyID, workflowID, nodeID, taskID, id.ActorID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// DeleteTask (DELETE /api/v1/workflows/:workflowId/nodes/:nodeId/tasks/:taskId)
func (s *Server) DeleteTask(c echo.Context) error {
	id, workflowID, nodeID, taskID, err := s.taskRequest(c)
	if err != nil {
		return err
	}
	if err := s.engine.Drafts.DeleteTask(c.Request().Context(), id.CompanyID, workflowID, nodeID, taskID, id.ActorID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// AddOutcome (POST /api/v1/workflows/:workflowId/nodes/:nodeId/tasks/:taskId/outcomes)
func (s *Server) AddOutcome(c echo.Context) error {
	id, workflowID, nodeID, taskID, err := s.taskRequest(c)
	if err != nil {
		return err
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.engine.Drafts.AddOutcome(c.Request().Context(), id.CompanyID, workflowID, nodeID, taskID, id.ActorID, req.Name); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteOutcome (DELETE /api/v1/workflows/:workflowId/nodes/:nodeId/tasks/:taskId/outcomes/:outcome)
func (s *Server) DeleteOutcome(c echo.Context) error {
	id, workflowID, nodeID, taskID, err := s.taskRequest(c)
	if err != nil {
		return err
	}
	var outcome string
	if err := pathParam(c, "outcome", &outcome); err != nil {
		return err
	}
	if err := s.engine.Drafts.DeleteOutcome(c.Request().Context(), id.CompanyID, workflowID, nodeID, taskID, id.ActorID, outcome); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// SetGateRequest is the body of PUT /workflows/:workflowId/gates.
type SetGateRequest struct {
	SourceNodeID string  `json:"source_node_id"`
	OutcomeName  string  `json:"outcome_name"`
	TargetNodeID *string `json:"target_node_id"`
}

// SetGate (PUT /api/v1/workflows/:workflowId/gates)
func (s *Server) SetGate(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var req SetGateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	gate, err := s.engine.Drafts.SetGate(c.Request().Context(), id.CompanyID, workflowID, id.ActorID,
		req.SourceNodeID, req.OutcomeName, req.TargetNodeID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, gate)
}

// DeleteGate (DELETE /api/v1/workflows/:workflowId/gates/:gateId)
func (s *Server) DeleteGate(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var gateID string
	if err := pathParam(c, "gateId", &gateID); err != nil {
		return err
	}
	if err := s.engine.Drafts.DeleteGate(c.Request().Context(), id.CompanyID, workflowID, gateID, id.ActorID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// AddFanOutRule (POST /api/v1/workflows/:workflowId/fan-out-rules)
func (s *Server) AddFanOutRule(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var req models.FanOutRule
	if err := bind(c, &req); err != nil {
		return err
	}
	rule, err := s.engine.Drafts.AddFanOutRule(c.Request().Context(), id.CompanyID, workflowID,
		req.SourceNodeID, req.TriggerOutcome, req.TargetWorkflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rule)
}

// DeleteFanOutRule (DELETE /api/v1/workflows/:workflowId/fan-out-rules/:ruleId)
func (s *Server) DeleteFanOutRule(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var ruleID string
	if err := pathParam(c, "ruleId", &ruleID); err != nil {
		return err
	}
	if err := s.engine.Drafts.DeleteFanOutRule(c.Request().Context(), id.CompanyID, workflowID, ruleID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// CommitDraft (POST /api/v1/workflows/:workflowId/draft/commit)
func (s *Server) CommitDraft(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	ev, err := s.engine.Drafts.Commit(c.Request().Context(), id.CompanyID, workflowID, id.ActorID, req.Label)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ev)
}

// DiscardDraft (DELETE /api/v1/workflows/:workflowId/draft)
func (s *Server) DiscardDraft(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	discarded, err := s.engine.Drafts.Discard(c.Request().Context(), id.CompanyID, workflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"discarded": discarded})
}

// RestoreDraft (POST /api/v1/workflows/:workflowId/draft/restore)
func (s *Server) RestoreDraft(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var req struct {
		EventID string `json:"event_id"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	ev, err := s.engine.Drafts.Restore(c.Request().Context(), id.CompanyID, workflowID, req.EventID, id.ActorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ev)
}

// ListDraftEvents (GET /api/v1/workflows/:workflowId/draft/events)
func (s *Server) ListDraftEvents(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	events, err := s.engine.Drafts.ListEvents(c.Request().Context(), id.CompanyID, workflowID)
	if err != nil {
		return err
	}
	if events == nil {
		events = []*models.DraftEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// DiffDraftEvents renders a unified diff as text/plain
// (GET /api/v1/workflows/:workflowId/draft/diff?from=&to=)
func (s *Server) DiffDraftEvents(c echo.Context) error {
	id, workflowID, err := s.workflowRequest(c)
	if err != nil {
		return err
	}
	var from, to string
	if err := queryParam(c, "from", true, &from); err != nil {
		return err
	}
	if err := queryParam(c, "to", true, &to); err != nil {
		return err
	}
	diff, err := s.engine.Drafts.DiffEvents(c.Request().Context(), id.CompanyID, workflowID, from, to)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, diff)
}

func (s *Server) workflowRequest(c echo.Context) (id authIdentity, workflowID string, err error) {
	if id, err = identity(c); err != nil {
		return id, "", err
	}
	err = pathParam(c, "workflowId", &workflowID)
	return id, workflowID, err
}

func (s *Server) taskRequest(c echo.Context) (id authIdentity, workflowID, nodeID, taskID string, err error) {
	if id, workflowID, err = s.workflowRequest(c); err != nil {
		return
	}
	if err = pathParam(c, "nodeId", &nodeID); err != nil {
		return
	}
	err = pathParam(c, "taskId", &taskID)
	return
}

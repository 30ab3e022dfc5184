package api

import (
	"encoding/json"
	"net/http"

	"flowspec/backend/internal/services"
	"flowspec/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// CreateFlowRequest is the body of POST /flows.
type CreateFlowRequest struct {
	WorkflowID      string                  `json:"workflow_id"`
	Scope           models.Scope            `json:"scope"`
	FlowGroupID     string                  `json:"flow_group_id,omitempty"`
	InitialEvidence *services.EvidenceInput `json:"initial_evidence,omitempty"`
}

// CreateFlow (POST /api/v1/flows)
func (s *Server) CreateFlow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req CreateFlowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.engine.Flows.CreateFlow(c.Request().Context(), services.CreateFlowInput{
		CompanyID:       id.CompanyID,
		WorkflowID:      req.WorkflowID,
		Scope:           req.Scope,
		FlowGroupHint:   req.FlowGroupID,
		Actor:           id.ActorID,
		InitialEvidence: req.InitialEvidence,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

// GetFlowDetail (GET /api/v1/flows/:flowId)
func (s *Server) GetFlowDetail(c echo.Context) error {
	id, flowID, err := s.flowRequest(c)
	if err != nil {
		return err
	}
	detail, err := s.engine.Projections.FlowDetail(c.Request().Context(), id.CompanyID, flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

// FlowProgress (GET /api/v1/flows/:flowId/progress)
func (s *Server) FlowProgress(c echo.Context) error {
	id, flowID, err := s.flowRequest(c)
	if err != nil {
		return err
	}
	progress, err := s.engine.Projections.FlowProgress(c.Request().Context(), id.CompanyID, flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, progress)
}

// ActionableTasks (GET /api/v1/flows/:flowId/actionable)
func (s *Server) ActionableTasks(c echo.Context) error {
	id, flowID, err := s.flowRequest(c)
	if err != nil {
		return err
	}
	tasks, err := s.engine.Projections.ActionableTasks(c.Request().Context(), id.CompanyID, flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(tasks))
}

// SuspendFlow (POST /api/v1/flows/:flowId/suspend)
func (s *Server) SuspendFlow(c echo.Context) error {
	id, flowID, err := s.flowRequest(c)
	if err != nil {
		return err
	}
	flow, err := s.engine.Flows.SuspendFlow(c.Request().Context(), id.CompanyID, flowID, id.ActorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

// ResumeFlow (POST /api/v1/flows/:flowId/resume)
func (s *Server) ResumeFlow(c echo.Context) error {
	id, flowID, err := s.flowRequest(c)
	if err != nil {
		return err
	}
	flow, err := s.engine.Flows.ResumeFlow(c.Request().Context(), id.CompanyID, flowID, id.ActorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

// StartTask (POST /api/v1/flows/:flowId/tasks/:taskId/start)
func (s *Server) StartTask(c echo.Context) error {
	id, flowID, taskID, err := s.flowTaskRequest(c)
	if err != nil {
		return err
	}
	exec, err := s.engine.Execution.StartTask(c.Request().Context(), id.CompanyID, flowID, taskID, id.ActorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, exec)
}

// RecordOutcomeRequest is the body of POST .../outcome.
type RecordOutcomeRequest struct {
	Outcome         string          `json:"outcome"`
	TaskExecutionID *string         `json:"task_execution_id,omitempty"`
	DetourID        *string         `json:"detour_id,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// RecordOutcome (POST /api/v1/flows/:flowId/tasks/:taskId/outcome)
func (s *Server) RecordOutcome(c echo.Context) error {
	id, flowID, taskID, err := s.flowTaskRequest(c)
	if err != nil {
		return err
	}
	var req RecordOutcomeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.engine.Execution.RecordOutcome(c.Request().Context(), services.RecordOutcomeInput{
		CompanyID:       id.CompanyID,
		FlowID:          flowID,
		TaskID:          taskID,
		Outcome:         req.Outcome,
		Actor:           id.ActorID,
		TaskExecutionID: req.TaskExecutionID,
		DetourID:        req.DetourID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// AttachEvidence answers 201 for a new attachment and 200 when an
// idempotency key replays an existing one.
// (POST /api/v1/flows/:flowId/tasks/:taskId/evidence)
func (s *Server) AttachEvidence(c echo.Context) error {
	id, flowID, taskID, err := s.flowTaskRequest(c)
	if err != nil {
		return err
	}
	var in services.EvidenceInput
	if err := bind(c, &in); err != nil {
		return err
	}
	in.TaskID = taskID
	ev, created, err := s.engine.Execution.AttachEvidence(c.Request().Context(), services.AttachEvidenceInput{
		CompanyID:     id.CompanyID,
		FlowID:        flowID,
		Actor:         id.ActorID,
		EvidenceInput: in,
	})
	if err != nil {
		return err
	}
	if created {
		return c.JSON(http.StatusCreated, ev)
	}
	return c.JSON(http.StatusOK, ev)
}

// ListEvidence (GET /api/v1/flows/:flowId/tasks/:taskId/evidence)
func (s *Server) ListEvidence(c echo.Context) error {
	id, flowID, taskID, err := s.flowTaskRequest(c)
	if err != nil {
		return err
	}
	evidence, err := s.engine.Projections.ListEvidence(c.Request().Context(), id.CompanyID, flowID, taskID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(evidence))
}

// OpenDetourRequest is the body of POST /flows/:flowId/detours.
type OpenDetourRequest struct {
	CheckpointNodeID          string            `json:"checkpoint_node_id"`
	ResumeTargetNodeID        string            `json:"resume_target_node_id"`
	CheckpointTaskExecutionID string            `json:"checkpoint_task_execution_id"`
	Type                      models.DetourType `json:"type"`
	Category                  string            `json:"category"`
}

// OpenDetour (POST /api/v1/flows/:flowId/detours)
func (s *Server) OpenDetour(c echo.Context) error {
	id, flowID, err := s.flowRequest(c)
	if err != nil {
		return err
	}
	var req OpenDetourRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	detour, err := s.engine.Execution.OpenDetour(c.Request().Context(), services.OpenDetourInput{
		CompanyID:                 id.CompanyID,
		FlowID:                    flowID,
		CheckpointNodeID:          req.CheckpointNodeID,
		ResumeTargetNodeID:        req.ResumeTargetNodeID,
		CheckpointTaskExecutionID: req.CheckpointTaskExecutionID,
		Type:                      req.Type,
		Category:                  req.Category,
		Actor:                     id.ActorID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, detour)
}

// ListDetours (GET /api/v1/flows/:flowId/detours)
func (s *Server) ListDetours(c echo.Context) error {
	id, flowID, err := s.flowRequest(c)
	if err != nil {
		return err
	}
	detours, err := s.engine.Projections.ListDetours(c.Request().Context(), id.CompanyID, flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(detours))
}

// TriggerRemediation (POST /api/v1/detours/:detourId/remediate)
func (s *Server) TriggerRemediation(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var detourID string
	if err := pathParam(c, "detourId", &detourID); err != nil {
		return err
	}
	detour, err := s.engine.Execution.TriggerRemediation(c.Request().Context(), id.CompanyID, detourID, id.ActorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detour)
}

// ListFanOutFailures (GET /api/v1/flows/:flowId/fan-out-failures)
func (s *Server) ListFanOutFailures(c echo.Context) error {
	id, flowID, err := s.flowRequest(c)
	if err != nil {
		return err
	}
	failures, err := s.engine.Projections.ListFanOutFailures(c.Request().Context(), id.CompanyID, flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(failures))
}

// ResolveFanOutFailure (POST /api/v1/fan-out-failures/:failureId/resolve)
func (s *Server) ResolveFanOutFailure(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var failureID string
	if err := pathParam(c, "failureId", &failureID); err != nil {
		return err
	}
	var req struct {
		Retry bool `json:"retry"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	failure, err := s.engine.Execution.ResolveFanOutFailure(c.Request().Context(), id.CompanyID, failureID, id.ActorID, req.Retry)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, failure)
}

// FlowGroupView (GET /api/v1/flow-groups/:groupId)
func (s *Server) FlowGroupView(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var groupID string
	if err := pathParam(c, "groupId", &groupID); err != nil {
		return err
	}
	view, err := s.engine.Projections.FlowGroupView(c.Request().Context(), id.CompanyID, groupID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// ActionableTasksForScope (GET /api/v1/actionable?scope_type=&scope_id=)
func (s *Server) ActionableTasksForScope(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var scope models.Scope
	if err := queryParam(c, "scope_type", true, &scope.Type); err != nil {
		return err
	}
	if err := queryParam(c, "scope_id", true, &scope.ID); err != nil {
		return err
	}
	tasks, err := s.engine.Projections.ActionableTasksForScope(c.Request().Context(), id.CompanyID, scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(tasks))
}

func (s *Server) flowRequest(c echo.Context) (id authIdentity, flowID string, err error) {
	if id, err = identity(c); err != nil {
		return id, "", err
	}
	err = pathParam(c, "flowId", &flowID)
	return id, flowID, err
}

func (s *Server) flowTaskRequest(c echo.Context) (id authIdentity, flowID, taskID string, err error) {
	if id, flowID, err = s.flowRequest(c); err != nil {
		return
	}
	err = pathParam(c, "taskId", &taskID)
	return
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

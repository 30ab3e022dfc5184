package services

import (
	"context"
	"errors"

	"flowspec/backend/internal/derived"
	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"
)

// ProjectionService answers read-only questions about flows. Every view is
// computed from truth on each call.
type ProjectionService struct {
	base
}

// NewProjectionService creates a new ProjectionService.
func NewProjectionService(repo repository.Repository, opts Options) *ProjectionService {
	return &ProjectionService{base: newBase(repo, opts)}
}

// FlowDetail is a flow with its full truth.
type FlowDetail struct {
	Flow           *models.Flow                `json:"flow"`
	Version        int                         `json:"version"`
	Activations    []models.NodeActivation     `json:"activations"`
	Executions     []models.TaskExecution      `json:"task_executions"`
	Detours        []models.DetourRecord       `json:"detours"`
	FanOutFailures []models.FanOutFailure      `json:"fan_out_failures"`
	Evidence       []models.EvidenceAttachment `json:"evidence"`
}

func (s *ProjectionService) truth(ctx context.Context, companyID, flowID string) (derived.FlowTruth, error) {
	flow, err := s.getFlow(ctx, s.repo, companyID, flowID)
	if err != nil {
		return derived.FlowTruth{}, err
	}
	return s.loadTruth(ctx, s.repo, flow)
}

// ActionableTasks lists what can be acted on now in one flow.
func (s *ProjectionService) ActionableTasks(ctx context.Context, companyID, flowID string) ([]derived.ActionableTask, error) {
	t, err := s.truth(ctx, companyID, flowID)
	if err != nil {
		return nil, err
	}
	return nonNilTasks(derived.ActionableTasks(t)), nil
}

// ActionableTasksForScope lists what can be acted on now across every flow
// of the scope's group. An unknown scope has nothing actionable.
func (s *ProjectionService) ActionableTasksForScope(ctx context.Context, companyID string, scope models.Scope) ([]derived.ActionableTask, error) {
	group, err := s.repo.FindFlowGroupByScope(ctx, companyID, scope)
	if errors.Is(err, repository.ErrNotFound) {
		return []derived.ActionableTask{}, nil
	}
	if err != nil {
		return nil, err
	}
	flows, err := s.repo.ListFlowsByGroup(ctx, companyID, group.ID)
	if err != nil {
		return nil, err
	}
	out := []derived.ActionableTask{}
	for _, f := range flows {
		t, err := s.loadTruth(ctx, s.repo, f)
		if err != nil {
			return nil, err
		}
		out = append(out, derived.ActionableTasks(t)...)
	}
	return out, nil
}

// FlowProgress summarizes node progress of a flow.
func (s *ProjectionService) FlowProgress(ctx context.Context, companyID, flowID string) (*derived.FlowProgress, error) {
	t, err := s.truth(ctx, companyID, flowID)
	if err != nil {
		return nil, err
	}
	p := derived.Progress(t)
	return &p, nil
}

// FlowGroupView shows the flows of a group and the computed blocked signal.
func (s *ProjectionService) FlowGroupView(ctx context.Context, companyID, groupID string) (*derived.FlowGroupView, error) {
	group, err := s.repo.GetFlowGroup(ctx, companyID, groupID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(CodeFlowGroupNotFound, "flow group %s not found", groupID)
	}
	if err != nil {
		return nil, err
	}
	flows, err := s.repo.ListFlowsByGroup(ctx, companyID, group.ID)
	if err != nil {
		return nil, err
	}
	v := derived.GroupView(group, flows)
	return &v, nil
}

// FlowDetail returns a flow with all of its recorded truth.
func (s *ProjectionService) FlowDetail(ctx context.Context, companyID, flowID string) (*FlowDetail, error) {
	t, err := s.truth(ctx, companyID, flowID)
	if err != nil {
		return nil, err
	}
	d := &FlowDetail{
		Flow:        t.Flow,
		Activations: t.Activations,
		Executions:  t.Executions,
		Detours:     t.Detours,
	}
	version, err := s.loadVersion(ctx, s.repo, t.Flow.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	d.Version = version.Version
	if d.FanOutFailures, err = s.repo.ListFanOutFailures(ctx, flowID); err != nil {
		return nil, err
	}
	if d.Evidence, err = s.repo.ListEvidence(ctx, flowID, ""); err != nil {
		return nil, err
	}
	return d, nil
}

// ListEvidence returns the evidence of a flow, optionally of one task.
func (s *ProjectionService) ListEvidence(ctx context.Context, companyID, flowID, taskID string) ([]models.EvidenceAttachment, error) {
	if _, err := s.getFlow(ctx, s.repo, companyID, flowID); err != nil {
		return nil, err
	}
	return s.repo.ListEvidence(ctx, flowID, taskID)
}

// ListDetours returns the detours of a flow.
func (s *ProjectionService) ListDetours(ctx context.Context, companyID, flowID string) ([]models.DetourRecord, error) {
	if _, err := s.getFlow(ctx, s.repo, companyID, flowID); err != nil {
		return nil, err
	}
	return s.repo.ListDetours(ctx, flowID)
}

// ListFanOutFailures returns the fan-out failures of a flow.
func (s *ProjectionService) ListFanOutFailures(ctx context.Context, companyID, flowID string) ([]models.FanOutFailure, error) {
	if _, err := s.getFlow(ctx, s.repo, companyID, flowID); err != nil {
		return nil, err
	}
	return s.repo.ListFanOutFailures(ctx, flowID)
}

func nonNilTasks(tasks []derived.ActionableTask) []derived.ActionableTask {
	if tasks == nil {
		return []derived.ActionableTask{}
	}
	return tasks
}

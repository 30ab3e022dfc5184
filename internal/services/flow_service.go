package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowspec/backend/internal/derived"
	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"go.opentelemetry.io/otel/attribute"
)

// FlowService instantiates published workflows into flows and controls
// their status.
type FlowService struct {
	base
}

// NewFlowService creates a new FlowService.
func NewFlowService(repo repository.Repository, opts Options) *FlowService {
	return &FlowService{base: newBase(repo, opts)}
}

// EvidenceInput is an evidence payload for a task of a flow.
type EvidenceInput struct {
	TaskID         string         `json:"task_id"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
}

// CreateFlowInput describes a flow to instantiate.
type CreateFlowInput struct {
	CompanyID  string
	WorkflowID string
	Scope      models.Scope
	// FlowGroupHint, when set, must be the group the scope resolves to.
	FlowGroupHint   string
	Actor           string
	InitialEvidence *EvidenceInput

	ParentFlowID *string
	FanOutRuleID *string
}

// CreateFlowResult is the outcome of CreateFlow.
type CreateFlowResult struct {
	Flow        *models.Flow               `json:"flow"`
	FlowGroupID string                     `json:"flow_group_id"`
	Activations []models.NodeActivation    `json:"activations"`
	Evidence    *models.EvidenceAttachment `json:"evidence,omitempty"`
}

// CreateFlow binds the workflow's current published version to the scope's
// flow group and seeds iteration 1 of every entry node.
func (s *FlowService) CreateFlow(ctx context.Context, in CreateFlowInput) (res *CreateFlowResult, err error) {
	ctx, done := s.start(ctx, "FlowService.CreateFlow",
		attribute.String("workflow_id", in.WorkflowID), attribute.String("scope_type", in.Scope.Type))
	defer done(&err)

	if in.Scope.Type == "" || in.Scope.ID == "" {
		return nil, newError(CodeInputRequired, "scope type and id are required")
	}

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, in.CompanyID, in.WorkflowID, false)
		if err != nil {
			return err
		}
		if wf.Status != models.WorkflowStatusPublished || wf.PublishedVersionID == nil {
			return newError(CodeWorkflowNotPublished, "workflow %s is %s", wf.ID, wf.Status).
				WithDetail("status", wf.Status)
		}

		if in.FlowGroupHint != "" {
			hinted, err := q.GetFlowGroup(ctx, in.CompanyID, in.FlowGroupHint)
			if errors.Is(err, repository.ErrNotFound) {
				return newError(CodeScopeMismatch, "flow group %s does not exist", in.FlowGroupHint)
			}
			if err != nil {
				return err
			}
			if hinted.Scope != in.Scope {
				return newError(CodeScopeMismatch, "flow group %s belongs to scope %s/%s",
					hinted.ID, hinted.Scope.Type, hinted.Scope.ID).
					WithDetail("flow_group_id", hinted.ID)
			}
		}

		group, err := q.ResolveFlowGroup(ctx, in.CompanyID, in.Scope)
		if err != nil {
			return fmt.Errorf("failed to resolve flow group: %w", err)
		}

		version, err := s.loadVersion(ctx, q, *wf.PublishedVersionID)
		if err != nil {
			return err
		}
		entries := version.Snapshot.EntryNodes()
		if len(entries) == 0 {
			return newError(CodeValidationError, "version %d of workflow %s has no entry node", version.Version, wf.ID)
		}

		now := s.now()
		flow := &models.Flow{
			CompanyID:         in.CompanyID,
			FlowGroupID:       group.ID,
			WorkflowID:        wf.ID,
			WorkflowVersionID: version.ID,
			Status:            models.FlowStatusActive,
			ParentFlowID:      in.ParentFlowID,
			FanOutRuleID:      in.FanOutRuleID,
			CreatedBy:         in.Actor,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := q.CreateFlow(ctx, flow); err != nil {
			return fmt.Errorf("failed to create flow: %w", err)
		}

		res = &CreateFlowResult{Flow: flow, FlowGroupID: group.ID}
		for _, n := range entries {
			a := models.NodeActivation{FlowID: flow.ID, NodeID: n.ID, Iteration: 1, ActivatedAt: now, ActivatedBy: in.Actor}
			if err := q.CreateNodeActivation(ctx, &a); err != nil {
				return fmt.Errorf("failed to activate entry node %s: %w", n.ID, err)
			}
			res.Activations = append(res.Activations, a)
		}

		if in.InitialEvidence != nil {
			res.Evidence, _, err = attachEvidence(ctx, q, &version.Snapshot, flow, *in.InitialEvidence, in.Actor, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	source := "api"
	if in.ParentFlowID != nil {
		source = "fanout"
	}
	s.metrics.flowCreated(source)
	s.log.Info("flow created", "company_id", in.CompanyID, "workflow_id", in.WorkflowID,
		"flow_id", res.Flow.ID, "flow_group_id", res.FlowGroupID, "source", source)
	s.publish(ctx, models.DomainEvent{
		Type:       models.EventFlowCreated,
		CompanyID:  in.CompanyID,
		WorkflowID: in.WorkflowID,
		FlowID:     res.Flow.ID,
		Attributes: map[string]string{"flow_group_id": res.FlowGroupID, "source": source},
	})
	return res, nil
}

// attachEvidence validates and appends one evidence row. A repeated
// idempotency key returns the stored row with created false.
func attachEvidence(ctx context.Context, q repository.Queries, snap *models.Snapshot, flow *models.Flow, in EvidenceInput, actor string, now time.Time) (*models.EvidenceAttachment, bool, error) {
	if in.TaskID == "" || in.Type == "" {
		return nil, false, newError(CodeInputRequired, "evidence needs a task and a type")
	}
	_, task, ok := snap.TaskNode(in.TaskID)
	if !ok {
		return nil, false, newError(CodeTaskNotFound, "task %s not found in flow %s", in.TaskID, flow.ID)
	}
	data, err := validateEvidence(ctx, task, in.Type, in.Data)
	if err != nil {
		return nil, false, err
	}
	ev := &models.EvidenceAttachment{
		FlowID:         flow.ID,
		TaskID:         in.TaskID,
		Type:           in.Type,
		Data:           data,
		IdempotencyKey: in.IdempotencyKey,
		AttachedBy:     actor,
		AttachedAt:     now,
	}
	stored, created, err := q.CreateEvidence(ctx, ev)
	if err != nil {
		return nil, false, fmt.Errorf("failed to attach evidence: %w", err)
	}
	return stored, created, nil
}

// GetFlow returns a flow of the company.
func (s *FlowService) GetFlow(ctx context.Context, companyID, flowID string) (*models.Flow, error) {
	return s.getFlow(ctx, s.repo, companyID, flowID)
}

// SuspendFlow pauses an ACTIVE or BLOCKED flow. Suspended flows expose no
// actionable tasks.
func (s *FlowService) SuspendFlow(ctx context.Context, companyID, flowID, actor string) (flow *models.Flow, err error) {
	ctx, done := s.start(ctx, "FlowService.SuspendFlow", attribute.String("flow_id", flowID))
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		f, err := s.lockFlow(ctx, q, companyID, flowID)
		if err != nil {
			return err
		}
		ok, err := q.TransitionFlowStatus(ctx, f.ID,
			[]models.FlowStatus{models.FlowStatusActive, models.FlowStatusBlocked}, models.FlowStatusSuspended, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return newError(CodeInvalidFlowState, "flow %s is %s and cannot be suspended", f.ID, f.Status).
				WithDetail("status", f.Status)
		}
		flow, err = q.GetFlow(ctx, companyID, flowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("flow suspended", "company_id", companyID, "flow_id", flowID, "actor", actor)
	return flow, nil
}

// ResumeFlow returns a suspended flow to the status its truth implies.
func (s *FlowService) ResumeFlow(ctx context.Context, companyID, flowID, actor string) (flow *models.Flow, err error) {
	ctx, done := s.start(ctx, "FlowService.ResumeFlow", attribute.String("flow_id", flowID))
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		f, err := s.lockFlow(ctx, q, companyID, flowID)
		if err != nil {
			return err
		}
		if f.Status != models.FlowStatusSuspended {
			return newError(CodeInvalidFlowState, "flow %s is %s, not SUSPENDED", f.ID, f.Status).
				WithDetail("status", f.Status)
		}
		status, err := s.settledStatus(ctx, q, f)
		if err != nil {
			return err
		}
		if _, err := q.TransitionFlowStatus(ctx, f.ID, []models.FlowStatus{models.FlowStatusSuspended}, status, s.now()); err != nil {
			return err
		}
		flow, err = q.GetFlow(ctx, companyID, flowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("flow resumed", "company_id", companyID, "flow_id", flowID, "status", flow.Status, "actor", actor)
	return flow, nil
}

func (b *base) lockFlow(ctx context.Context, q repository.Queries, companyID, flowID string) (*models.Flow, error) {
	f, err := q.LockFlow(ctx, companyID, flowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(CodeFlowNotFound, "flow %s not found", flowID)
	}
	return f, err
}

// loadTruth reads the truth of a flow and the cross-flow rows of its group.
func (b *base) loadTruth(ctx context.Context, q repository.Queries, flow *models.Flow) (derived.FlowTruth, error) {
	t := derived.FlowTruth{Flow: flow}
	version, err := b.loadVersion(ctx, q, flow.WorkflowVersionID)
	if err != nil {
		return t, err
	}
	t.Snapshot = &version.Snapshot
	if t.Activations, err = q.ListNodeActivations(ctx, flow.ID); err != nil {
		return t, err
	}
	if t.Executions, err = q.ListTaskExecutions(ctx, flow.ID); err != nil {
		return t, err
	}
	if t.Detours, err = q.ListDetours(ctx, flow.ID); err != nil {
		return t, err
	}
	if t.GroupFlows, err = q.ListFlowsByGroup(ctx, flow.CompanyID, flow.FlowGroupID); err != nil {
		return t, err
	}
	if t.GroupExecutions, err = q.ListTaskExecutionsByGroup(ctx, flow.FlowGroupID); err != nil {
		return t, err
	}
	return t, nil
}

// settledStatus is the status a non-suspended flow has given its truth:
// BLOCKED while a fan-out failure is unresolved, COMPLETED when every
// branch is terminal, ACTIVE otherwise.
func (b *base) settledStatus(ctx context.Context, q repository.Queries, flow *models.Flow) (models.FlowStatus, error) {
	failures, err := q.ListFanOutFailures(ctx, flow.ID)
	if err != nil {
		return "", err
	}
	for _, f := range failures {
		if f.ResolvedAt == nil {
			return models.FlowStatusBlocked, nil
		}
	}
	t, err := b.loadTruth(ctx, q, flow)
	if err != nil {
		return "", err
	}
	if derived.FlowComplete(t.Snapshot, t.Activations, t.Executions) {
		return models.FlowStatusCompleted, nil
	}
	return models.FlowStatusActive, nil
}

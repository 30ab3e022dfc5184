package services

import (
	"context"
	"errors"
	"fmt"

	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// fanOut instantiates one child flow per rule in the parent's scope. It
// runs after the outcome transaction has committed; failures are recorded
// in a second short transaction that blocks the parent.
func (s *ExecutionService) fanOut(ctx context.Context, parent *models.Flow, scope models.Scope, exec *models.TaskExecution, rules []models.FanOutRule, actor string) ([]string, []models.FanOutFailure, error) {
	ctx, span := tracer.Start(ctx, "ExecutionService.fanOut")
	defer span.End()
	span.SetAttributes(attribute.String("flow_id", parent.ID), attribute.Int("rules", len(rules)))

	children := make([]string, len(rules))
	errs := make([]error, len(rules))

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, rule := range rules {
		g.Go(func() error {
			res, err := s.flows.CreateFlow(ctx, s.childInput(parent, scope, rule, actor))
			if err != nil {
				errs[i] = err
				return nil
			}
			children[i] = res.Flow.ID
			return nil
		})
	}
	// Goroutines never fail the group; each rule's error lands in errs.
	g.Wait()

	var (
		ids     []string
		pending []models.FanOutFailure
	)
	now := s.now()
	for i, rule := range rules {
		if errs[i] == nil {
			ids = append(ids, children[i])
			continue
		}
		code := string(CodeOf(errs[i]))
		if code == "" {
			code = "INTERNAL"
		}
		pending = append(pending, models.FanOutFailure{
			FlowID:           parent.ID,
			FanOutRuleID:     rule.ID,
			TaskExecutionID:  exec.ID,
			TargetWorkflowID: rule.TargetWorkflowID,
			ErrorCode:        code,
			ErrorMessage:     errs[i].Error(),
			CreatedAt:        now,
		})
		s.log.Warn("fan-out instantiation failed", "flow_id", parent.ID, "fan_out_rule_id", rule.ID,
			"target_workflow_id", rule.TargetWorkflowID, "error", errs[i])
	}
	if len(pending) == 0 {
		return ids, nil, nil
	}

	err := s.repo.WithTx(ctx, func(q repository.Queries) error {
		for i := range pending {
			if err := q.CreateFanOutFailure(ctx, &pending[i]); err != nil {
				return fmt.Errorf("failed to record fan-out failure: %w", err)
			}
		}
		_, err := q.TransitionFlowStatus(ctx, parent.ID,
			[]models.FlowStatus{models.FlowStatusActive, models.FlowStatusCompleted, models.FlowStatusSuspended},
			models.FlowStatusBlocked, now)
		return err
	})
	if err != nil {
		return ids, nil, err
	}

	for range pending {
		s.metrics.fanOutFailed()
	}
	s.log.Warn("flow blocked by fan-out failure", "company_id", parent.CompanyID, "flow_id", parent.ID,
		"failures", len(pending))
	s.publish(ctx, models.DomainEvent{
		Type:       models.EventFlowBlocked,
		CompanyID:  parent.CompanyID,
		WorkflowID: parent.WorkflowID,
		FlowID:     parent.ID,
		Attributes: map[string]string{"failures": fmt.Sprint(len(pending))},
	})
	return ids, pending, nil
}

func (s *ExecutionService) childInput(parent *models.Flow, scope models.Scope, rule models.FanOutRule, actor string) CreateFlowInput {
	return CreateFlowInput{
		CompanyID:     parent.CompanyID,
		WorkflowID:    rule.TargetWorkflowID,
		Scope:         scope,
		FlowGroupHint: parent.FlowGroupID,
		Actor:         actor,
		ParentFlowID:  strPtr(parent.ID),
		FanOutRuleID:  strPtr(rule.ID),
	}
}

// ResolveFanOutFailure closes a fan-out failure. With retry the child flow
// is instantiated again first, and the failure stays open if that fails.
// Once no failure of the parent is unresolved, the parent's status is
// recomputed from its truth.
func (s *ExecutionService) ResolveFanOutFailure(ctx context.Context, companyID, failureID, actor string, retry bool) (failure *models.FanOutFailure, err error) {
	ctx, done := s.start(ctx, "ExecutionService.ResolveFanOutFailure", attribute.String("failure_id", failureID))
	defer done(&err)

	f, err := s.repo.GetFanOutFailure(ctx, failureID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(CodeFailureNotFound, "fan-out failure %s not found", failureID)
	}
	if err != nil {
		return nil, err
	}
	parent, err := s.getFlow(ctx, s.repo, companyID, f.FlowID)
	if err != nil {
		if CodeOf(err) == CodeFlowNotFound {
			return nil, newError(CodeFailureNotFound, "fan-out failure %s not found", failureID)
		}
		return nil, err
	}
	if f.ResolvedAt != nil {
		return f, nil
	}

	var childID *string
	if retry {
		group, err := s.repo.GetFlowGroup(ctx, companyID, parent.FlowGroupID)
		if err != nil {
			return nil, err
		}
		rule := models.FanOutRule{ID: f.FanOutRuleID, TargetWorkflowID: f.TargetWorkflowID}
		res, err := s.flows.CreateFlow(ctx, s.childInput(parent, group.Scope, rule, actor))
		if err != nil {
			return nil, err
		}
		childID = &res.Flow.ID
	}

	var (
		status  models.FlowStatus
		settled bool
	)
	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		p, err := s.lockFlow(ctx, q, companyID, parent.ID)
		if err != nil {
			return err
		}
		if _, err := q.ResolveFanOutFailure(ctx, f.ID, actor, s.now(), childID); err != nil {
			return err
		}
		if p.Status != models.FlowStatusBlocked {
			status = p.Status
			return nil
		}
		if status, err = s.settledStatus(ctx, q, p); err != nil {
			return err
		}
		if status != models.FlowStatusBlocked {
			settled, err = q.TransitionFlowStatus(ctx, p.ID, []models.FlowStatus{models.FlowStatusBlocked}, status, s.now())
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if failure, err = s.repo.GetFanOutFailure(ctx, f.ID); err != nil {
		return nil, err
	}
	s.log.Info("fan-out failure resolved", "company_id", companyID, "flow_id", parent.ID, "failure_id", f.ID,
		"retry", retry, "flow_status", status)
	if settled && status == models.FlowStatusCompleted {
		s.publish(ctx, models.DomainEvent{
			Type: models.EventFlowCompleted, CompanyID: companyID, WorkflowID: parent.WorkflowID, FlowID: parent.ID,
		})
	}
	return failure, nil
}

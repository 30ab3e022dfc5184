package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowspec/backend/internal/derived"
	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"go.opentelemetry.io/otel/attribute"
)

// ExecutionService records task truth: starts, outcomes, evidence and
// detours. Outcome recording routes through gates and triggers fan-out.
type ExecutionService struct {
	base
	flows       *FlowService
	parallelism int
}

// NewExecutionService creates a new ExecutionService. Child flows created
// by fan-out go through flows.
func NewExecutionService(repo repository.Repository, flows *FlowService, opts Options) *ExecutionService {
	p := opts.FanOutParallelism
	if p <= 0 {
		p = 4
	}
	return &ExecutionService{base: newBase(repo, opts), flows: flows, parallelism: p}
}

// StartTask opens the execution row of a task at its node's latest
// iteration. This is the only point where actionability is enforced.
func (s *ExecutionService) StartTask(ctx context.Context, companyID, flowID, taskID, actor string) (exec *models.TaskExecution, err error) {
	ctx, done := s.start(ctx, "ExecutionService.StartTask",
		attribute.String("flow_id", flowID), attribute.String("task_id", taskID))
	defer done(&err)

	var flow *models.Flow
	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		flow, err = s.lockFlow(ctx, q, companyID, flowID)
		if err != nil {
			return err
		}
		t, err := s.loadTruth(ctx, q, flow)
		if err != nil {
			return err
		}
		node, task, ok := t.Snapshot.TaskNode(taskID)
		if !ok {
			return newError(CodeTaskNotFound, "task %s not found in flow %s", taskID, flowID)
		}

		iteration, blocker := derived.Startable(t, node, task)
		if err := blockerError(blocker, flow, node, task, iteration); err != nil {
			return err
		}

		exec = &models.TaskExecution{
			FlowID:    flow.ID,
			TaskID:    task.ID,
			NodeID:    node.ID,
			Iteration: iteration,
			StartedAt: s.now(),
			StartedBy: actor,
		}
		if err := q.CreateTaskExecution(ctx, exec); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return newError(CodeTaskAlreadyStarted, "task %s is already started at iteration %d", taskID, iteration).
					WithDetail("iteration", iteration)
			}
			return fmt.Errorf("failed to start task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.taskStarted()
	s.log.Info("task started", "company_id", companyID, "flow_id", flowID, "task_id", taskID,
		"iteration", exec.Iteration, "actor", actor)
	s.publish(ctx, models.DomainEvent{
		Type:       models.EventTaskStarted,
		CompanyID:  companyID,
		WorkflowID: flow.WorkflowID,
		FlowID:     flowID,
		Attributes: map[string]string{"task_id": taskID, "iteration": fmt.Sprint(exec.Iteration), "task_execution_id": exec.ID},
	})
	return exec, nil
}

func blockerError(b derived.Blocker, flow *models.Flow, node *models.Node, task *models.Task, iteration int) error {
	switch b {
	case derived.BlockerNone:
		return nil
	case derived.BlockerStarted, derived.BlockerAlreadyDone:
		return newError(CodeTaskAlreadyStarted, "task %s already has an execution at iteration %d", task.ID, iteration).
			WithDetail("iteration", iteration).WithDetail("reason", string(b))
	case derived.BlockerFlowInactive:
		return newError(CodeActionabilityBlocked, "flow %s is %s", flow.ID, flow.Status).
			WithDetail("reason", string(b))
	case derived.BlockerNotActivated:
		return newError(CodeActionabilityBlocked, "node %s has not been activated", node.ID).
			WithDetail("reason", string(b))
	default:
		return newError(CodeActionabilityBlocked, "task %s is not actionable at iteration %d", task.ID, iteration).
			WithDetail("iteration", iteration).WithDetail("reason", string(b))
	}
}

// RecordOutcomeInput identifies the outcome to record.
type RecordOutcomeInput struct {
	CompanyID string
	FlowID    string
	TaskID    string
	Outcome   string
	Actor     string
	// TaskExecutionID, when set, must name the active execution. A stale
	// iteration's execution is rejected.
	TaskExecutionID *string
	DetourID        *string
	Metadata        json.RawMessage
}

// GateResult describes one routing decision taken on node completion.
type GateResult struct {
	NodeID       string  `json:"node_id"`
	Outcome      string  `json:"outcome"`
	GateID       string  `json:"gate_id,omitempty"`
	TargetNodeID *string `json:"target_node_id"`
	Iteration    int     `json:"iteration,omitempty"`
	Terminal     bool    `json:"terminal"`
}

// RecordOutcomeResult reports everything the outcome caused.
type RecordOutcomeResult struct {
	Execution      *models.TaskExecution  `json:"task_execution"`
	Iteration      int                    `json:"iteration"`
	NodeCompleted  bool                   `json:"node_completed"`
	GateResults    []GateResult           `json:"gate_results"`
	FlowCompleted  bool                   `json:"flow_completed"`
	ChildFlowIDs   []string               `json:"child_flow_ids,omitempty"`
	FanOutFailures []models.FanOutFailure `json:"fan_out_failures,omitempty"`
}

// RecordOutcome stamps the outcome on the active execution of the task's
// current iteration, routes through gates when the node completes, and
// then runs any matching fan-out rules outside the outcome transaction.
// Fan-out failures never fail the call: they block the flow instead.
func (s *ExecutionService) RecordOutcome(ctx context.Context, in RecordOutcomeInput) (res *RecordOutcomeResult, err error) {
	ctx, done := s.start(ctx, "ExecutionService.RecordOutcome",
		attribute.String("flow_id", in.FlowID), attribute.String("task_id", in.TaskID))
	defer done(&err)

	if in.Outcome == "" {
		return nil, newError(CodeInputRequired, "outcome is required")
	}

	var (
		flow  *models.Flow
		group *models.FlowGroup
		rules []models.FanOutRule
	)
	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		flow, err = s.lockFlow(ctx, q, in.CompanyID, in.FlowID)
		if err != nil {
			return err
		}
		t, err := s.loadTruth(ctx, q, flow)
		if err != nil {
			return err
		}
		node, task, ok := t.Snapshot.TaskNode(in.TaskID)
		if !ok {
			return newError(CodeTaskNotFound, "task %s not found in flow %s", in.TaskID, in.FlowID)
		}
		if !task.HasOutcome(in.Outcome) {
			return newError(CodeInvalidOutcome, "task %s has no outcome %s", task.ID, in.Outcome).
				WithDetail("outcomes", outcomeList(task))
		}

		iteration := derived.CurrentIterations(t.Activations)[node.ID]
		active := derived.Execution(t.Executions, task.ID, iteration)
		if iteration == 0 || active == nil || active.Done() {
			return newError(CodeTaskNotStarted, "task %s has no active execution at iteration %d", task.ID, iteration).
				WithDetail("iteration", iteration)
		}
		if in.TaskExecutionID != nil && *in.TaskExecutionID != active.ID {
			return newError(CodeTaskNotStarted, "execution %s is not the active execution of task %s at iteration %d",
				*in.TaskExecutionID, task.ID, iteration).
				WithDetail("iteration", iteration).WithDetail("active_task_execution_id", active.ID)
		}
		if in.DetourID != nil {
			if err := s.checkDetourOutcome(ctx, q, flow, node, *in.DetourID); err != nil {
				return err
			}
		}
		if task.EvidenceRequired {
			evidence, err := q.ListEvidence(ctx, flow.ID, task.ID)
			if err != nil {
				return err
			}
			// Evidence counts toward the current iteration only when it was
			// attached after the task's previous outcome; a loop back needs
			// fresh evidence.
			var since time.Time
			for _, x := range t.Executions {
				if x.TaskID == task.ID && x.ID != active.ID && x.OutcomeAt != nil && x.OutcomeAt.After(since) {
					since = *x.OutcomeAt
				}
			}
			current := 0
			for _, ev := range evidence {
				if since.IsZero() || ev.AttachedAt.After(since) {
					current++
				}
			}
			if current == 0 {
				return newError(CodeValidationError, "task %s requires evidence for iteration %d before an outcome is recorded", task.ID, iteration).
					WithDetail("iteration", iteration)
			}
		}

		wasComplete := derived.NodeComplete(node, iteration, t.Executions)
		now := s.now()
		stamped, err := q.StampTaskOutcome(ctx, active.ID, in.Outcome, in.Actor, now, in.DetourID, in.Metadata)
		if err != nil {
			return fmt.Errorf("failed to record outcome: %w", err)
		}
		if !stamped {
			return newError(CodeTaskNotStarted, "task %s has no active execution at iteration %d", task.ID, iteration).
				WithDetail("iteration", iteration)
		}
		exec := *active
		exec.Outcome, exec.OutcomeAt, exec.OutcomeBy = &in.Outcome, &now, &in.Actor
		exec.DetourID, exec.Metadata = in.DetourID, in.Metadata
		for i := range t.Executions {
			if t.Executions[i].ID == exec.ID {
				t.Executions[i] = exec
			}
		}
		res = &RecordOutcomeResult{Execution: &exec, Iteration: iteration, GateResults: []GateResult{}}

		if !wasComplete && derived.NodeComplete(node, iteration, t.Executions) {
			res.NodeCompleted = true
			if res.GateResults, t.Activations, err = s.route(ctx, q, &t, node, iteration, in.Actor); err != nil {
				return err
			}
			for _, d := range derived.ActiveDetours(t.Detours) {
				if d.ResumeTargetNodeID != node.ID {
					continue
				}
				if _, err := q.ResolveDetour(ctx, d.ID, now); err != nil {
					return fmt.Errorf("failed to resolve detour %s: %w", d.ID, err)
				}
			}
			if derived.FlowComplete(t.Snapshot, t.Activations, t.Executions) {
				res.FlowCompleted, err = q.TransitionFlowStatus(ctx, flow.ID,
					[]models.FlowStatus{models.FlowStatusActive}, models.FlowStatusCompleted, now)
				if err != nil {
					return err
				}
			}
		}

		all := t.Snapshot.FanOutRules
		if t.Snapshot.UsesWorkflowFanOutRules() {
			if all, err = q.ListFanOutRules(ctx, flow.WorkflowID); err != nil {
				return err
			}
		}
		rules = models.MatchFanOutRules(all, node.ID, in.Outcome)
		if len(rules) > 0 {
			if group, err = q.GetFlowGroup(ctx, flow.CompanyID, flow.FlowGroupID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.outcomeRecorded()
	s.log.Info("outcome recorded", "company_id", in.CompanyID, "flow_id", in.FlowID, "task_id", in.TaskID,
		"iteration", res.Iteration, "outcome", in.Outcome, "node_completed", res.NodeCompleted,
		"flow_completed", res.FlowCompleted)
	s.publish(ctx, models.DomainEvent{
		Type:       models.EventTaskOutcomeRecorded,
		CompanyID:  in.CompanyID,
		WorkflowID: flow.WorkflowID,
		FlowID:     flow.ID,
		Attributes: map[string]string{"task_id": in.TaskID, "outcome": in.Outcome, "iteration": fmt.Sprint(res.Iteration)},
	})

	if len(rules) > 0 {
		res.ChildFlowIDs, res.FanOutFailures, err = s.fanOut(ctx, flow, group.Scope, res.Execution, rules, in.Actor)
		if err != nil {
			return nil, err
		}
		// A failed fan-out blocks the flow, which overrides COMPLETED.
		if len(res.FanOutFailures) > 0 {
			res.FlowCompleted = false
		}
	}
	if res.FlowCompleted {
		s.publish(ctx, models.DomainEvent{
			Type: models.EventFlowCompleted, CompanyID: in.CompanyID, WorkflowID: flow.WorkflowID, FlowID: flow.ID,
		})
	}
	return res, nil
}

// route activates the gate targets for every distinct outcome recorded on
// the completed node. Each target gets one new iteration per routing.
func (s *ExecutionService) route(ctx context.Context, q repository.Queries, t *derived.FlowTruth, node *models.Node, iteration int, actor string) ([]GateResult, []models.NodeActivation, error) {
	results := []GateResult{}
	acts := t.Activations
	activated := make(map[string]int)
	for _, outcome := range derived.RoutedOutcomes(node, iteration, t.Executions) {
		gate, ok := t.Snapshot.Gate(node.ID, outcome)
		if !ok || gate.TargetNodeID == nil {
			r := GateResult{NodeID: node.ID, Outcome: outcome, Terminal: true}
			if ok {
				r.GateID = gate.ID
			}
			results = append(results, r)
			continue
		}
		target := *gate.TargetNodeID
		r := GateResult{NodeID: node.ID, Outcome: outcome, GateID: gate.ID, TargetNodeID: gate.TargetNodeID}
		if it, seen := activated[target]; seen {
			r.Iteration = it
			results = append(results, r)
			continue
		}
		a := models.NodeActivation{
			FlowID:      t.Flow.ID,
			NodeID:      target,
			Iteration:   derived.NextIteration(acts, target),
			ActivatedAt: s.now(),
			ActivatedBy: actor,
		}
		if err := q.CreateNodeActivation(ctx, &a); err != nil {
			return nil, nil, fmt.Errorf("failed to activate node %s: %w", target, err)
		}
		acts = append(acts, a)
		activated[target] = a.Iteration
		r.Iteration = a.Iteration
		results = append(results, r)
		s.log.Debug("node activated", "flow_id", t.Flow.ID, "node_id", target, "iteration", a.Iteration)
	}
	return results, acts, nil
}

func (s *ExecutionService) checkDetourOutcome(ctx context.Context, q repository.Queries, flow *models.Flow, node *models.Node, detourID string) error {
	d, err := q.GetDetour(ctx, detourID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && d.FlowID != flow.ID) {
		return newError(CodeDetourNotFound, "detour %s not found in flow %s", detourID, flow.ID)
	}
	if err != nil {
		return err
	}
	if d.Status != models.DetourActive {
		return newError(CodeDetourNotActive, "detour %s is %s", d.ID, d.Status)
	}
	if d.ResumeTargetNodeID != node.ID {
		return newError(CodeValidationError, "detour %s resumes at node %s, not %s", d.ID, d.ResumeTargetNodeID, node.ID)
	}
	return nil
}

// AttachEvidenceInput is one evidence attachment request.
type AttachEvidenceInput struct {
	CompanyID string
	FlowID    string
	Actor     string
	EvidenceInput
}

// AttachEvidence appends an evidence pointer to a task. Retrying with the
// same idempotency key returns the original row and created false.
func (s *ExecutionService) AttachEvidence(ctx context.Context, in AttachEvidenceInput) (ev *models.EvidenceAttachment, created bool, err error) {
	ctx, done := s.start(ctx, "ExecutionService.AttachEvidence",
		attribute.String("flow_id", in.FlowID), attribute.String("task_id", in.TaskID))
	defer done(&err)

	flow, err := s.getFlow(ctx, s.repo, in.CompanyID, in.FlowID)
	if err != nil {
		return nil, false, err
	}
	version, err := s.loadVersion(ctx, s.repo, flow.WorkflowVersionID)
	if err != nil {
		return nil, false, err
	}
	ev, created, err = attachEvidence(ctx, s.repo, &version.Snapshot, flow, in.EvidenceInput, in.Actor, s.now())
	if err != nil {
		return nil, false, err
	}
	s.log.Info("evidence attached", "company_id", in.CompanyID, "flow_id", in.FlowID, "task_id", in.TaskID,
		"evidence_id", ev.ID, "created", created)
	return ev, created, nil
}

// OpenDetourInput describes a human-confirmed deviation.
type OpenDetourInput struct {
	CompanyID                 string
	FlowID                    string
	CheckpointNodeID          string
	ResumeTargetNodeID        string
	CheckpointTaskExecutionID string
	Type                      models.DetourType
	Category                  string
	Actor                     string
}

// OpenDetour records a deviation justified by a specific checkpoint
// execution and activates the resume target at its next iteration.
func (s *ExecutionService) OpenDetour(ctx context.Context, in OpenDetourInput) (detour *models.DetourRecord, err error) {
	ctx, done := s.start(ctx, "ExecutionService.OpenDetour", attribute.String("flow_id", in.FlowID))
	defer done(&err)

	if in.CheckpointNodeID == "" || in.ResumeTargetNodeID == "" || in.CheckpointTaskExecutionID == "" || in.Actor == "" {
		return nil, newError(CodeInputRequired, "detour needs a checkpoint node, a resume node, a checkpoint execution and an actor")
	}
	if in.Type == "" {
		in.Type = models.DetourNonBlocking
	}
	if in.Type != models.DetourBlocking && in.Type != models.DetourNonBlocking {
		return nil, newError(CodeValidationError, "unknown detour type %s", in.Type)
	}

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		flow, err := s.lockFlow(ctx, q, in.CompanyID, in.FlowID)
		if err != nil {
			return err
		}
		if flow.Status == models.FlowStatusCompleted || flow.Status == models.FlowStatusSuspended {
			return newError(CodeActionabilityBlocked, "flow %s is %s", flow.ID, flow.Status)
		}
		t, err := s.loadTruth(ctx, q, flow)
		if err != nil {
			return err
		}
		for _, id := range []string{in.CheckpointNodeID, in.ResumeTargetNodeID} {
			if _, ok := t.Snapshot.Node(id); !ok {
				return newError(CodeNodeNotFound, "node %s not found in flow %s", id, flow.ID)
			}
		}
		checkpoint, err := q.GetTaskExecution(ctx, in.CheckpointTaskExecutionID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && checkpoint.FlowID != flow.ID) {
			return newError(CodeTaskNotFound, "task execution %s not found in flow %s", in.CheckpointTaskExecutionID, flow.ID)
		}
		if err != nil {
			return err
		}
		if checkpoint.NodeID != in.CheckpointNodeID {
			return newError(CodeValidationError, "task execution %s belongs to node %s, not %s",
				checkpoint.ID, checkpoint.NodeID, in.CheckpointNodeID)
		}

		now := s.now()
		detour = &models.DetourRecord{
			FlowID:                    flow.ID,
			CheckpointNodeID:          in.CheckpointNodeID,
			CheckpointTaskExecutionID: checkpoint.ID,
			ResumeTargetNodeID:        in.ResumeTargetNodeID,
			Type:                      in.Type,
			Category:                  in.Category,
			Status:                    models.DetourActive,
			OpenedBy:                  in.Actor,
			OpenedAt:                  now,
		}
		if err := q.CreateDetour(ctx, detour); err != nil {
			return fmt.Errorf("failed to open detour: %w", err)
		}
		a := models.NodeActivation{
			FlowID:      flow.ID,
			NodeID:      in.ResumeTargetNodeID,
			Iteration:   derived.NextIteration(t.Activations, in.ResumeTargetNodeID),
			ActivatedAt: now,
			ActivatedBy: in.Actor,
		}
		if err := q.CreateNodeActivation(ctx, &a); err != nil {
			return fmt.Errorf("failed to activate resume node: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("detour opened", "company_id", in.CompanyID, "flow_id", in.FlowID, "detour_id", detour.ID,
		"type", detour.Type, "resume_node_id", detour.ResumeTargetNodeID)
	return detour, nil
}

// TriggerRemediation converts an ACTIVE or RESOLVED detour into a
// permanent remediation record.
func (s *ExecutionService) TriggerRemediation(ctx context.Context, companyID, detourID, actor string) (detour *models.DetourRecord, err error) {
	ctx, done := s.start(ctx, "ExecutionService.TriggerRemediation", attribute.String("detour_id", detourID))
	defer done(&err)

	if detourID == "" || actor == "" {
		return nil, newError(CodeInputRequired, "detour id and actor are required")
	}
	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		d, err := q.GetDetour(ctx, detourID)
		if errors.Is(err, repository.ErrNotFound) {
			return newError(CodeDetourNotFound, "detour %s not found", detourID)
		}
		if err != nil {
			return err
		}
		if _, err := q.GetFlow(ctx, companyID, d.FlowID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return newError(CodeDetourNotFound, "detour %s not found", detourID)
			}
			return err
		}
		ok, err := q.ConvertDetour(ctx, d.ID, actor, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return newError(CodeDetourNotActive, "detour %s is %s", d.ID, d.Status)
		}
		detour, err = q.GetDetour(ctx, d.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("detour converted to remediation", "company_id", companyID, "flow_id", detour.FlowID,
		"detour_id", detour.ID, "actor", actor)
	return detour, nil
}

func outcomeList(task *models.Task) []string {
	names := make([]string, 0, len(task.Outcomes))
	for _, o := range task.Outcomes {
		names = append(names, o.Name)
	}
	return names
}

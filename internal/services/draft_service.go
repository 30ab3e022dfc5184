package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"go.opentelemetry.io/otel/attribute"
)

// DraftService stages semantic edits in the draft buffer, and commits,
// discards and restores them.
type DraftService struct {
	base
}

// NewDraftService creates a new DraftService.
func NewDraftService(repo repository.Repository, opts Options) *DraftService {
	return &DraftService{base: newBase(repo, opts)}
}

// BuilderView is the structure an editor works on.
type BuilderView struct {
	Workflow    *models.Workflow    `json:"workflow"`
	Nodes       []models.Node       `json:"nodes"`
	Gates       []models.Gate       `json:"gates"`
	FanOutRules []models.FanOutRule `json:"fan_out_rules"`
	HasDraft    bool                `json:"has_draft"`
	BaseEventID *string             `json:"base_event_id,omitempty"`
}

// NodeInput describes a node to add.
type NodeInput struct {
	Name           string                `json:"name"`
	IsEntry        bool                  `json:"is_entry"`
	CompletionRule models.CompletionRule `json:"completion_rule"`
	Position       *models.Position      `json:"position"`
}

// NodeUpdate changes the set fields of a node.
type NodeUpdate struct {
	Name           *string                `json:"name"`
	IsEntry        *bool                  `json:"is_entry"`
	CompletionRule *models.CompletionRule `json:"completion_rule"`
}

// TaskInput describes a task to add.
type TaskInput struct {
	Name             string                       `json:"name"`
	Instructions     string                       `json:"instructions"`
	Outcomes         []string                     `json:"outcomes"`
	EvidenceRequired bool                         `json:"evidence_required"`
	EvidenceSchema   json.RawMessage              `json:"evidence_schema"`
	Dependencies     []models.CrossFlowDependency `json:"cross_flow_dependencies"`
}

// TaskUpdate changes the set fields of a task.
type TaskUpdate struct {
	Name             *string                       `json:"name"`
	Instructions     *string                       `json:"instructions"`
	EvidenceRequired *bool                         `json:"evidence_required"`
	EvidenceSchema   json.RawMessage               `json:"evidence_schema"`
	Dependencies     *[]models.CrossFlowDependency `json:"cross_flow_dependencies"`
}

// GetBuilderView returns the relational structure, overlaid with the draft
// buffer when the workflow is not published and a buffer exists.
func (s *DraftService) GetBuilderView(ctx context.Context, companyID, workflowID string) (*BuilderView, error) {
	wf, err := s.getWorkflow(ctx, s.repo, companyID, workflowID, false)
	if err != nil {
		return nil, err
	}
	view := &BuilderView{Workflow: wf}
	if view.Nodes, view.Gates, err = s.draftView(ctx, s.repo, wf); err != nil {
		return nil, err
	}
	if view.FanOutRules, err = s.repo.ListFanOutRules(ctx, wf.ID); err != nil {
		return nil, err
	}
	if wf.Status != models.WorkflowStatusPublished {
		buf, err := s.repo.GetDraftBuffer(ctx, companyID, workflowID)
		switch {
		case err == nil:
			view.HasDraft = !buf.Content.IsEmpty()
			view.BaseEventID = buf.BaseEventID
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}
	return view, nil
}

// draftEdit carries the state a buffer edit works on.
type draftEdit struct {
	wf      *models.Workflow
	buf     *models.DraftBuffer
	relNode map[string]models.Node
	relGate map[string]bool
	nodes   []models.Node
	gates   []models.Gate
}

// effectiveNode returns a node as the builder sees it, position excluded
// when the node exists relationally.
func (e *draftEdit) effectiveNode(nodeID string) (models.Node, error) {
	n, ok := findNode(e.nodes, nodeID)
	if !ok {
		return models.Node{}, newError(CodeNodeNotFound, "node %s not found", nodeID)
	}
	if _, rel := e.relNode[nodeID]; rel {
		n.Position = nil
	}
	return n, nil
}

// putNode stores the node in the buffer, replacing an earlier buffered copy.
func (e *draftEdit) putNode(n models.Node) {
	n.WorkflowID = ""
	c := &e.buf.Content
	for i := range c.Nodes {
		if c.Nodes[i].ID == n.ID {
			c.Nodes[i] = n
			return
		}
	}
	c.Nodes = append(c.Nodes, n)
}

func (e *draftEdit) putGate(g models.Gate) {
	g.WorkflowID = ""
	c := &e.buf.Content
	for i := range c.Gates {
		if c.Gates[i].ID == g.ID {
			c.Gates[i] = g
			return
		}
	}
	c.Gates = append(c.Gates, g)
}

// dropGate removes a gate from the buffer and tombstones it when it
// exists relationally.
func (e *draftEdit) dropGate(gateID string) {
	c := &e.buf.Content
	c.Gates = slices.DeleteFunc(c.Gates, func(g models.Gate) bool { return g.ID == gateID })
	if e.relGate[gateID] && !slices.Contains(c.DeletedGateIDs, gateID) {
		c.DeletedGateIDs = append(c.DeletedGateIDs, gateID)
	}
}

// editBuffer runs fn against the buffer as a whole-document
// read-modify-write inside one transaction.
func (s *DraftService) editBuffer(ctx context.Context, op, companyID, workflowID, actor string, fn func(e *draftEdit) error) error {
	ctx, done := s.start(ctx, op, attribute.String("workflow_id", workflowID))
	var err error
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, true)
		if err != nil {
			return err
		}
		if err := guardStructuralEdit(ctx, q, wf); err != nil {
			return err
		}

		now := s.now()
		buf, err := q.GetDraftBuffer(ctx, companyID, workflowID)
		if errors.Is(err, repository.ErrNotFound) {
			buf = &models.DraftBuffer{CompanyID: companyID, WorkflowID: workflowID, CreatedAt: now}
		} else if err != nil {
			return err
		}

		rel, err := q.ListNodes(ctx, workflowID)
		if err != nil {
			return err
		}
		relGates, err := q.ListGates(ctx, workflowID)
		if err != nil {
			return err
		}
		e := &draftEdit{wf: wf, buf: buf, relNode: make(map[string]models.Node, len(rel)), relGate: make(map[string]bool, len(relGates))}
		for _, n := range rel {
			e.relNode[n.ID] = n
		}
		for _, g := range relGates {
			e.relGate[g.ID] = true
		}
		e.nodes, e.gates = composeView(rel, relGates, &buf.Content)

		if err := fn(e); err != nil {
			return err
		}
		buf.UpdatedBy = actor
		buf.UpdatedAt = now
		return q.SaveDraftBuffer(ctx, buf)
	})
	return err
}

// AddNode stages a new node.
func (s *DraftService) AddNode(ctx context.Context, companyID, workflowID, actor string, in NodeInput) (*models.Node, error) {
	if in.Name == "" {
		return nil, newError(CodeInputRequired, "node name is required")
	}
	node := models.Node{
		ID:             uuid.NewString(),
		Name:           in.Name,
		IsEntry:        in.IsEntry,
		CompletionRule: in.CompletionRule,
		Position:       in.Position,
		Tasks:          []models.Task{},
	}
	if node.CompletionRule == "" {
		node.CompletionRule = models.CompletionAllTasksDone
	}
	err := s.editBuffer(ctx, "DraftService.AddNode", companyID, workflowID, actor, func(e *draftEdit) error {
		e.putNode(node)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// UpdateNode stages changes to a node's semantic fields.
func (s *DraftService) UpdateNode(ctx context.Context, companyID, workflowID, nodeID, actor string, in NodeUpdate) (*models.Node, error) {
	var out models.Node
	err := s.editBuffer(ctx, "DraftService.UpdateNode", companyID, workflowID, actor, func(e *draftEdit) error {
		n, err := e.effectiveNode(nodeID)
		if err != nil {
			return err
		}
		if in.Name != nil {
			n.Name = *in.Name
		}
		if in.IsEntry != nil {
			n.IsEntry = *in.IsEntry
		}
		if in.CompletionRule != nil {
			n.CompletionRule = *in.CompletionRule
		}
		e.putNode(n)
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteNode stages removal of a node and every gate touching it.
func (s *DraftService) DeleteNode(ctx context.Context, companyID, workflowID, nodeID, actor string) error {
	return s.editBuffer(ctx, "DraftService.DeleteNode", companyID, workflowID, actor, func(e *draftEdit) error {
		if _, ok := findNode(e.nodes, nodeID); !ok {
			return newError(CodeNodeNotFound, "node %s not found", nodeID)
		}
		c := &e.buf.Content
		c.Nodes = slices.DeleteFunc(c.Nodes, func(n models.Node) bool { return n.ID == nodeID })
		if _, rel := e.relNode[nodeID]; rel && !slices.Contains(c.DeletedNodeIDs, nodeID) {
			c.DeletedNodeIDs = append(c.DeletedNodeIDs, nodeID)
		}
		for _, id := range gateIDsTouching(e.gates, nodeID) {
			e.dropGate(id)
		}
		return nil
	})
}

// AddTask stages a new task at the end of a node.
func (s *DraftService) AddTask(ctx context.Context, companyID, workflowID, nodeID, actor string, in TaskInput) (*models.Task, error) {
	if in.Name == "" {
		return nil, newError(CodeInputRequired, "task name is required")
	}
	task := models.Task{
		ID:               uuid.NewString(),
		Name:             in.Name,
		Instructions:     in.Instructions,
		EvidenceRequired: in.EvidenceRequired,
		EvidenceSchema:   in.EvidenceSchema,
		Dependencies:     in.Dependencies,
		Outcomes:         []models.Outcome{},
	}
	for _, o := range in.Outcomes {
		task.Outcomes = append(task.Outcomes, models.Outcome{Name: o})
	}
	err := s.editBuffer(ctx, "DraftService.AddTask", companyID, workflowID, actor, func(e *draftEdit) error {
		n, err := e.effectiveNode(nodeID)
		if err != nil {
			return err
		}
		task.Position = len(n.Tasks)
		for _, t := range n.Tasks {
			if t.Position >= task.Position {
				task.Position = t.Position + 1
			}
		}
		n.Tasks = append(n.Tasks, task)
		e.putNode(n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	task.NodeID = nodeID
	return &task, nil
}

// UpdateTask stages changes to a task.
func (s *DraftService) UpdateTask(ctx context.Context, companyID, workflowID, nodeID, taskID, actor string, in TaskUpdate) (*models.Task, error) {
	var out models.Task
	err := s.editTask(ctx, "DraftService.UpdateTask", companyID, workflowID, nodeID, taskID, actor, func(t *models.Task) error {
		if in.Name != nil {
			t.Name = *in.Name
		}
		if in.Instructions != nil {
			t.Instructions = *in.Instructions
		}
		if in.EvidenceRequired != nil {
			t.EvidenceRequired = *in.EvidenceRequired
		}
		if in.EvidenceSchema != nil {
			t.EvidenceSchema = in.EvidenceSchema
		}
		if in.Dependencies != nil {
			t.Dependencies = *in.Dependencies
		}
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTask stages removal of a task.
func (s *DraftService) DeleteTask(ctx context.Context, companyID, workflowID, nodeID, taskID, actor string) error {
	return s.editBuffer(ctx, "DraftService.DeleteTask", companyID, workflowID, actor, func(e *draftEdit) error {
		n, err := e.effectiveNode(nodeID)
		if err != nil {
			return err
		}
		before := len(n.Tasks)
		n.Tasks = slices.DeleteFunc(n.Tasks, func(t models.Task) bool { return t.ID == taskID })
		if len(n.Tasks) == before {
			return newError(CodeTaskNotFound, "task %s not found in node %s", taskID, nodeID)
		}
		e.putNode(n)
		return nil
	})
}

// AddOutcome stages a new outcome on a task.
func (s *DraftService) AddOutcome(ctx context.Context, companyID, workflowID, nodeID, taskID, actor, name string) error {
	if name == "" {
		return newError(CodeInputRequired, "outcome name is required")
	}
	return s.editTask(ctx, "DraftService.AddOutcome", companyID, workflowID, nodeID, taskID, actor, func(t *models.Task) error {
		if t.HasOutcome(name) {
			return newError(CodeValidationError, "task %s already has outcome %s", taskID, name)
		}
		t.Outcomes = append(t.Outcomes, models.Outcome{Name: name})
		return nil
	})
}

// DeleteOutcome stages removal of an outcome from a task.
func (s *DraftService) DeleteOutcome(ctx context.Context, companyID, workflowID, nodeID, taskID, actor, name string) error {
	return s.editTask(ctx, "DraftService.DeleteOutcome", companyID, workflowID, nodeID, taskID, actor, func(t *models.Task) error {
		if !t.HasOutcome(name) {
			return newError(CodeInvalidOutcome, "task %s has no outcome %s", taskID, name)
		}
		t.Outcomes = slices.DeleteFunc(t.Outcomes, func(o models.Outcome) bool { return o.Name == name })
		return nil
	})
}

func (s *DraftService) editTask(ctx context.Context, op, companyID, workflowID, nodeID, taskID, actor string, fn func(t *models.Task) error) error {
	return s.editBuffer(ctx, op, companyID, workflowID, actor, func(e *draftEdit) error {
		n, err := e.effectiveNode(nodeID)
		if err != nil {
			return err
		}
		n.Tasks = slices.Clone(n.Tasks)
		t, ok := n.Task(taskID)
		if !ok {
			return newError(CodeTaskNotFound, "task %s not found in node %s", taskID, nodeID)
		}
		if err := fn(t); err != nil {
			return err
		}
		e.putNode(n)
		return nil
	})
}

// SetGate stages the route for (sourceNodeID, outcome). An existing gate
// with that key keeps its id. A nil target makes the route terminal.
func (s *DraftService) SetGate(ctx context.Context, companyID, workflowID, actor, sourceNodeID, outcome string, targetNodeID *string) (*models.Gate, error) {
	if sourceNodeID == "" || outcome == "" {
		return nil, newError(CodeInputRequired, "gate needs a source node and an outcome")
	}
	var out models.Gate
	err := s.editBuffer(ctx, "DraftService.SetGate", companyID, workflowID, actor, func(e *draftEdit) error {
		if _, ok := findNode(e.nodes, sourceNodeID); !ok {
			return newError(CodeNodeNotFound, "node %s not found", sourceNodeID)
		}
		if targetNodeID != nil {
			if _, ok := findNode(e.nodes, *targetNodeID); !ok {
				return newError(CodeNodeNotFound, "node %s not found", *targetNodeID)
			}
		}
		out = models.Gate{ID: uuid.NewString(), SourceNodeID: sourceNodeID, OutcomeName: outcome, TargetNodeID: targetNodeID}
		for _, g := range e.gates {
			if g.SourceNodeID == sourceNodeID && g.OutcomeName == outcome {
				out.ID = g.ID
			}
		}
		e.putGate(out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteGate stages removal of a gate.
func (s *DraftService) DeleteGate(ctx context.Context, companyID, workflowID, gateID, actor string) error {
	return s.editBuffer(ctx, "DraftService.DeleteGate", companyID, workflowID, actor, func(e *draftEdit) error {
		found := false
		for _, g := range e.gates {
			if g.ID == gateID {
				found = true
			}
		}
		if !found {
			return newError(CodeValidationError, "gate %s not found", gateID)
		}
		e.dropGate(gateID)
		return nil
	})
}

// UpdateNodePosition writes layout straight to the relational node,
// bypassing the buffer and the lifecycle guard. Nodes that exist only in
// the buffer keep their position there until commit.
func (s *DraftService) UpdateNodePosition(ctx context.Context, companyID, workflowID, nodeID string, pos models.Position) (err error) {
	ctx, done := s.start(ctx, "DraftService.UpdateNodePosition", attribute.String("workflow_id", workflowID))
	defer done(&err)

	return s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, false)
		if err != nil {
			return err
		}
		ok, err := q.UpdateNodePosition(ctx, wf.ID, nodeID, pos)
		if err != nil || ok {
			return err
		}
		buf, err := q.GetDraftBuffer(ctx, companyID, workflowID)
		if errors.Is(err, repository.ErrNotFound) {
			return newError(CodeNodeNotFound, "node %s not found", nodeID)
		}
		if err != nil {
			return err
		}
		for i := range buf.Content.Nodes {
			if buf.Content.Nodes[i].ID == nodeID {
				p := pos
				buf.Content.Nodes[i].Position = &p
				buf.UpdatedAt = s.now()
				return q.SaveDraftBuffer(ctx, buf)
			}
		}
		return newError(CodeNodeNotFound, "node %s not found", nodeID)
	})
}

// AddFanOutRule writes a fan-out rule directly to the workflow.
func (s *DraftService) AddFanOutRule(ctx context.Context, companyID, workflowID, sourceNodeID, triggerOutcome, targetWorkflowID string) (rule *models.FanOutRule, err error) {
	ctx, done := s.start(ctx, "DraftService.AddFanOutRule", attribute.String("workflow_id", workflowID))
	defer done(&err)

	if sourceNodeID == "" || triggerOutcome == "" || targetWorkflowID == "" {
		return nil, newError(CodeInputRequired, "fan-out rule needs a source node, an outcome and a target workflow")
	}
	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, true)
		if err != nil {
			return err
		}
		if err := guardStructuralEdit(ctx, q, wf); err != nil {
			return err
		}
		rule = &models.FanOutRule{
			WorkflowID:       wf.ID,
			SourceNodeID:     sourceNodeID,
			TriggerOutcome:   triggerOutcome,
			TargetWorkflowID: targetWorkflowID,
		}
		return q.CreateFanOutRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteFanOutRule removes a fan-out rule from the workflow.
func (s *DraftService) DeleteFanOutRule(ctx context.Context, companyID, workflowID, ruleID string) (err error) {
	ctx, done := s.start(ctx, "DraftService.DeleteFanOutRule", attribute.String("workflow_id", workflowID))
	defer done(&err)

	return s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, true)
		if err != nil {
			return err
		}
		if err := guardStructuralEdit(ctx, q, wf); err != nil {
			return err
		}
		ok, err := q.DeleteFanOutRule(ctx, wf.ID, ruleID)
		if err != nil {
			return err
		}
		if !ok {
			return newError(CodeValidationError, "fan-out rule %s not found", ruleID)
		}
		return nil
	})
}

// Commit applies the buffer to the relational tables and records a COMMIT
// event carrying the composite snapshot. The buffer row stays, emptied and
// pointing at the new event.
func (s *DraftService) Commit(ctx context.Context, companyID, workflowID, actor, label string) (ev *models.DraftEvent, err error) {
	ctx, done := s.start(ctx, "DraftService.Commit", attribute.String("workflow_id", workflowID))
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, true)
		if err != nil {
			return err
		}
		buf, err := q.GetDraftBuffer(ctx, companyID, workflowID)
		if errors.Is(err, repository.ErrNotFound) {
			return newError(CodeNoChanges, "workflow %s has no draft changes", workflowID)
		}
		if err != nil {
			return err
		}
		if buf.Content.IsEmpty() {
			return newError(CodeNoChanges, "workflow %s has no draft changes", workflowID)
		}
		if err := guardStructuralEdit(ctx, q, wf); err != nil {
			return err
		}

		relNodes, err := q.ListNodes(ctx, wf.ID)
		if err != nil {
			return err
		}
		relGates, err := q.ListGates(ctx, wf.ID)
		if err != nil {
			return err
		}
		nodes, gates := composeView(relNodes, relGates, &buf.Content)

		now := s.now()
		ev = &models.DraftEvent{
			CompanyID:  companyID,
			WorkflowID: wf.ID,
			Type:       models.DraftEventCommit,
			Label:      label,
			Snapshot: models.CompositeSnapshot{
				Semantic: semanticDocument(nodes, gates),
				Layout:   layoutOf(nodes),
			},
			CreatedBy: actor,
			CreatedAt: now,
		}
		if err := q.AppendDraftEvent(ctx, ev); err != nil {
			return fmt.Errorf("failed to append draft event: %w", err)
		}

		if err := applyContent(ctx, q, wf.ID, relNodes, &buf.Content); err != nil {
			return err
		}

		buf.Content = models.DraftContent{}
		buf.BaseEventID = strPtr(ev.ID)
		buf.UpdatedBy = actor
		buf.UpdatedAt = now
		return q.SaveDraftBuffer(ctx, buf)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.draftCommitted()
	s.log.Info("draft committed", "company_id", companyID, "workflow_id", workflowID, "seq", ev.Seq, "event_id", ev.ID)
	s.publish(ctx, models.DomainEvent{
		Type:       models.EventDraftCommitted,
		CompanyID:  companyID,
		WorkflowID: workflowID,
		Attributes: map[string]string{"event_id": ev.ID, "seq": fmt.Sprint(ev.Seq)},
	})
	return ev, nil
}

func applyContent(ctx context.Context, q repository.Queries, workflowID string, relNodes []models.Node, c *models.DraftContent) error {
	for _, id := range c.DeletedGateIDs {
		if err := q.DeleteGate(ctx, workflowID, id); err != nil {
			return err
		}
	}
	for _, id := range c.DeletedNodeIDs {
		if err := q.DeleteNode(ctx, workflowID, id); err != nil {
			return err
		}
	}
	rel := make(map[string]bool, len(relNodes))
	for _, n := range relNodes {
		rel[n.ID] = true
	}
	for _, n := range c.Nodes {
		n.WorkflowID = workflowID
		if rel[n.ID] {
			// Layout of existing nodes is owned by the relational row.
			n.Position = nil
		}
		if err := q.SaveNode(ctx, n); err != nil {
			return fmt.Errorf("failed to apply node %s: %w", n.ID, err)
		}
	}
	for _, g := range c.Gates {
		g.WorkflowID = workflowID
		if err := q.SaveGate(ctx, g); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return newError(CodeValidationFailed, "outcome %s of node %s is routed more than once", g.OutcomeName, g.SourceNodeID)
			}
			return fmt.Errorf("failed to apply gate %s: %w", g.ID, err)
		}
	}
	return nil
}

// Discard drops the buffer. Relational state, layout included, is untouched.
func (s *DraftService) Discard(ctx context.Context, companyID, workflowID string) (discarded bool, err error) {
	ctx, done := s.start(ctx, "DraftService.Discard", attribute.String("workflow_id", workflowID))
	defer done(&err)

	if _, err := s.getWorkflow(ctx, s.repo, companyID, workflowID, false); err != nil {
		return false, err
	}
	discarded, err = s.repo.DeleteDraftBuffer(ctx, companyID, workflowID)
	if err != nil {
		return false, err
	}
	s.log.Info("draft discarded", "workflow_id", workflowID, "discarded", discarded)
	return discarded, nil
}

// Restore overwrites the buffer with the semantic part of a historical
// event and records a RESTORE event. Relational layout is untouched; the
// restore becomes durable only on the next Commit.
func (s *DraftService) Restore(ctx context.Context, companyID, workflowID, eventID, actor string) (restore *models.DraftEvent, err error) {
	ctx, done := s.start(ctx, "DraftService.Restore",
		attribute.String("workflow_id", workflowID), attribute.String("event_id", eventID))
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, true)
		if err != nil {
			return err
		}
		source, err := q.GetDraftEvent(ctx, companyID, workflowID, eventID)
		if errors.Is(err, repository.ErrNotFound) {
			return newError(CodeEventNotFound, "draft event %s not found", eventID)
		}
		if err != nil {
			return err
		}
		if err := guardStructuralEdit(ctx, q, wf); err != nil {
			return err
		}

		relNodes, err := q.ListNodes(ctx, wf.ID)
		if err != nil {
			return err
		}
		relGates, err := q.ListGates(ctx, wf.ID)
		if err != nil {
			return err
		}

		content := restoredContent(source.Snapshot, relNodes, relGates)
		now := s.now()
		buf, err := q.GetDraftBuffer(ctx, companyID, workflowID)
		if errors.Is(err, repository.ErrNotFound) {
			buf = &models.DraftBuffer{CompanyID: companyID, WorkflowID: workflowID, CreatedAt: now}
		} else if err != nil {
			return err
		}
		buf.Content = content
		buf.BaseEventID = strPtr(source.ID)
		buf.UpdatedBy = actor
		buf.UpdatedAt = now
		if err := q.SaveDraftBuffer(ctx, buf); err != nil {
			return err
		}

		restore = &models.DraftEvent{
			CompanyID:     companyID,
			WorkflowID:    wf.ID,
			Type:          models.DraftEventRestore,
			Label:         fmt.Sprintf("restore of #%d", source.Seq),
			Snapshot:      source.Snapshot,
			SourceEventID: strPtr(source.ID),
			CreatedBy:     actor,
			CreatedAt:     now,
		}
		return q.AppendDraftEvent(ctx, restore)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("draft restored", "workflow_id", workflowID, "source_event_id", eventID, "seq", restore.Seq)
	return restore, nil
}

// restoredContent turns a historical snapshot into a buffer delta that,
// overlaid on the current relational rows, reproduces the snapshot.
func restoredContent(snap models.CompositeSnapshot, relNodes []models.Node, relGates []models.Gate) models.DraftContent {
	content := models.DraftContent{
		Nodes: make([]models.Node, 0, len(snap.Semantic.Nodes)),
		Gates: append([]models.Gate{}, snap.Semantic.Gates...),
	}
	inSnap := make(map[string]bool)
	relational := make(map[string]bool)
	for _, n := range relNodes {
		relational[n.ID] = true
	}
	for _, n := range snap.Semantic.Nodes {
		inSnap[n.ID] = true
		n.Position = nil
		if !relational[n.ID] {
			if p, ok := snap.Layout[n.ID]; ok {
				n.Position = &p
			}
		}
		content.Nodes = append(content.Nodes, n)
	}
	for _, n := range relNodes {
		if !inSnap[n.ID] {
			content.DeletedNodeIDs = append(content.DeletedNodeIDs, n.ID)
		}
	}
	gateInSnap := make(map[string]bool)
	for _, g := range snap.Semantic.Gates {
		gateInSnap[g.ID] = true
	}
	for _, g := range relGates {
		if !gateInSnap[g.ID] {
			content.DeletedGateIDs = append(content.DeletedGateIDs, g.ID)
		}
	}
	return content
}

// ListEvents returns the draft history, oldest first.
func (s *DraftService) ListEvents(ctx context.Context, companyID, workflowID string) ([]*models.DraftEvent, error) {
	if _, err := s.getWorkflow(ctx, s.repo, companyID, workflowID, false); err != nil {
		return nil, err
	}
	return s.repo.ListDraftEvents(ctx, companyID, workflowID)
}

// DiffEvents renders a unified diff between the semantic documents of two
// draft events.
func (s *DraftService) DiffEvents(ctx context.Context, companyID, workflowID, fromID, toID string) (string, error) {
	load := func(id string) (*models.DraftEvent, []byte, error) {
		ev, err := s.repo.GetDraftEvent(ctx, companyID, workflowID, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, newError(CodeEventNotFound, "draft event %s not found", id)
		}
		if err != nil {
			return nil, nil, err
		}
		doc, err := json.MarshalIndent(ev.Snapshot.Semantic, "", "  ")
		if err != nil {
			return nil, nil, err
		}
		return ev, append(doc, '\n'), nil
	}
	from, a, err := load(fromID)
	if err != nil {
		return "", err
	}
	to, b, err := load(toID)
	if err != nil {
		return "", err
	}

	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: fmt.Sprintf("#%d", from.Seq),
		ToFile:   fmt.Sprintf("#%d", to.Seq),
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

func gateIDsTouching(gates []models.Gate, nodeID string) []string {
	var ids []string
	for _, g := range gates {
		if g.SourceNodeID == nodeID || (g.TargetNodeID != nil && *g.TargetNodeID == nodeID) {
			ids = append(ids, g.ID)
		}
	}
	return ids
}

package services

import (
	"context"
	"encoding/json"
	"fmt"

	"flowspec/backend/pkg/models"

	"github.com/getkin/kin-openapi/openapi3"
)

// Structural issue codes reported by ValidateStructure.
const (
	IssueNoEntryNode            = "NO_ENTRY_NODE"
	IssueDuplicateNode          = "DUPLICATE_NODE"
	IssueNodeNameRequired       = "NODE_NAME_REQUIRED"
	IssueNodeWithoutTasks       = "NODE_WITHOUT_TASKS"
	IssueNodeUnreachable        = "NODE_UNREACHABLE"
	IssueDuplicateTask          = "DUPLICATE_TASK"
	IssueTaskNameRequired       = "TASK_NAME_REQUIRED"
	IssueTaskWithoutOutcomes    = "TASK_WITHOUT_OUTCOMES"
	IssueDuplicateOutcome       = "DUPLICATE_OUTCOME"
	IssueDuplicateGateKey       = "DUPLICATE_GATE_KEY"
	IssueGateSourceMissing      = "GATE_SOURCE_MISSING"
	IssueGateTargetMissing      = "GATE_TARGET_MISSING"
	IssueGateOutcomeUnknown     = "GATE_OUTCOME_UNKNOWN"
	IssueOutcomeNotRouted       = "OUTCOME_NOT_ROUTED"
	IssueEvidenceSchemaRequired = "EVIDENCE_SCHEMA_REQUIRED"
	IssueEvidenceSchemaInvalid  = "EVIDENCE_SCHEMA_INVALID"
	IssueDependencyIncomplete   = "DEPENDENCY_INCOMPLETE"
	IssueFanOutSourceMissing    = "FANOUT_SOURCE_MISSING"
	IssueFanOutOutcomeUnknown   = "FANOUT_OUTCOME_UNKNOWN"
	IssueFanOutTargetRequired   = "FANOUT_TARGET_REQUIRED"
)

// ValidateStructure checks a workflow graph and returns every problem found.
// An empty result means the graph may be published.
func ValidateStructure(ctx context.Context, nodes []models.Node, gates []models.Gate, rules []models.FanOutRule) []ValidationIssue {
	issues := []ValidationIssue{}
	add := func(issue ValidationIssue) { issues = append(issues, issue) }

	byID := make(map[string]*models.Node, len(nodes))
	taskSeen := make(map[string]bool)
	entries := 0
	for i := range nodes {
		n := &nodes[i]
		if _, dup := byID[n.ID]; dup {
			add(ValidationIssue{Code: IssueDuplicateNode, Message: fmt.Sprintf("node id %s is used twice", n.ID), NodeID: n.ID})
			continue
		}
		byID[n.ID] = n
		if n.IsEntry {
			entries++
		}
		if n.Name == "" {
			add(ValidationIssue{Code: IssueNodeNameRequired, Message: "node name is required", NodeID: n.ID})
		}
		// A node without tasks never records an outcome, so its gates never fire.
		if len(n.Tasks) == 0 {
			add(ValidationIssue{Code: IssueNodeWithoutTasks, Message: fmt.Sprintf("node %s has no tasks", n.ID), NodeID: n.ID})
		}
		for _, t := range n.Tasks {
			if taskSeen[t.ID] {
				add(ValidationIssue{Code: IssueDuplicateTask, Message: fmt.Sprintf("task id %s is used twice", t.ID), NodeID: n.ID, TaskID: t.ID})
			}
			taskSeen[t.ID] = true
			issues = append(issues, validateTask(ctx, n, &t)...)
		}
	}
	if entries == 0 {
		add(ValidationIssue{Code: IssueNoEntryNode, Message: "workflow has no entry node"})
	}

	routed := make(map[models.GateKey]bool)
	for _, g := range gates {
		if routed[g.Key()] {
			add(ValidationIssue{Code: IssueDuplicateGateKey,
				Message: fmt.Sprintf("outcome %s of node %s is routed more than once", g.OutcomeName, g.SourceNodeID),
				NodeID:  g.SourceNodeID, GateID: g.ID})
			continue
		}
		routed[g.Key()] = true

		src, ok := byID[g.SourceNodeID]
		if !ok {
			add(ValidationIssue{Code: IssueGateSourceMissing, Message: fmt.Sprintf("gate source node %s does not exist", g.SourceNodeID), GateID: g.ID})
		} else if !nodeHasOutcome(src, g.OutcomeName) {
			add(ValidationIssue{Code: IssueGateOutcomeUnknown,
				Message: fmt.Sprintf("no task of node %s has outcome %s", g.SourceNodeID, g.OutcomeName),
				NodeID:  g.SourceNodeID, GateID: g.ID})
		}
		if g.TargetNodeID != nil {
			if _, ok := byID[*g.TargetNodeID]; !ok {
				add(ValidationIssue{Code: IssueGateTargetMissing, Message: fmt.Sprintf("gate target node %s does not exist", *g.TargetNodeID), GateID: g.ID})
			}
		}
	}

	if entries > 0 {
		for _, id := range unreachableNodes(nodes, gates) {
			add(ValidationIssue{Code: IssueNodeUnreachable, Message: fmt.Sprintf("node %s cannot be reached from an entry node", id), NodeID: id})
		}
	}

	for _, n := range nodes {
		for _, t := range n.Tasks {
			for _, o := range t.Outcomes {
				if !routed[models.GateKey{SourceNodeID: n.ID, OutcomeName: o.Name}] {
					add(ValidationIssue{Code: IssueOutcomeNotRouted,
						Message: fmt.Sprintf("outcome %s of task %s has no gate", o.Name, t.Name),
						NodeID:  n.ID, TaskID: t.ID})
				}
			}
		}
	}

	for _, r := range rules {
		src, ok := byID[r.SourceNodeID]
		switch {
		case !ok:
			add(ValidationIssue{Code: IssueFanOutSourceMissing, Message: fmt.Sprintf("fan-out rule %s references missing node %s", r.ID, r.SourceNodeID)})
		case !nodeHasOutcome(src, r.TriggerOutcome):
			add(ValidationIssue{Code: IssueFanOutOutcomeUnknown,
				Message: fmt.Sprintf("fan-out rule %s triggers on unknown outcome %s", r.ID, r.TriggerOutcome), NodeID: r.SourceNodeID})
		}
		if r.TargetWorkflowID == "" {
			add(ValidationIssue{Code: IssueFanOutTargetRequired, Message: fmt.Sprintf("fan-out rule %s has no target workflow", r.ID), NodeID: r.SourceNodeID})
		}
	}
	return issues
}

// unreachableNodes walks gate targets breadth-first from every entry node and
// returns the ids of nodes the walk never visits, in declaration order.
func unreachableNodes(nodes []models.Node, gates []models.Gate) []string {
	next := make(map[string][]string)
	for _, g := range gates {
		if g.TargetNodeID != nil {
			next[g.SourceNodeID] = append(next[g.SourceNodeID], *g.TargetNodeID)
		}
	}
	seen := make(map[string]bool, len(nodes))
	var queue []string
	for _, n := range nodes {
		if n.IsEntry && !seen[n.ID] {
			seen[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range next[id] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	var out []string
	for _, n := range nodes {
		if !seen[n.ID] {
			seen[n.ID] = true
			out = append(out, n.ID)
		}
	}
	return out
}

func validateTask(ctx context.Context, n *models.Node, t *models.Task) []ValidationIssue {
	var issues []ValidationIssue
	issue := func(code, msg string) {
		issues = append(issues, ValidationIssue{Code: code, Message: msg, NodeID: n.ID, TaskID: t.ID})
	}
	if t.Name == "" {
		issue(IssueTaskNameRequired, "task name is required")
	}
	if len(t.Outcomes) == 0 {
		issue(IssueTaskWithoutOutcomes, fmt.Sprintf("task %s declares no outcomes", t.Name))
	}
	seen := make(map[string]bool)
	for _, o := range t.Outcomes {
		if seen[o.Name] {
			issue(IssueDuplicateOutcome, fmt.Sprintf("task %s declares outcome %s twice", t.Name, o.Name))
		}
		seen[o.Name] = true
	}
	if t.EvidenceRequired && len(t.EvidenceSchema) == 0 {
		issue(IssueEvidenceSchemaRequired, fmt.Sprintf("task %s requires evidence but has no schema", t.Name))
	}
	if len(t.EvidenceSchema) > 0 {
		if _, err := parseEvidenceSchema(ctx, t.EvidenceSchema); err != nil {
			issue(IssueEvidenceSchemaInvalid, err.Error())
		}
	}
	for _, dep := range t.Dependencies {
		if dep.SourceWorkflowID == "" || dep.SourceTaskID == "" || dep.RequiredOutcome == "" {
			issue(IssueDependencyIncomplete, fmt.Sprintf("task %s has a cross-flow dependency without workflow, task or outcome", t.Name))
		}
	}
	return issues
}

func nodeHasOutcome(n *models.Node, outcome string) bool {
	for i := range n.Tasks {
		if n.Tasks[i].HasOutcome(outcome) {
			return true
		}
	}
	return false
}

// parseEvidenceSchema decodes and checks a task's evidence schema.
func parseEvidenceSchema(ctx context.Context, raw json.RawMessage) (*openapi3.Schema, error) {
	var schema openapi3.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("evidence schema is not a valid schema document: %w", err)
	}
	if err := schema.Validate(ctx); err != nil {
		return nil, fmt.Errorf("evidence schema is invalid: %w", err)
	}
	return &schema, nil
}

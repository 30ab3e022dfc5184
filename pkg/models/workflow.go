// Package models defines the domain models for the FlowSpec engine
package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow template
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "DRAFT"
	WorkflowStatusValidated WorkflowStatus = "VALIDATED"
	WorkflowStatusPublished WorkflowStatus = "PUBLISHED"
)

// CompletionRule decides when a node counts as done for an iteration
type CompletionRule string

const (
	CompletionAllTasksDone CompletionRule = "ALL_TASKS_DONE"
	CompletionAnyTaskDone  CompletionRule = "ANY_TASK_DONE"
)

// Workflow is the mutable template header. Its structure (nodes, gates,
// fan-out rules) lives in separate relational rows.
type Workflow struct {
	ID                 string         `json:"id"`
	CompanyID          string         `json:"company_id"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Status             WorkflowStatus `json:"status"`
	Version            int            `json:"version"` // number of the latest published version, 0 if never published
	PublishedVersionID *string        `json:"published_version_id,omitempty"`
	BranchedFromID     *string        `json:"branched_from_version_id,omitempty"`
	CreatedBy          string         `json:"created_by"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Position is the canvas location of a node. Layout only, never semantic.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a step in a workflow. Its ID is stable across edits and versions.
type Node struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	Name           string         `json:"name"`
	IsEntry        bool           `json:"is_entry"`
	CompletionRule CompletionRule `json:"completion_rule"`
	Position       *Position      `json:"position,omitempty"`
	Tasks          []Task         `json:"tasks"`
}

// Rule returns the node's completion rule, defaulting to ALL_TASKS_DONE.
func (n *Node) Rule() CompletionRule {
	if n.CompletionRule == "" {
		return CompletionAllTasksDone
	}
	return n.CompletionRule
}

// Task finds a task of the node by id.
func (n *Node) Task(taskID string) (*Task, bool) {
	for i := range n.Tasks {
		if n.Tasks[i].ID == taskID {
			return &n.Tasks[i], true
		}
	}
	return nil, false
}

// Outcome is a named result a task may record
type Outcome struct {
	Name string `json:"name"`
}

// CrossFlowDependency blocks a task until another flow in the same flow
// group has recorded RequiredOutcome on SourceTaskID.
type CrossFlowDependency struct {
	SourceWorkflowID string `json:"source_workflow_id" yaml:"source_workflow_id"`
	SourceTaskID     string `json:"source_task_id" yaml:"source_task_id"`
	RequiredOutcome  string `json:"required_outcome" yaml:"required_outcome"`
}

// Task is a unit of work inside a node
type Task struct {
	ID               string                `json:"id"`
	NodeID           string                `json:"node_id,omitempty"`
	Name             string                `json:"name"`
	Instructions     string                `json:"instructions,omitempty"`
	Position         int                   `json:"position"`
	Outcomes         []Outcome             `json:"outcomes"`
	EvidenceRequired bool                  `json:"evidence_required"`
	EvidenceSchema   json.RawMessage       `json:"evidence_schema,omitempty"`
	Dependencies     []CrossFlowDependency `json:"cross_flow_dependencies,omitempty"`
}

// HasOutcome reports whether name is one of the task's outcomes.
func (t *Task) HasOutcome(name string) bool {
	for _, o := range t.Outcomes {
		if o.Name == name {
			return true
		}
	}
	return false
}

// Gate routes (SourceNodeID, OutcomeName) to TargetNodeID. A nil target is terminal.
type Gate struct {
	ID           string  `json:"id"`
	WorkflowID   string  `json:"workflow_id,omitempty"`
	SourceNodeID string  `json:"source_node_id"`
	OutcomeName  string  `json:"outcome_name"`
	TargetNodeID *string `json:"target_node_id"`
}

// GateKey is the structural uniqueness key of a gate
type GateKey struct {
	SourceNodeID string
	OutcomeName  string
}

// Key returns the gate's uniqueness key.
func (g Gate) Key() GateKey {
	return GateKey{SourceNodeID: g.SourceNodeID, OutcomeName: g.OutcomeName}
}

// FanOutRule instantiates TargetWorkflowID in the same scope when
// TriggerOutcome is recorded on a task of SourceNodeID.
type FanOutRule struct {
	ID               string `json:"id"`
	WorkflowID       string `json:"workflow_id"`
	SourceNodeID     string `json:"source_node_id"`
	TriggerOutcome   string `json:"trigger_outcome"`
	TargetWorkflowID string `json:"target_workflow_id"`
}

// WorkflowVersion is an immutable snapshot taken at publish time
type WorkflowVersion struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	CompanyID   string    `json:"company_id"`
	Version     int       `json:"version"`
	Snapshot    Snapshot  `json:"snapshot"`
	PublishedBy string    `json:"published_by"`
	PublishedAt time.Time `json:"published_at"`
}

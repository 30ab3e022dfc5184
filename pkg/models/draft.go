package models

import "time"

// DraftContent is the staged semantic delta of a workflow. Nodes and gates
// present here overlay the relational rows with the same id; rows absent
// here are unchanged unless tombstoned in the Deleted lists.
type DraftContent struct {
	Nodes          []Node   `json:"nodes"`
	Gates          []Gate   `json:"gates"`
	DeletedNodeIDs []string `json:"deleted_node_ids,omitempty"`
	DeletedGateIDs []string `json:"deleted_gate_ids,omitempty"`
}

// IsEmpty reports whether the buffer stages no change at all.
func (c *DraftContent) IsEmpty() bool {
	return len(c.Nodes) == 0 && len(c.Gates) == 0 &&
		len(c.DeletedNodeIDs) == 0 && len(c.DeletedGateIDs) == 0
}

// DraftBuffer holds uncommitted edits. At most one exists per (company, workflow).
type DraftBuffer struct {
	ID          string       `json:"id"`
	CompanyID   string       `json:"company_id"`
	WorkflowID  string       `json:"workflow_id"`
	Content     DraftContent `json:"content"`
	BaseEventID *string      `json:"base_event_id,omitempty"`
	UpdatedBy   string       `json:"updated_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// DraftEventType enumerates draft history actions
type DraftEventType string

const (
	DraftEventCommit  DraftEventType = "COMMIT"
	DraftEventRestore DraftEventType = "RESTORE"
)

// SemanticDocument is the full semantic structure of a workflow, with
// node positions stripped.
type SemanticDocument struct {
	Nodes []Node `json:"nodes"`
	Gates []Gate `json:"gates"`
}

// CompositeSnapshot pairs a semantic document with the node layout at the
// time it was captured.
type CompositeSnapshot struct {
	Semantic SemanticDocument    `json:"semantic"`
	Layout   map[string]Position `json:"layout"`
}

// DraftEvent is an append-only entry in a workflow's draft history
type DraftEvent struct {
	ID            string            `json:"id"`
	CompanyID     string            `json:"company_id"`
	WorkflowID    string            `json:"workflow_id"`
	Seq           int               `json:"seq"`
	Type          DraftEventType    `json:"type"`
	Label         string            `json:"label,omitempty"`
	Snapshot      CompositeSnapshot `json:"snapshot"`
	SourceEventID *string           `json:"source_event_id,omitempty"`
	CreatedBy     string            `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
}

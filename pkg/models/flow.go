package models

import (
	"encoding/json"
	"time"
)

// FlowStatus represents the execution state of a flow
type FlowStatus string

const (
	FlowStatusActive    FlowStatus = "ACTIVE"
	FlowStatusSuspended FlowStatus = "SUSPENDED"
	FlowStatusBlocked   FlowStatus = "BLOCKED"
	FlowStatusCompleted FlowStatus = "COMPLETED"
)

// Scope identifies the business entity (job, opportunity, ...) a flow runs for
type Scope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// FlowGroup binds one scope to the flows executing on its behalf
type FlowGroup struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Scope     Scope     `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// Flow is one execution of one workflow version inside a flow group.
// The version binding never changes after creation.
type Flow struct {
	ID                string     `json:"id"`
	CompanyID         string     `json:"company_id"`
	FlowGroupID       string     `json:"flow_group_id"`
	WorkflowID        string     `json:"workflow_id"`
	WorkflowVersionID string     `json:"workflow_version_id"`
	Status            FlowStatus `json:"status"`
	ParentFlowID      *string    `json:"parent_flow_id,omitempty"`
	FanOutRuleID      *string    `json:"fan_out_rule_id,omitempty"`
	CreatedBy         string     `json:"created_by"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// NodeActivation records entry into a node. Re-entry appends a new iteration.
type NodeActivation struct {
	ID          string    `json:"id"`
	FlowID      string    `json:"flow_id"`
	NodeID      string    `json:"node_id"`
	Iteration   int       `json:"iteration"`
	ActivatedAt time.Time `json:"activated_at"`
	ActivatedBy string    `json:"activated_by,omitempty"`
}

// TaskExecution is the truth row for one task iteration. Outcome fields are
// written once and never changed.
type TaskExecution struct {
	ID        string          `json:"id"`
	FlowID    string          `json:"flow_id"`
	TaskID    string          `json:"task_id"`
	NodeID    string          `json:"node_id"`
	Iteration int             `json:"iteration"`
	StartedAt time.Time       `json:"started_at"`
	StartedBy string          `json:"started_by"`
	Outcome   *string         `json:"outcome"`
	OutcomeAt *time.Time      `json:"outcome_at,omitempty"`
	OutcomeBy *string         `json:"outcome_by,omitempty"`
	DetourID  *string         `json:"detour_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Done reports whether an outcome has been recorded.
func (e *TaskExecution) Done() bool {
	return e.Outcome != nil
}

// EvidenceAttachment is an append-only pointer to an artifact. Binary
// payloads live in object storage; Data carries only references.
type EvidenceAttachment struct {
	ID             string         `json:"id"`
	FlowID         string         `json:"flow_id"`
	TaskID         string         `json:"task_id"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	AttachedBy     string         `json:"attached_by"`
	AttachedAt     time.Time      `json:"attached_at"`
}

// Evidence types understood by the engine. Other types are accepted and
// validated only against the task's evidence schema.
const (
	EvidenceTypeFile       = "FILE"
	EvidenceTypeText       = "TEXT"
	EvidenceTypeStructured = "STRUCTURED"
)

// FileReference is the decoded Data of a FILE evidence attachment
type FileReference struct {
	StorageKey string `mapstructure:"storage_key" json:"storage_key"`
	FileName   string `mapstructure:"file_name" json:"file_name"`
	MimeType   string `mapstructure:"mime_type" json:"mime_type"`
	Size       int64  `mapstructure:"size" json:"size"`
}

// TextNote is the decoded Data of a TEXT evidence attachment
type TextNote struct {
	Text string `mapstructure:"text" json:"text"`
}

// DetourType distinguishes deviations that hold the rest of the flow
type DetourType string

const (
	DetourNonBlocking DetourType = "NON_BLOCKING"
	DetourBlocking    DetourType = "BLOCKING"
)

// DetourStatus is the lifecycle of a detour record
type DetourStatus string

const (
	DetourActive    DetourStatus = "ACTIVE"
	DetourResolved  DetourStatus = "RESOLVED"
	DetourConverted DetourStatus = "CONVERTED"
)

// DetourRecord is a human-confirmed deviation from the routed path,
// justified by a specific checkpoint task execution.
type DetourRecord struct {
	ID                        string       `json:"id"`
	FlowID                    string       `json:"flow_id"`
	CheckpointNodeID          string       `json:"checkpoint_node_id"`
	CheckpointTaskExecutionID string       `json:"checkpoint_task_execution_id"`
	ResumeTargetNodeID        string       `json:"resume_target_node_id"`
	Type                      DetourType   `json:"type"`
	Category                  string       `json:"category"`
	Status                    DetourStatus `json:"status"`
	OpenedBy                  string       `json:"opened_by"`
	OpenedAt                  time.Time    `json:"opened_at"`
	ResolvedAt                *time.Time   `json:"resolved_at,omitempty"`
	ConvertedBy               *string      `json:"converted_by,omitempty"`
	ConvertedAt               *time.Time   `json:"converted_at,omitempty"`
}

// FanOutFailure records a child instantiation that failed. The parent flow
// stays BLOCKED until every failure is resolved.
type FanOutFailure struct {
	ID               string     `json:"id"`
	FlowID           string     `json:"flow_id"`
	FanOutRuleID     string     `json:"fan_out_rule_id"`
	TaskExecutionID  string     `json:"task_execution_id"`
	TargetWorkflowID string     `json:"target_workflow_id"`
	ErrorCode        string     `json:"error_code"`
	ErrorMessage     string     `json:"error_message"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       *string    `json:"resolved_by,omitempty"`
	ChildFlowID      *string    `json:"child_flow_id,omitempty"`
}

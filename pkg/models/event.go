package models

import "time"

// DomainEventType names an engine state change announced after commit
type DomainEventType string

const (
	EventWorkflowPublished   DomainEventType = "workflow.published"
	EventDraftCommitted      DomainEventType = "draft.committed"
	EventFlowCreated         DomainEventType = "flow.created"
	EventFlowCompleted       DomainEventType = "flow.completed"
	EventFlowBlocked         DomainEventType = "flow.blocked"
	EventTaskStarted         DomainEventType = "task.started"
	EventTaskOutcomeRecorded DomainEventType = "task.outcome_recorded"
)

// DomainEvent is published after the transaction that produced it commits.
// Consumers must treat it as a notification and read truth for details.
type DomainEvent struct {
	Type       DomainEventType   `json:"type"`
	CompanyID  string            `json:"company_id"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	FlowID     string            `json:"flow_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

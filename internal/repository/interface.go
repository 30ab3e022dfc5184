package repository

import (
	"context"
	"errors"
	"time"

	"flowspec/backend/pkg/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist or is
	// not visible to the calling company.
	ErrNotFound = errors.New("repository: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("repository: conflict")
)

// Repository is the persistence boundary of the engine. Reads may run
// directly against it; multi-step mutations run inside WithTx so that a
// failure at any step rolls back every step.
type Repository interface {
	Queries

	// WithTx runs fn inside a single database transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Queries is the set of operations available both on the repository and
// inside a transaction.
type Queries interface {
	CompanyStore
	WorkflowStore
	DraftStore
	FlowStore
}

// CompanyStore resolves tenants.
type CompanyStore interface {
	GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error)
	CreateCompany(ctx context.Context, company *models.Company) error
}

// WorkflowStore persists templates, their relational structure and published versions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, companyID, workflowID string) (*models.Workflow, error)
	// LockWorkflow reads the workflow row and holds a row lock for the rest
	// of the transaction, serializing structural operations per workflow.
	LockWorkflow(ctx context.Context, companyID, workflowID string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, companyID string) ([]*models.Workflow, error)
	// TransitionWorkflowStatus moves the workflow to `to` only if its current
	// status is one of `from`. It reports whether a row changed.
	TransitionWorkflowStatus(ctx context.Context, companyID, workflowID string, from []models.WorkflowStatus, to models.WorkflowStatus) (bool, error)
	// MarkWorkflowPublished sets PUBLISHED, the version counter and the
	// published version pointer, guarded on status VALIDATED.
	MarkWorkflowPublished(ctx context.Context, companyID, workflowID, versionID string, version int) (bool, error)

	ListNodes(ctx context.Context, workflowID string) ([]models.Node, error)
	// SaveNode inserts or updates a node and replaces its tasks. A nil
	// position keeps the stored one.
	SaveNode(ctx context.Context, node models.Node) error
	UpdateNodePosition(ctx context.Context, workflowID, nodeID string, pos models.Position) (bool, error)
	// DeleteNode removes a node, its tasks and every gate touching it.
	DeleteNode(ctx context.Context, workflowID, nodeID string) error

	ListGates(ctx context.Context, workflowID string) ([]models.Gate, error)
	// SaveGate inserts or updates a gate. A different gate with the same
	// (source node, outcome) key yields ErrConflict.
	SaveGate(ctx context.Context, gate models.Gate) error
	DeleteGate(ctx context.Context, workflowID, gateID string) error

	ListFanOutRules(ctx context.Context, workflowID string) ([]models.FanOutRule, error)
	CreateFanOutRule(ctx context.Context, rule *models.FanOutRule) error
	DeleteFanOutRule(ctx context.Context, workflowID, ruleID string) (bool, error)

	CreateWorkflowVersion(ctx context.Context, v *models.WorkflowVersion) error
	GetWorkflowVersion(ctx context.Context, versionID string) (*models.WorkflowVersion, error)
	GetWorkflowVersionByNumber(ctx context.Context, companyID, workflowID string, version int) (*models.WorkflowVersion, error)
	ListWorkflowVersions(ctx context.Context, companyID, workflowID string) ([]*models.WorkflowVersion, error)
}

// DraftStore persists the staging buffer and its event log.
type DraftStore interface {
	GetDraftBuffer(ctx context.Context, companyID, workflowID string) (*models.DraftBuffer, error)
	// SaveDraftBuffer replaces the whole buffer document (last writer wins).
	SaveDraftBuffer(ctx context.Context, buf *models.DraftBuffer) error
	DeleteDraftBuffer(ctx context.Context, companyID, workflowID string) (bool, error)

	// AppendDraftEvent assigns the next sequence number and inserts the event.
	AppendDraftEvent(ctx context.Context, ev *models.DraftEvent) error
	GetDraftEvent(ctx context.Context, companyID, workflowID, eventID string) (*models.DraftEvent, error)
	ListDraftEvents(ctx context.Context, companyID, workflowID string) ([]*models.DraftEvent, error)
}

// FlowStore persists flow groups, flows and execution truth.
type FlowStore interface {
	// ResolveFlowGroup returns the group for the scope, creating it if absent.
	ResolveFlowGroup(ctx context.Context, companyID string, scope models.Scope) (*models.FlowGroup, error)
	GetFlowGroup(ctx context.Context, companyID, groupID string) (*models.FlowGroup, error)
	FindFlowGroupByScope(ctx context.Context, companyID string, scope models.Scope) (*models.FlowGroup, error)

	CreateFlow(ctx context.Context, flow *models.Flow) error
	GetFlow(ctx context.Context, companyID, flowID string) (*models.Flow, error)
	// LockFlow reads the flow and holds a row lock for the rest of the
	// transaction, serializing outcome recording per flow.
	LockFlow(ctx context.Context, companyID, flowID string) (*models.Flow, error)
	ListFlowsByGroup(ctx context.Context, companyID, groupID string) ([]*models.Flow, error)
	// TransitionFlowStatus moves the flow to `to` only if its current status
	// is one of `from`. It reports whether a row changed.
	TransitionFlowStatus(ctx context.Context, flowID string, from []models.FlowStatus, to models.FlowStatus, at time.Time) (bool, error)

	CreateNodeActivation(ctx context.Context, a *models.NodeActivation) error
	ListNodeActivations(ctx context.Context, flowID string) ([]models.NodeActivation, error)

	// CreateTaskExecution returns ErrConflict if a row already exists for
	// (flow, task, iteration).
	CreateTaskExecution(ctx context.Context, e *models.TaskExecution) error
	// StampTaskOutcome writes the outcome fields of an execution that has no
	// outcome yet. It reports false if the outcome was already set.
	StampTaskOutcome(ctx context.Context, executionID string, outcome, actor string, at time.Time, detourID *string, metadata []byte) (bool, error)
	GetTaskExecution(ctx context.Context, executionID string) (*models.TaskExecution, error)
	ListTaskExecutions(ctx context.Context, flowID string) ([]models.TaskExecution, error)
	ListTaskExecutionsByGroup(ctx context.Context, groupID string) ([]models.TaskExecution, error)

	// CreateEvidence inserts an attachment. When IdempotencyKey matches an
	// existing attachment of the same flow, that row is returned instead and
	// created is false.
	CreateEvidence(ctx context.Context, ev *models.EvidenceAttachment) (stored *models.EvidenceAttachment, created bool, err error)
	ListEvidence(ctx context.Context, flowID, taskID string) ([]models.EvidenceAttachment, error)

	CreateDetour(ctx context.Context, d *models.DetourRecord) error
	GetDetour(ctx context.Context, detourID string) (*models.DetourRecord, error)
	ListDetours(ctx context.Context, flowID string) ([]models.DetourRecord, error)
	ResolveDetour(ctx context.Context, detourID string, at time.Time) (bool, error)
	ConvertDetour(ctx context.Context, detourID, actor string, at time.Time) (bool, error)

	CreateFanOutFailure(ctx context.Context, f *models.FanOutFailure) error
	GetFanOutFailure(ctx context.Context, failureID string) (*models.FanOutFailure, error)
	ListFanOutFailures(ctx context.Context, flowID string) ([]models.FanOutFailure, error)
	ResolveFanOutFailure(ctx context.Context, failureID, actor string, at time.Time, childFlowID *string) (bool, error)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"go.opentelemetry.io/otel/attribute"
)

// LifecycleService moves workflows through DRAFT, VALIDATED and PUBLISHED
// and freezes published structure into versions.
type LifecycleService struct {
	base
}

// NewLifecycleService creates a new LifecycleService.
func NewLifecycleService(repo repository.Repository, opts Options) *LifecycleService {
	return &LifecycleService{base: newBase(repo, opts)}
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool                  `json:"valid"`
	Status models.WorkflowStatus `json:"status"`
	Issues []ValidationIssue     `json:"issues"`
}

// CreateWorkflow creates an empty DRAFT workflow.
func (s *LifecycleService) CreateWorkflow(ctx context.Context, companyID, actor, name, description string) (wf *models.Workflow, err error) {
	ctx, done := s.start(ctx, "LifecycleService.CreateWorkflow", attribute.String("company_id", companyID))
	defer done(&err)

	if strings.TrimSpace(name) == "" {
		return nil, newError(CodeInputRequired, "workflow name is required")
	}
	now := s.now()
	wf = &models.Workflow{
		CompanyID:   companyID,
		Name:        name,
		Description: description,
		Status:      models.WorkflowStatusDraft,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	s.log.Info("workflow created", "company_id", companyID, "workflow_id", wf.ID)
	return wf, nil
}

// GetWorkflow returns a workflow header.
func (s *LifecycleService) GetWorkflow(ctx context.Context, companyID, workflowID string) (*models.Workflow, error) {
	return s.getWorkflow(ctx, s.repo, companyID, workflowID, false)
}

// ListWorkflows returns the company's workflows.
func (s *LifecycleService) ListWorkflows(ctx context.Context, companyID string) ([]*models.Workflow, error) {
	return s.repo.ListWorkflows(ctx, companyID)
}

// Validate checks the live structure plus any pending draft. On success a
// DRAFT workflow becomes VALIDATED; on failure the status is unchanged and
// the returned error carries the itemized issues.
func (s *LifecycleService) Validate(ctx context.Context, companyID, workflowID string) (res *ValidationResult, err error) {
	ctx, done := s.start(ctx, "LifecycleService.Validate", attribute.String("workflow_id", workflowID))
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, true)
		if err != nil {
			return err
		}
		if wf.Status == models.WorkflowStatusPublished {
			return newError(CodePublishedImmutable, "workflow %s is published; branch it to make changes", workflowID)
		}

		nodes, gates, err := s.draftView(ctx, q, wf)
		if err != nil {
			return err
		}
		rules, err := q.ListFanOutRules(ctx, wf.ID)
		if err != nil {
			return err
		}

		res = &ValidationResult{Status: wf.Status, Issues: ValidateStructure(ctx, nodes, gates, rules)}
		if len(res.Issues) > 0 {
			return nil
		}
		res.Valid = true
		if wf.Status == models.WorkflowStatusDraft {
			if _, err := q.TransitionWorkflowStatus(ctx, companyID, workflowID,
				[]models.WorkflowStatus{models.WorkflowStatusDraft}, models.WorkflowStatusValidated); err != nil {
				return err
			}
			res.Status = models.WorkflowStatusValidated
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		s.log.Info("workflow validation failed", "workflow_id", workflowID, "issues", len(res.Issues))
		return res, validationFailed(res.Issues)
	}
	s.log.Info("workflow validated", "workflow_id", workflowID)
	return res, nil
}

// Publish freezes the relational structure into a new immutable version.
// The workflow must be VALIDATED and have no uncommitted draft.
func (s *LifecycleService) Publish(ctx context.Context, companyID, workflowID, actor string) (version *models.WorkflowVersion, err error) {
	ctx, done := s.start(ctx, "LifecycleService.Publish", attribute.String("workflow_id", workflowID))
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, true)
		if err != nil {
			return err
		}
		if wf.Status == models.WorkflowStatusPublished {
			return newError(CodePublishedImmutable, "workflow %s is already published; branch it to make changes", workflowID)
		}
		if wf.Status != models.WorkflowStatusValidated {
			return newError(CodeWorkflowNotValidated, "workflow %s is %s, not VALIDATED", workflowID, wf.Status).
				WithDetail("status", wf.Status)
		}
		buf, err := q.GetDraftBuffer(ctx, companyID, workflowID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if buf != nil && !buf.Content.IsEmpty() {
			return newError(CodeUncommittedChanges, "workflow %s has uncommitted draft changes", workflowID)
		}

		nodes, err := q.ListNodes(ctx, wf.ID)
		if err != nil {
			return err
		}
		gates, err := q.ListGates(ctx, wf.ID)
		if err != nil {
			return err
		}
		rules, err := q.ListFanOutRules(ctx, wf.ID)
		if err != nil {
			return err
		}
		if issues := ValidateStructure(ctx, nodes, gates, rules); len(issues) > 0 {
			return validationFailed(issues)
		}

		version = &models.WorkflowVersion{
			WorkflowID: wf.ID,
			CompanyID:  companyID,
			Version:    wf.Version + 1,
			Snapshot: models.Snapshot{
				SchemaVersion: models.SnapshotSchemaVersion,
				WorkflowID:    wf.ID,
				Name:          wf.Name,
				Nodes:         nodes,
				Gates:         gates,
				FanOutRules:   rules,
			},
			PublishedBy: actor,
			PublishedAt: s.now(),
		}
		if err := q.CreateWorkflowVersion(ctx, version); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return newError(CodeWorkflowNotValidated, "workflow %s was published concurrently", workflowID)
			}
			return fmt.Errorf("failed to create version: %w", err)
		}
		ok, err := q.MarkWorkflowPublished(ctx, companyID, wf.ID, version.ID, version.Version)
		if err != nil {
			return err
		}
		if !ok {
			return newError(CodeWorkflowNotValidated, "workflow %s is no longer VALIDATED", workflowID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Put(ctx, version)
	s.metrics.published()
	s.log.Info("workflow published", "company_id", companyID, "workflow_id", workflowID,
		"version", version.Version, "version_id", version.ID)
	s.publish(ctx, models.DomainEvent{
		Type:       models.EventWorkflowPublished,
		CompanyID:  companyID,
		WorkflowID: workflowID,
		Attributes: map[string]string{"version_id": version.ID, "version": fmt.Sprint(version.Version)},
	})
	return version, nil
}

// RevertToDraft moves a VALIDATED workflow back to DRAFT. DRAFT is left
// as is; PUBLISHED cannot be reverted.
func (s *LifecycleService) RevertToDraft(ctx context.Context, companyID, workflowID string) (wf *models.Workflow, err error) {
	ctx, done := s.start(ctx, "LifecycleService.RevertToDraft", attribute.String("workflow_id", workflowID))
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err = s.getWorkflow(ctx, q, companyID, workflowID, true)
		if err != nil {
			return err
		}
		switch wf.Status {
		case models.WorkflowStatusPublished:
			return newError(CodePublishedImmutable, "workflow %s is published; branch it to make changes", workflowID)
		case models.WorkflowStatusValidated:
			if _, err := q.TransitionWorkflowStatus(ctx, companyID, workflowID,
				[]models.WorkflowStatus{models.WorkflowStatusValidated}, models.WorkflowStatusDraft); err != nil {
				return err
			}
			wf.Status = models.WorkflowStatusDraft
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// BranchFromVersion creates a new DRAFT workflow seeded from a historical
// version. Node, task and gate ids are kept so the branch stays comparable
// with its origin; the two workflows share nothing else.
func (s *LifecycleService) BranchFromVersion(ctx context.Context, companyID, workflowID string, versionNumber int, actor string) (branch *models.Workflow, err error) {
	ctx, done := s.start(ctx, "LifecycleService.BranchFromVersion",
		attribute.String("workflow_id", workflowID), attribute.Int("version", versionNumber))
	defer done(&err)

	err = s.repo.WithTx(ctx, func(q repository.Queries) error {
		wf, err := s.getWorkflow(ctx, q, companyID, workflowID, false)
		if err != nil {
			return err
		}
		v, err := q.GetWorkflowVersionByNumber(ctx, companyID, workflowID, versionNumber)
		if errors.Is(err, repository.ErrNotFound) {
			return newError(CodeVersionNotFound, "workflow %s has no version %d", workflowID, versionNumber)
		}
		if err != nil {
			return err
		}

		rules := v.Snapshot.FanOutRules
		if v.Snapshot.UsesWorkflowFanOutRules() {
			if rules, err = q.ListFanOutRules(ctx, workflowID); err != nil {
				return err
			}
		}

		now := s.now()
		branch = &models.Workflow{
			CompanyID:      companyID,
			Name:           wf.Name,
			Description:    wf.Description,
			Status:         models.WorkflowStatusDraft,
			BranchedFromID: strPtr(v.ID),
			CreatedBy:      actor,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := q.CreateWorkflow(ctx, branch); err != nil {
			return fmt.Errorf("failed to create branch: %w", err)
		}
		return seedStructure(ctx, q, branch.ID, v.Snapshot.Nodes, v.Snapshot.Gates, rules)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("workflow branched", "workflow_id", workflowID, "version", versionNumber, "branch_id", branch.ID)
	return branch, nil
}

// ListVersions returns the published versions of a workflow, oldest first.
func (s *LifecycleService) ListVersions(ctx context.Context, companyID, workflowID string) ([]*models.WorkflowVersion, error) {
	if _, err := s.getWorkflow(ctx, s.repo, companyID, workflowID, false); err != nil {
		return nil, err
	}
	return s.repo.ListWorkflowVersions(ctx, companyID, workflowID)
}

// GetVersion returns one published version by number.
func (s *LifecycleService) GetVersion(ctx context.Context, companyID, workflowID string, versionNumber int) (*models.WorkflowVersion, error) {
	v, err := s.repo.GetWorkflowVersionByNumber(ctx, companyID, workflowID, versionNumber)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(CodeVersionNotFound, "workflow %s has no version %d", workflowID, versionNumber)
	}
	return v, err
}

// draftView returns the relational structure overlaid with the pending
// buffer, if any.
func (b *base) draftView(ctx context.Context, q repository.Queries, wf *models.Workflow) ([]models.Node, []models.Gate, error) {
	nodes, err := q.ListNodes(ctx, wf.ID)
	if err != nil {
		return nil, nil, err
	}
	gates, err := q.ListGates(ctx, wf.ID)
	if err != nil {
		return nil, nil, err
	}
	if wf.Status == models.WorkflowStatusPublished {
		return nodes, gates, nil
	}
	buf, err := q.GetDraftBuffer(ctx, wf.CompanyID, wf.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nodes, gates, nil
	}
	if err != nil {
		return nil, nil, err
	}
	nodes, gates = composeView(nodes, gates, &buf.Content)
	return nodes, gates, nil
}

// guardStructuralEdit enforces the edit policy inside the editing
// transaction: PUBLISHED rejects the edit before any write, VALIDATED is
// reverted to DRAFT.
func guardStructuralEdit(ctx context.Context, q repository.Queries, wf *models.Workflow) error {
	switch wf.Status {
	case models.WorkflowStatusPublished:
		return newError(CodePublishedImmutable, "workflow %s is published; branch it to make changes", wf.ID)
	case models.WorkflowStatusValidated:
		if _, err := q.TransitionWorkflowStatus(ctx, wf.CompanyID, wf.ID,
			[]models.WorkflowStatus{models.WorkflowStatusValidated}, models.WorkflowStatusDraft); err != nil {
			return err
		}
		wf.Status = models.WorkflowStatusDraft
	}
	return nil
}

func seedStructure(ctx context.Context, q repository.Queries, workflowID string, nodes []models.Node, gates []models.Gate, rules []models.FanOutRule) error {
	for _, n := range nodes {
		n.WorkflowID = workflowID
		if err := q.SaveNode(ctx, n); err != nil {
			return fmt.Errorf("failed to save node %s: %w", n.ID, err)
		}
	}
	for _, g := range gates {
		g.WorkflowID = workflowID
		if err := q.SaveGate(ctx, g); err != nil {
			return fmt.Errorf("failed to save gate %s: %w", g.ID, err)
		}
	}
	for _, r := range rules {
		rule := models.FanOutRule{
			WorkflowID:       workflowID,
			SourceNodeID:     r.SourceNodeID,
			TriggerOutcome:   r.TriggerOutcome,
			TargetWorkflowID: r.TargetWorkflowID,
		}
		if err := q.CreateFanOutRule(ctx, &rule); err != nil {
			return fmt.Errorf("failed to save fan-out rule: %w", err)
		}
	}
	return nil
}

func validationFailed(issues []ValidationIssue) *Error {
	return newError(CodeValidationFailed, "workflow has %d structural issue(s)", len(issues)).
		WithDetail("issues", issues)
}

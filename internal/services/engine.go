package services

import (
	"context"
	"fmt"

	"flowspec/backend/internal/repository"
	"flowspec/backend/internal/template"
	"flowspec/backend/pkg/models"
)

// Engine groups the services over one repository and one set of options.
type Engine struct {
	Lifecycle   *LifecycleService
	Drafts      *DraftService
	Flows       *FlowService
	Execution   *ExecutionService
	Projections *ProjectionService
}

// NewEngine wires every service to repo.
func NewEngine(repo repository.Repository, opts Options) *Engine {
	flows := NewFlowService(repo, opts)
	return &Engine{
		Lifecycle:   NewLifecycleService(repo, opts),
		Drafts:      NewDraftService(repo, opts),
		Flows:       flows,
		Execution:   NewExecutionService(repo, flows, opts),
		Projections: NewProjectionService(repo, opts),
	}
}

// ImportTemplates creates every workflow of the file as a DRAFT, seeds its
// structure, and validates and publishes the ones marked publish. Keys of
// the file are resolved to the new workflow ids.
func (e *Engine) ImportTemplates(ctx context.Context, companyID, actor string, f *template.File) ([]*models.Workflow, error) {
	ids := make(map[string]string, len(f.Workflows))
	created := make([]*models.Workflow, 0, len(f.Workflows))
	for _, w := range f.Workflows {
		wf, err := e.Lifecycle.CreateWorkflow(ctx, companyID, actor, w.Name, w.Description)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", w.Key, err)
		}
		ids[w.Key] = wf.ID
		created = append(created, wf)
	}

	l := e.Lifecycle
	for i, w := range f.Workflows {
		nodes, gates, err := w.Structure(ids)
		if err != nil {
			return nil, newError(CodeValidationError, "workflow %s: %v", w.Key, err)
		}
		err = l.repo.WithTx(ctx, func(q repository.Queries) error {
			if _, err := l.getWorkflow(ctx, q, companyID, created[i].ID, true); err != nil {
				return err
			}
			return seedStructure(ctx, q, created[i].ID, nodes, gates, w.FanOutRules(ids))
		})
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", w.Key, err)
		}
	}

	for i, w := range f.Workflows {
		if !w.Publish {
			continue
		}
		if _, err := l.Validate(ctx, companyID, created[i].ID); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", w.Key, err)
		}
		if _, err := l.Publish(ctx, companyID, created[i].ID, actor); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", w.Key, err)
		}
		wf, err := l.GetWorkflow(ctx, companyID, created[i].ID)
		if err != nil {
			return nil, err
		}
		created[i] = wf
	}
	l.log.Info("templates imported", "company_id", companyID, "workflows", len(created))
	return created, nil
}

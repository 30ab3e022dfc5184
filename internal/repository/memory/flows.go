package memory

import (
	"context"
	"time"

	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
)

func (q *queries) ResolveFlowGroup(ctx context.Context, companyID string, scope models.Scope) (*models.FlowGroup, error) {
	var out *models.FlowGroup
	err := q.update(func(st *state) error {
		for _, g := range st.groups {
			if g.CompanyID == companyID && g.Scope == scope {
				cp := g
				out = &cp
				return nil
			}
		}
		g := models.FlowGroup{
			ID:        uuid.NewString(),
			CompanyID: companyID,
			Scope:     scope,
			CreatedAt: time.Now().UTC(),
		}
		st.groups = append(st.groups, g)
		out = &g
		return nil
	})
	return out, err
}

func (q *queries) GetFlowGroup(ctx context.Context, companyID, groupID string) (*models.FlowGroup, error) {
	var out *models.FlowGroup
	err := q.view(func(st *state) error {
		for _, g := range st.groups {
			if g.ID == groupID && g.CompanyID == companyID {
				cp := g
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) FindFlowGroupByScope(ctx context.Context, companyID string, scope models.Scope) (*models.FlowGroup, error) {
	var out *models.FlowGroup
	err := q.view(func(st *state) error {
		for _, g := range st.groups {
			if g.CompanyID == companyID && g.Scope == scope {
				cp := g
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) CreateFlow(ctx context.Context, flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		st.flows = append(st.flows, deepCopy(*flow))
		return nil
	})
}

func (q *queries) GetFlow(ctx context.Context, companyID, flowID string) (*models.Flow, error) {
	var out *models.Flow
	err := q.view(func(st *state) error {
		for _, f := range st.flows {
			if f.ID == flowID && f.CompanyID == companyID {
				cp := deepCopy(f)
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) LockFlow(ctx context.Context, companyID, flowID string) (*models.Flow, error) {
	return q.GetFlow(ctx, companyID, flowID)
}

func (q *queries) ListFlowsByGroup(ctx context.Context, companyID, groupID string) ([]*models.Flow, error) {
	var out []*models.Flow
	err := q.view(func(st *state) error {
		for _, f := range st.flows {
			if f.FlowGroupID == groupID && f.CompanyID == companyID {
				cp := deepCopy(f)
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) TransitionFlowStatus(ctx context.Context, flowID string, from []models.FlowStatus, to models.FlowStatus, at time.Time) (bool, error) {
	changed := false
	err := q.update(func(st *state) error {
		for i, f := range st.flows {
			if f.ID != flowID {
				continue
			}
			if !containsStatus(from, f.Status) {
				return nil
			}
			st.flows[i].Status = to
			st.flows[i].UpdatedAt = at
			if to == models.FlowStatusCompleted {
				t := at
				st.flows[i].CompletedAt = &t
			}
			changed = true
			return nil
		}
		return nil
	})
	return changed, err
}

func (q *queries) CreateNodeActivation(ctx context.Context, a *models.NodeActivation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		for _, existing := range st.activations {
			if existing.FlowID == a.FlowID && existing.NodeID == a.NodeID && existing.Iteration == a.Iteration {
				return repository.ErrConflict
			}
		}
		st.activations = append(st.activations, *a)
		return nil
	})
}

func (q *queries) ListNodeActivations(ctx context.Context, flowID string) ([]models.NodeActivation, error) {
	var out []models.NodeActivation
	err := q.view(func(st *state) error {
		for _, a := range st.activations {
			if a.FlowID == flowID {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) CreateTaskExecution(ctx context.Context, e *models.TaskExecution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		for _, existing := range st.executions {
			if existing.FlowID == e.FlowID && existing.TaskID == e.TaskID && existing.Iteration == e.Iteration {
				return repository.ErrConflict
			}
		}
		st.executions = append(st.executions, deepCopy(*e))
		return nil
	})
}

func (q *queries) StampTaskOutcome(ctx context.Context, executionID string, outcome, actor string, at time.Time, detourID *string, metadata []byte) (bool, error) {
	stamped := false
	err := q.update(func(st *state) error {
		for i, e := range st.executions {
			if e.ID != executionID {
				continue
			}
			if e.Outcome != nil {
				return nil
			}
			o, by, t := outcome, actor, at
			st.executions[i].Outcome = &o
			st.executions[i].OutcomeBy = &by
			st.executions[i].OutcomeAt = &t
			if detourID != nil {
				d := *detourID
				st.executions[i].DetourID = &d
			}
			if len(metadata) > 0 {
				st.executions[i].Metadata = append([]byte(nil), metadata...)
			}
			stamped = true
			return nil
		}
		return repository.ErrNotFound
	})
	return stamped, err
}

func (q *queries) GetTaskExecution(ctx context.Context, executionID string) (*models.TaskExecution, error) {
	var out *models.TaskExecution
	err := q.view(func(st *state) error {
		for _, e := range st.executions {
			if e.ID == executionID {
				cp := deepCopy(e)
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) ListTaskExecutions(ctx context.Context, flowID string) ([]models.TaskExecution, error) {
	var out []models.TaskExecution
	err := q.view(func(st *state) error {
		for _, e := range st.executions {
			if e.FlowID == flowID {
				out = append(out, deepCopy(e))
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) ListTaskExecutionsByGroup(ctx context.Context, groupID string) ([]models.TaskExecution, error) {
	var out []models.TaskExecution
	err := q.view(func(st *state) error {
		inGroup := make(map[string]bool)
		for _, f := range st.flows {
			if f.FlowGroupID == groupID {
				inGroup[f.ID] = true
			}
		}
		for _, e := range st.executions {
			if inGroup[e.FlowID] {
				out = append(out, deepCopy(e))
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) CreateEvidence(ctx context.Context, ev *models.EvidenceAttachment) (*models.EvidenceAttachment, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	var stored *models.EvidenceAttachment
	created := false
	err := q.update(func(st *state) error {
		if ev.IdempotencyKey != nil {
			for _, existing := range st.evidence {
				if existing.FlowID == ev.FlowID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *ev.IdempotencyKey {
					cp := deepCopy(existing)
					stored = &cp
					return nil
				}
			}
		}
		cp := deepCopy(*ev)
		st.evidence = append(st.evidence, cp)
		stored = &cp
		created = true
		return nil
	})
	return stored, created, err
}

func (q *queries) ListEvidence(ctx context.Context, flowID, taskID string) ([]models.EvidenceAttachment, error) {
	var out []models.EvidenceAttachment
	err := q.view(func(st *state) error {
		for _, e := range st.evidence {
			if e.FlowID == flowID && (taskID == "" || e.TaskID == taskID) {
				out = append(out, deepCopy(e))
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) CreateDetour(ctx context.Context, d *models.DetourRecord) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		st.detours = append(st.detours, deepCopy(*d))
		return nil
	})
}

func (q *queries) GetDetour(ctx context.Context, detourID string) (*models.DetourRecord, error) {
	var out *models.DetourRecord
	err := q.view(func(st *state) error {
		for _, d := range st.detours {
			if d.ID == detourID {
				cp := deepCopy(d)
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) ListDetours(ctx context.Context, flowID string) ([]models.DetourRecord, error) {
	var out []models.DetourRecord
	err := q.view(func(st *state) error {
		for _, d := range st.detours {
			if d.FlowID == flowID {
				out = append(out, deepCopy(d))
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) ResolveDetour(ctx context.Context, detourID string, at time.Time) (bool, error) {
	changed := false
	err := q.update(func(st *state) error {
		for i, d := range st.detours {
			if d.ID == detourID && d.Status == models.DetourActive {
				t := at
				st.detours[i].Status = models.DetourResolved
				st.detours[i].ResolvedAt = &t
				changed = true
			}
		}
		return nil
	})
	return changed, err
}

func (q *queries) ConvertDetour(ctx context.Context, detourID, actor string, at time.Time) (bool, error) {
	changed := false
	err := q.update(func(st *state) error {
		for i, d := range st.detours {
			if d.ID == detourID && (d.Status == models.DetourActive || d.Status == models.DetourResolved) {
				t, by := at, actor
				st.detours[i].Status = models.DetourConverted
				st.detours[i].ConvertedAt = &t
				st.detours[i].ConvertedBy = &by
				changed = true
			}
		}
		return nil
	})
	return changed, err
}

func (q *queries) CreateFanOutFailure(ctx context.Context, f *models.FanOutFailure) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		st.failures = append(st.failures, deepCopy(*f))
		return nil
	})
}

func (q *queries) GetFanOutFailure(ctx context.Context, failureID string) (*models.FanOutFailure, error) {
	var out *models.FanOutFailure
	err := q.view(func(st *state) error {
		for _, f := range st.failures {
			if f.ID == failureID {
				cp := deepCopy(f)
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) ListFanOutFailures(ctx context.Context, flowID string) ([]models.FanOutFailure, error) {
	var out []models.FanOutFailure
	err := q.view(func(st *state) error {
		for _, f := range st.failures {
			if f.FlowID == flowID {
				out = append(out, deepCopy(f))
			}
		}
		return nil
	})
	return out, err
}

func (q *queries) ResolveFanOutFailure(ctx context.Context, failureID, actor string, at time.Time, childFlowID *string) (bool, error) {
	changed := false
	err := q.update(func(st *state) error {
		for i, f := range st.failures {
			if f.ID == failureID && f.ResolvedAt == nil {
				t, by := at, actor
				st.failures[i].ResolvedAt = &t
				st.failures[i].ResolvedBy = &by
				if childFlowID != nil {
					c := *childFlowID
					st.failures[i].ChildFlowID = &c
				}
				changed = true
			}
		}
		return nil
	})
	return changed, err
}

package memory

import (
	"context"

	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
)

func (q *queries) GetDraftBuffer(ctx context.Context, companyID, workflowID string) (*models.DraftBuffer, error) {
	var out *models.DraftBuffer
	err := q.view(func(st *state) error {
		buf, ok := st.buffers[bufferKey{companyID, workflowID}]
		if !ok {
			return repository.ErrNotFound
		}
		cp := deepCopy(buf)
		out = &cp
		return nil
	})
	return out, err
}

func (q *queries) SaveDraftBuffer(ctx context.Context, buf *models.DraftBuffer) error {
	if buf.ID == "" {
		buf.ID = uuid.NewString()
	}
	stored := deepCopy(*buf)
	return q.update(func(st *state) error {
		key := bufferKey{buf.CompanyID, buf.WorkflowID}
		if existing, ok := st.buffers[key]; ok {
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		}
		st.buffers[key] = stored
		buf.ID = stored.ID
		return nil
	})
}

func (q *queries) DeleteDraftBuffer(ctx context.Context, companyID, workflowID string) (bool, error) {
	deleted := false
	err := q.update(func(st *state) error {
		key := bufferKey{companyID, workflowID}
		if _, ok := st.buffers[key]; ok {
			delete(st.buffers, key)
			deleted = true
		}
		return nil
	})
	return deleted, err
}

func (q *queries) AppendDraftEvent(ctx context.Context, ev *models.DraftEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return q.update(func(st *state) error {
		seq := 0
		for _, e := range st.events {
			if e.CompanyID == ev.CompanyID && e.WorkflowID == ev.WorkflowID && e.Seq > seq {
				seq = e.Seq
			}
		}
		ev.Seq = seq + 1
		st.events = append(st.events, deepCopy(*ev))
		return nil
	})
}

func (q *queries) GetDraftEvent(ctx context.Context, companyID, workflowID, eventID string) (*models.DraftEvent, error) {
	var out *models.DraftEvent
	err := q.view(func(st *state) error {
		for _, e := range st.events {
			if e.ID == eventID && e.CompanyID == companyID && e.WorkflowID == workflowID {
				cp := deepCopy(e)
				out = &cp
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (q *queries) ListDraftEvents(ctx context.Context, companyID, workflowID string) ([]*models.DraftEvent, error) {
	var out []*models.DraftEvent
	err := q.view(func(st *state) error {
		for _, e := range st.events {
			if e.CompanyID == companyID && e.WorkflowID == workflowID {
				cp := deepCopy(e)
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

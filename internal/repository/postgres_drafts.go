package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (q *pgQueries) GetDraftBuffer(ctx context.Context, companyID, workflowID string) (*models.DraftBuffer, error) {
	var buf models.DraftBuffer
	var content []byte
	err := q.db.QueryRow(ctx, `SELECT id, company_id, workflow_id, content, base_event_id, updated_by, created_at, updated_at
		FROM workflow_draft_buffers WHERE company_id = $1 AND workflow_id = $2`, companyID, workflowID).
		Scan(&buf.ID, &buf.CompanyID, &buf.WorkflowID, &content, &buf.BaseEventID, &buf.UpdatedBy, &buf.CreatedAt, &buf.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(content, &buf.Content); err != nil {
		return nil, fmt.Errorf("failed to decode draft buffer %s: %w", buf.ID, err)
	}
	return &buf, nil
}

func (q *pgQueries) SaveDraftBuffer(ctx context.Context, buf *models.DraftBuffer) error {
	if buf.ID == "" {
		buf.ID = uuid.NewString()
	}
	content, err := json.Marshal(buf.Content)
	if err != nil {
		return fmt.Errorf("failed to encode draft buffer: %w", err)
	}
	return mapErr(q.db.QueryRow(ctx, `INSERT INTO workflow_draft_buffers
		(id, company_id, workflow_id, content, base_event_id, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (company_id, workflow_id) DO UPDATE SET
			content = EXCLUDED.content,
			base_event_id = EXCLUDED.base_event_id,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		buf.ID, buf.CompanyID, buf.WorkflowID, content, buf.BaseEventID, buf.UpdatedBy, buf.CreatedAt, buf.UpdatedAt).
		Scan(&buf.ID))
}

func (q *pgQueries) DeleteDraftBuffer(ctx context.Context, companyID, workflowID string) (bool, error) {
	tag, err := q.db.Exec(ctx,
		"DELETE FROM workflow_draft_buffers WHERE company_id = $1 AND workflow_id = $2", companyID, workflowID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendDraftEvent relies on the caller holding the workflow row lock; the
// (workflow_id, seq) constraint rejects a racing writer that does not.
func (q *pgQueries) AppendDraftEvent(ctx context.Context, ev *models.DraftEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	doc, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode draft snapshot: %w", err)
	}
	return mapErr(q.db.QueryRow(ctx, `INSERT INTO draft_events
		(id, company_id, workflow_id, seq, type, label, snapshot, source_event_id, created_by, created_at)
		SELECT $1, $2, $3, COALESCE(MAX(seq), 0) + 1, $4, $5, $6::jsonb, $7, $8, $9::timestamptz
		FROM draft_events WHERE workflow_id = $3
		RETURNING seq`,
		ev.ID, ev.CompanyID, ev.WorkflowID, ev.Type, ev.Label, doc, ev.SourceEventID, ev.CreatedBy, ev.CreatedAt).
		Scan(&ev.Seq))
}

const draftEventColumns = "id, company_id, workflow_id, seq, type, label, snapshot, source_event_id, created_by, created_at"

func scanDraftEvent(row pgx.Row) (*models.DraftEvent, error) {
	var ev models.DraftEvent
	var doc []byte
	if err := row.Scan(&ev.ID, &ev.CompanyID, &ev.WorkflowID, &ev.Seq, &ev.Type, &ev.Label, &doc,
		&ev.SourceEventID, &ev.CreatedBy, &ev.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(doc, &ev.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode draft event %s: %w", ev.ID, err)
	}
	return &ev, nil
}

func (q *pgQueries) GetDraftEvent(ctx context.Context, companyID, workflowID, eventID string) (*models.DraftEvent, error) {
	return scanDraftEvent(q.db.QueryRow(ctx,
		"SELECT "+draftEventColumns+" FROM draft_events WHERE id = $1 AND company_id = $2 AND workflow_id = $3",
		eventID, companyID, workflowID))
}

func (q *pgQueries) ListDraftEvents(ctx context.Context, companyID, workflowID string) ([]*models.DraftEvent, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+draftEventColumns+" FROM draft_events WHERE company_id = $1 AND workflow_id = $2 ORDER BY seq",
		companyID, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DraftEvent
	for rows.Next() {
		ev, err := scanDraftEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

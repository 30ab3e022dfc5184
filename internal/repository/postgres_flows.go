package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (q *pgQueries) ResolveFlowGroup(ctx context.Context, companyID string, scope models.Scope) (*models.FlowGroup, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	var g models.FlowGroup
	err := q.db.QueryRow(ctx, `INSERT INTO flow_groups (id, company_id, scope_type, scope_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (company_id, scope_type, scope_id) DO UPDATE SET scope_id = EXCLUDED.scope_id
		RETURNING id, company_id, scope_type, scope_id, created_at`,
		uuid.NewString(), companyID, scope.Type, scope.ID).
		Scan(&g.ID, &g.CompanyID, &g.Scope.Type, &g.Scope.ID, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (q *pgQueries) GetFlowGroup(ctx context.Context, companyID, groupID string) (*models.FlowGroup, error) {
	var g models.FlowGroup
	err := q.db.QueryRow(ctx, `SELECT id, company_id, scope_type, scope_id, created_at
		FROM flow_groups WHERE id = $1 AND company_id = $2`, groupID, companyID).
		Scan(&g.ID, &g.CompanyID, &g.Scope.Type, &g.Scope.ID, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (q *pgQueries) FindFlowGroupByScope(ctx context.Context, companyID string, scope models.Scope) (*models.FlowGroup, error) {
	var g models.FlowGroup
	err := q.db.QueryRow(ctx, `SELECT id, company_id, scope_type, scope_id, created_at
		FROM flow_groups WHERE company_id = $1 AND scope_type = $2 AND scope_id = $3`, companyID, scope.Type, scope.ID).
		Scan(&g.ID, &g.CompanyID, &g.Scope.Type, &g.Scope.ID, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

const flowColumns = `id, company_id, flow_group_id, workflow_id, workflow_version_id, status, parent_flow_id,
	fan_out_rule_id, created_by, created_at, updated_at, completed_at`

func scanFlow(row pgx.Row) (*models.Flow, error) {
	var f models.Flow
	err := row.Scan(&f.ID, &f.CompanyID, &f.FlowGroupID, &f.WorkflowID, &f.WorkflowVersionID, &f.Status,
		&f.ParentFlowID, &f.FanOutRuleID, &f.CreatedBy, &f.CreatedAt, &f.UpdatedAt, &f.CompletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &f, nil
}

func (q *pgQueries) CreateFlow(ctx context.Context, f *models.Flow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := q.db.Exec(ctx, "INSERT INTO flows ("+flowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID, f.CompanyID, f.FlowGroupID, f.WorkflowID, f.WorkflowVersionID, f.Status, f.ParentFlowID,
		f.FanOutRuleID, f.CreatedBy, f.CreatedAt, f.UpdatedAt, f.CompletedAt)
	return mapErr(err)
}

func (q *pgQueries) GetFlow(ctx context.Context, companyID, flowID string) (*models.Flow, error) {
	return scanFlow(q.db.QueryRow(ctx, "SELECT "+flowColumns+" FROM flows WHERE id = $1 AND company_id = $2", flowID, companyID))
}

func (q *pgQueries) LockFlow(ctx context.Context, companyID, flowID string) (*models.Flow, error) {
	return scanFlow(q.db.QueryRow(ctx, "SELECT "+flowColumns+" FROM flows WHERE id = $1 AND company_id = $2 FOR UPDATE", flowID, companyID))
}

func (q *pgQueries) ListFlowsByGroup(ctx context.Context, companyID, groupID string) ([]*models.Flow, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+flowColumns+" FROM flows WHERE flow_group_id = $1 AND company_id = $2 ORDER BY created_at, id",
		groupID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (q *pgQueries) TransitionFlowStatus(ctx context.Context, flowID string, from []models.FlowStatus, to models.FlowStatus, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE flows
		SET status = $1, updated_at = $2,
			completed_at = CASE WHEN $1 = 'COMPLETED' THEN $2 ELSE completed_at END
		WHERE id = $3 AND status = ANY($4)`,
		string(to), at, flowID, statusStrings(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) CreateNodeActivation(ctx context.Context, a *models.NodeActivation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := q.db.Exec(ctx, `INSERT INTO node_activations (id, flow_id, node_id, iteration, activated_at, activated_by)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.FlowID, a.NodeID, a.Iteration, a.ActivatedAt, a.ActivatedBy)
	return mapErr(err)
}

func (q *pgQueries) ListNodeActivations(ctx context.Context, flowID string) ([]models.NodeActivation, error) {
	rows, err := q.db.Query(ctx, `SELECT id, flow_id, node_id, iteration, activated_at, activated_by
		FROM node_activations WHERE flow_id = $1 ORDER BY activated_at, iteration`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.NodeActivation
	for rows.Next() {
		var a models.NodeActivation
		if err := rows.Scan(&a.ID, &a.FlowID, &a.NodeID, &a.Iteration, &a.ActivatedAt, &a.ActivatedBy); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const executionColumns = `id, flow_id, task_id, node_id, iteration, started_at, started_by, outcome, outcome_at,
	outcome_by, detour_id, metadata`

func scanExecution(row pgx.Row) (*models.TaskExecution, error) {
	var e models.TaskExecution
	var metadata []byte
	err := row.Scan(&e.ID, &e.FlowID, &e.TaskID, &e.NodeID, &e.Iteration, &e.StartedAt, &e.StartedBy,
		&e.Outcome, &e.OutcomeAt, &e.OutcomeBy, &e.DetourID, &metadata)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(metadata) > 0 {
		e.Metadata = json.RawMessage(metadata)
	}
	return &e, nil
}

func (q *pgQueries) CreateTaskExecution(ctx context.Context, e *models.TaskExecution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		metadata = []byte(e.Metadata)
	}
	_, err := q.db.Exec(ctx, "INSERT INTO task_executions ("+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.FlowID, e.TaskID, e.NodeID, e.Iteration, e.StartedAt, e.StartedBy, e.Outcome, e.OutcomeAt,
		e.OutcomeBy, e.DetourID, metadata)
	return mapErr(err)
}

func (q *pgQueries) StampTaskOutcome(ctx context.Context, executionID string, outcome, actor string, at time.Time, detourID *string, metadata []byte) (bool, error) {
	if len(metadata) == 0 {
		metadata = nil
	}
	tag, err := q.db.Exec(ctx, `UPDATE task_executions
		SET outcome = $1, outcome_by = $2, outcome_at = $3, detour_id = COALESCE($4, detour_id),
			metadata = COALESCE($5, metadata)
		WHERE id = $6 AND outcome IS NULL`,
		outcome, actor, at, detourID, metadata, executionID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := q.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM task_executions WHERE id = $1)", executionID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (q *pgQueries) GetTaskExecution(ctx context.Context, executionID string) (*models.TaskExecution, error) {
	return scanExecution(q.db.QueryRow(ctx, "SELECT "+executionColumns+" FROM task_executions WHERE id = $1", executionID))
}

func (q *pgQueries) listExecutions(ctx context.Context, sql string, arg string) ([]models.TaskExecution, error) {
	rows, err := q.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (q *pgQueries) ListTaskExecutions(ctx context.Context, flowID string) ([]models.TaskExecution, error) {
	return q.listExecutions(ctx,
		"SELECT "+executionColumns+" FROM task_executions WHERE flow_id = $1 ORDER BY started_at, id", flowID)
}

func (q *pgQueries) ListTaskExecutionsByGroup(ctx context.Context, groupID string) ([]models.TaskExecution, error) {
	return q.listExecutions(ctx, `SELECT `+executionColumns+` FROM task_executions
		WHERE flow_id IN (SELECT id FROM flows WHERE flow_group_id = $1) ORDER BY started_at, id`, groupID)
}

const evidenceColumns = "id, flow_id, task_id, type, data, idempotency_key, attached_by, attached_at"

func scanEvidence(row pgx.Row) (*models.EvidenceAttachment, error) {
	var ev models.EvidenceAttachment
	var data []byte
	if err := row.Scan(&ev.ID, &ev.FlowID, &ev.TaskID, &ev.Type, &data, &ev.IdempotencyKey, &ev.AttachedBy, &ev.AttachedAt); err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(data, &ev.Data); err != nil {
		return nil, fmt.Errorf("failed to decode evidence %s: %w", ev.ID, err)
	}
	return &ev, nil
}

func (q *pgQueries) CreateEvidence(ctx context.Context, ev *models.EvidenceAttachment) (*models.EvidenceAttachment, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode evidence data: %w", err)
	}
	tag, err := q.db.Exec(ctx, "INSERT INTO evidence_attachments ("+evidenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (flow_id, idempotency_key) DO NOTHING`,
		ev.ID, ev.FlowID, ev.TaskID, ev.Type, data, ev.IdempotencyKey, ev.AttachedBy, ev.AttachedAt)
	if err != nil {
		return nil, false, mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		stored := *ev
		return &stored, true, nil
	}
	stored, err := scanEvidence(q.db.QueryRow(ctx,
		"SELECT "+evidenceColumns+" FROM evidence_attachments WHERE flow_id = $1 AND idempotency_key = $2",
		ev.FlowID, ev.IdempotencyKey))
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (q *pgQueries) ListEvidence(ctx context.Context, flowID, taskID string) ([]models.EvidenceAttachment, error) {
	rows, err := q.db.Query(ctx, "SELECT "+evidenceColumns+` FROM evidence_attachments
		WHERE flow_id = $1 AND ($2 = '' OR task_id = $2) ORDER BY attached_at, id`, flowID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EvidenceAttachment
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

const detourColumns = `id, flow_id, checkpoint_node_id, checkpoint_task_execution_id, resume_target_node_id, type,
	category, status, opened_by, opened_at, resolved_at, converted_by, converted_at`

func scanDetour(row pgx.Row) (*models.DetourRecord, error) {
	var d models.DetourRecord
	err := row.Scan(&d.ID, &d.FlowID, &d.CheckpointNodeID, &d.CheckpointTaskExecutionID, &d.ResumeTargetNodeID,
		&d.Type, &d.Category, &d.Status, &d.OpenedBy, &d.OpenedAt, &d.ResolvedAt, &d.ConvertedBy, &d.ConvertedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (q *pgQueries) CreateDetour(ctx context.Context, d *models.DetourRecord) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := q.db.Exec(ctx, "INSERT INTO detour_records ("+detourColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.FlowID, d.CheckpointNodeID, d.CheckpointTaskExecutionID, d.ResumeTargetNodeID, d.Type,
		d.Category, d.Status, d.OpenedBy, d.OpenedAt, d.ResolvedAt, d.ConvertedBy, d.ConvertedAt)
	return mapErr(err)
}

func (q *pgQueries) GetDetour(ctx context.Context, detourID string) (*models.DetourRecord, error) {
	return scanDetour(q.db.QueryRow(ctx, "SELECT "+detourColumns+" FROM detour_records WHERE id = $1", detourID))
}

func (q *pgQueries) ListDetours(ctx context.Context, flowID string) ([]models.DetourRecord, error) {
	rows, err := q.db.Query(ctx, "SELECT "+detourColumns+" FROM detour_records WHERE flow_id = $1 ORDER BY opened_at, id", flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DetourRecord
	for rows.Next() {
		d, err := scanDetour(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (q *pgQueries) ResolveDetour(ctx context.Context, detourID string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE detour_records SET status = 'RESOLVED', resolved_at = $1 WHERE id = $2 AND status = 'ACTIVE'",
		at, detourID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) ConvertDetour(ctx context.Context, detourID, actor string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE detour_records SET status = 'CONVERTED', converted_by = $1, converted_at = $2
		WHERE id = $3 AND status IN ('ACTIVE', 'RESOLVED')`, actor, at, detourID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const failureColumns = `id, flow_id, fan_out_rule_id, task_execution_id, target_workflow_id, error_code, error_message,
	created_at, resolved_at, resolved_by, child_flow_id`

func scanFailure(row pgx.Row) (*models.FanOutFailure, error) {
	var f models.FanOutFailure
	err := row.Scan(&f.ID, &f.FlowID, &f.FanOutRuleID, &f.TaskExecutionID, &f.TargetWorkflowID, &f.ErrorCode,
		&f.ErrorMessage, &f.CreatedAt, &f.ResolvedAt, &f.ResolvedBy, &f.ChildFlowID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &f, nil
}

func (q *pgQueries) CreateFanOutFailure(ctx context.Context, f *models.FanOutFailure) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := q.db.Exec(ctx, "INSERT INTO fan_out_failures ("+failureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.FlowID, f.FanOutRuleID, f.TaskExecutionID, f.TargetWorkflowID, f.ErrorCode, f.ErrorMessage,
		f.CreatedAt, f.ResolvedAt, f.ResolvedBy, f.ChildFlowID)
	return mapErr(err)
}

func (q *pgQueries) GetFanOutFailure(ctx context.Context, failureID string) (*models.FanOutFailure, error) {
	return scanFailure(q.db.QueryRow(ctx, "SELECT "+failureColumns+" FROM fan_out_failures WHERE id = $1", failureID))
}

func (q *pgQueries) ListFanOutFailures(ctx context.Context, flowID string) ([]models.FanOutFailure, error) {
	rows, err := q.db.Query(ctx, "SELECT "+failureColumns+" FROM fan_out_failures WHERE flow_id = $1 ORDER BY created_at, id", flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FanOutFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (q *pgQueries) ResolveFanOutFailure(ctx context.Context, failureID, actor string, at time.Time, childFlowID *string) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE fan_out_failures SET resolved_at = $1, resolved_by = $2, child_flow_id = $3
		WHERE id = $4 AND resolved_at IS NULL`, at, actor, childFlowID, failureID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

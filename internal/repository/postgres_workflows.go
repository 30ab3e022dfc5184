package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (q *pgQueries) GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error) {
	var c models.Company
	err := q.db.QueryRow(ctx,
		"SELECT id, name, domain, created_at, updated_at FROM companies WHERE domain = $1", domain).
		Scan(&c.ID, &c.Name, &c.Domain, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (q *pgQueries) CreateCompany(ctx context.Context, c *models.Company) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := q.db.Exec(ctx,
		"INSERT INTO companies (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		c.ID, c.Name, c.Domain, c.CreatedAt, c.UpdatedAt)
	return mapErr(err)
}

const workflowColumns = `id, company_id, name, description, status, version, published_version_id,
	branched_from_version_id, created_by, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var wf models.Workflow
	err := row.Scan(&wf.ID, &wf.CompanyID, &wf.Name, &wf.Description, &wf.Status, &wf.Version,
		&wf.PublishedVersionID, &wf.BranchedFromID, &wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &wf, nil
}

func (q *pgQueries) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	_, err := q.db.Exec(ctx, `INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		wf.ID, wf.CompanyID, wf.Name, wf.Description, wf.Status, wf.Version, wf.PublishedVersionID,
		wf.BranchedFromID, wf.CreatedBy, wf.CreatedAt, wf.UpdatedAt)
	return mapErr(err)
}

func (q *pgQueries) GetWorkflow(ctx context.Context, companyID, workflowID string) (*models.Workflow, error) {
	return scanWorkflow(q.db.QueryRow(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = $1 AND company_id = $2", workflowID, companyID))
}

func (q *pgQueries) LockWorkflow(ctx context.Context, companyID, workflowID string) (*models.Workflow, error) {
	return scanWorkflow(q.db.QueryRow(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = $1 AND company_id = $2 FOR UPDATE", workflowID, companyID))
}

func (q *pgQueries) ListWorkflows(ctx context.Context, companyID string) ([]*models.Workflow, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE company_id = $1 ORDER BY created_at, id", companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (q *pgQueries) TransitionWorkflowStatus(ctx context.Context, companyID, workflowID string, from []models.WorkflowStatus, to models.WorkflowStatus) (bool, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE workflows SET status = $1, updated_at = now() WHERE id = $2 AND company_id = $3 AND status = ANY($4)",
		to, workflowID, companyID, statusStrings(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) MarkWorkflowPublished(ctx context.Context, companyID, workflowID, versionID string, version int) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE workflows
		SET status = 'PUBLISHED', version = $1, published_version_id = $2, updated_at = now()
		WHERE id = $3 AND company_id = $4 AND status = 'VALIDATED'`,
		version, versionID, workflowID, companyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) ListNodes(ctx context.Context, workflowID string) ([]models.Node, error) {
	rows, err := q.db.Query(ctx, `SELECT id, workflow_id, name, is_entry, completion_rule, position_x, position_y
		FROM workflow_nodes WHERE workflow_id = $1 ORDER BY seq`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []models.Node
	index := make(map[string]int)
	for rows.Next() {
		var n models.Node
		var x, y *float64
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.Name, &n.IsEntry, &n.CompletionRule, &x, &y); err != nil {
			return nil, err
		}
		if x != nil && y != nil {
			n.Position = &models.Position{X: *x, Y: *y}
		}
		index[n.ID] = len(nodes)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	taskRows, err := q.db.Query(ctx, `SELECT id, node_id, name, instructions, position, outcomes,
		evidence_required, evidence_schema, cross_flow_dependencies
		FROM workflow_tasks WHERE workflow_id = $1 ORDER BY node_id, position, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var t models.Task
		var outcomes, schema, deps []byte
		if err := taskRows.Scan(&t.ID, &t.NodeID, &t.Name, &t.Instructions, &t.Position, &outcomes,
			&t.EvidenceRequired, &schema, &deps); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(outcomes, &t.Outcomes); err != nil {
			return nil, fmt.Errorf("failed to decode outcomes of task %s: %w", t.ID, err)
		}
		if err := json.Unmarshal(deps, &t.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies of task %s: %w", t.ID, err)
		}
		if len(schema) > 0 {
			t.EvidenceSchema = json.RawMessage(schema)
		}
		if i, ok := index[t.NodeID]; ok {
			nodes[i].Tasks = append(nodes[i].Tasks, t)
		}
	}
	return nodes, taskRows.Err()
}

func (q *pgQueries) SaveNode(ctx context.Context, node models.Node) error {
	var x, y *float64
	if node.Position != nil {
		x, y = &node.Position.X, &node.Position.Y
	}
	_, err := q.db.Exec(ctx, `INSERT INTO workflow_nodes (id, workflow_id, name, is_entry, completion_rule, position_x, position_y)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			is_entry = EXCLUDED.is_entry,
			completion_rule = EXCLUDED.completion_rule,
			position_x = COALESCE(EXCLUDED.position_x, workflow_nodes.position_x),
			position_y = COALESCE(EXCLUDED.position_y, workflow_nodes.position_y)`,
		node.ID, node.WorkflowID, node.Name, node.IsEntry, node.Rule(), x, y)
	if err != nil {
		return mapErr(err)
	}

	if _, err := q.db.Exec(ctx, "DELETE FROM workflow_tasks WHERE workflow_id = $1 AND node_id = $2", node.WorkflowID, node.ID); err != nil {
		return err
	}
	for _, t := range node.Tasks {
		outcomes, err := json.Marshal(nonNil(t.Outcomes))
		if err != nil {
			return err
		}
		deps, err := json.Marshal(nonNil(t.Dependencies))
		if err != nil {
			return err
		}
		var schema []byte
		if len(t.EvidenceSchema) > 0 {
			schema = []byte(t.EvidenceSchema)
		}
		_, err = q.db.Exec(ctx, `INSERT INTO workflow_tasks (id, workflow_id, node_id, name, instructions, position,
			outcomes, evidence_required, evidence_schema, cross_flow_dependencies)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, node.WorkflowID, node.ID, t.Name, t.Instructions, t.Position, outcomes, t.EvidenceRequired, schema, deps)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (q *pgQueries) UpdateNodePosition(ctx context.Context, workflowID, nodeID string, pos models.Position) (bool, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE workflow_nodes SET position_x = $1, position_y = $2 WHERE workflow_id = $3 AND id = $4",
		pos.X, pos.Y, workflowID, nodeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	if _, err := q.db.Exec(ctx,
		"DELETE FROM workflow_gates WHERE workflow_id = $1 AND (source_node_id = $2 OR target_node_id = $2)",
		workflowID, nodeID); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, "DELETE FROM workflow_nodes WHERE workflow_id = $1 AND id = $2", workflowID, nodeID)
	return err
}

func (q *pgQueries) ListGates(ctx context.Context, workflowID string) ([]models.Gate, error) {
	rows, err := q.db.Query(ctx, `SELECT id, workflow_id, source_node_id, outcome_name, target_node_id
		FROM workflow_gates WHERE workflow_id = $1 ORDER BY seq`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gates []models.Gate
	for rows.Next() {
		var g models.Gate
		if err := rows.Scan(&g.ID, &g.WorkflowID, &g.SourceNodeID, &g.OutcomeName, &g.TargetNodeID); err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

func (q *pgQueries) SaveGate(ctx context.Context, gate models.Gate) error {
	_, err := q.db.Exec(ctx, `INSERT INTO workflow_gates (id, workflow_id, source_node_id, outcome_name, target_node_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, id) DO UPDATE SET
			source_node_id = EXCLUDED.source_node_id,
			outcome_name = EXCLUDED.outcome_name,
			target_node_id = EXCLUDED.target_node_id`,
		gate.ID, gate.WorkflowID, gate.SourceNodeID, gate.OutcomeName, gate.TargetNodeID)
	return mapErr(err)
}

func (q *pgQueries) DeleteGate(ctx context.Context, workflowID, gateID string) error {
	_, err := q.db.Exec(ctx, "DELETE FROM workflow_gates WHERE workflow_id = $1 AND id = $2", workflowID, gateID)
	return err
}

func (q *pgQueries) ListFanOutRules(ctx context.Context, workflowID string) ([]models.FanOutRule, error) {
	rows, err := q.db.Query(ctx, `SELECT id, workflow_id, source_node_id, trigger_outcome, target_workflow_id
		FROM fan_out_rules WHERE workflow_id = $1 ORDER BY seq`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.FanOutRule
	for rows.Next() {
		var r models.FanOutRule
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.SourceNodeID, &r.TriggerOutcome, &r.TargetWorkflowID); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (q *pgQueries) CreateFanOutRule(ctx context.Context, rule *models.FanOutRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	_, err := q.db.Exec(ctx, `INSERT INTO fan_out_rules (id, workflow_id, source_node_id, trigger_outcome, target_workflow_id)
		VALUES ($1, $2, $3, $4, $5)`,
		rule.ID, rule.WorkflowID, rule.SourceNodeID, rule.TriggerOutcome, rule.TargetWorkflowID)
	return mapErr(err)
}

func (q *pgQueries) DeleteFanOutRule(ctx context.Context, workflowID, ruleID string) (bool, error) {
	tag, err := q.db.Exec(ctx, "DELETE FROM fan_out_rules WHERE workflow_id = $1 AND id = $2", workflowID, ruleID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const versionColumns = "id, workflow_id, company_id, version, snapshot, published_by, published_at"

func scanVersion(row pgx.Row) (*models.WorkflowVersion, error) {
	var v models.WorkflowVersion
	var doc []byte
	if err := row.Scan(&v.ID, &v.WorkflowID, &v.CompanyID, &v.Version, &doc, &v.PublishedBy, &v.PublishedAt); err != nil {
		return nil, mapErr(err)
	}
	snap, err := models.ParseSnapshot(doc)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", v.ID, err)
	}
	v.Snapshot = snap
	return &v, nil
}

func (q *pgQueries) CreateWorkflowVersion(ctx context.Context, v *models.WorkflowVersion) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	doc, err := json.Marshal(v.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = q.db.Exec(ctx, "INSERT INTO workflow_versions ("+versionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		v.ID, v.WorkflowID, v.CompanyID, v.Version, doc, v.PublishedBy, v.PublishedAt)
	return mapErr(err)
}

func (q *pgQueries) GetWorkflowVersion(ctx context.Context, versionID string) (*models.WorkflowVersion, error) {
	return scanVersion(q.db.QueryRow(ctx, "SELECT "+versionColumns+" FROM workflow_versions WHERE id = $1", versionID))
}

func (q *pgQueries) GetWorkflowVersionByNumber(ctx context.Context, companyID, workflowID string, version int) (*models.WorkflowVersion, error) {
	return scanVersion(q.db.QueryRow(ctx,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE company_id = $1 AND workflow_id = $2 AND version = $3",
		companyID, workflowID, version))
}

func (q *pgQueries) ListWorkflowVersions(ctx context.Context, companyID, workflowID string) ([]*models.WorkflowVersion, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE company_id = $1 AND workflow_id = $2 ORDER BY version",
		companyID, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

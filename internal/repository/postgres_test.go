package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"flowspec/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// Migrations are re-runnable.
	require.NoError(t, Migrate(ctx, pool))

	return NewPostgresStore(pool)
}

func strPtr(s string) *string { return &s }

func seedPublished(t *testing.T, ctx context.Context, store *PostgresStore) (*models.Workflow, *models.WorkflowVersion) {
	t.Helper()
	now := time.Now().UTC()
	wf := &models.Workflow{
		CompanyID: "company-1",
		Name:      "Onboarding",
		Status:    models.WorkflowStatusValidated,
		CreatedBy: "user-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	v := &models.WorkflowVersion{
		WorkflowID: wf.ID,
		CompanyID:  wf.CompanyID,
		Version:    1,
		Snapshot: models.Snapshot{
			SchemaVersion: models.SnapshotSchemaVersion,
			WorkflowID:    wf.ID,
			Name:          wf.Name,
			Nodes: []models.Node{{
				ID: "intake", Name: "Intake", IsEntry: true,
				Tasks: []models.Task{{ID: "t1", Name: "T1", Outcomes: []models.Outcome{{Name: "DONE"}}}},
			}},
			Gates: []models.Gate{{ID: "g1", SourceNodeID: "intake", OutcomeName: "DONE"}},
		},
		PublishedBy: "user-1",
		PublishedAt: now,
	}
	require.NoError(t, store.CreateWorkflowVersion(ctx, v))
	ok, err := store.MarkWorkflowPublished(ctx, wf.CompanyID, wf.ID, v.ID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	return wf, v
}

func TestPostgresStore(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	t.Run("nodes round trip with tasks and positions", func(t *testing.T) {
		now := time.Now().UTC()
		wf := &models.Workflow{CompanyID: "company-1", Name: "Build", Status: models.WorkflowStatusDraft,
			CreatedBy: "u", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		node := models.Node{
			ID: "n1", WorkflowID: wf.ID, Name: "Review", IsEntry: true,
			Position: &models.Position{X: 10, Y: 20},
			Tasks: []models.Task{
				{ID: "b", Name: "Second", Position: 1, Outcomes: []models.Outcome{{Name: "OK"}}},
				{ID: "a", Name: "First", Position: 0, Outcomes: []models.Outcome{{Name: "OK"}, {Name: "REJECT"}},
					EvidenceRequired: true, EvidenceSchema: json.RawMessage(`{"type":"object"}`),
					Dependencies: []models.CrossFlowDependency{{SourceWorkflowID: "w2", SourceTaskID: "x", RequiredOutcome: "OK"}}},
			},
		}
		require.NoError(t, store.SaveNode(ctx, node))

		nodes, err := store.ListNodes(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, models.CompletionAllTasksDone, nodes[0].CompletionRule)
		assert.Equal(t, &models.Position{X: 10, Y: 20}, nodes[0].Position)
		require.Len(t, nodes[0].Tasks, 2)
		assert.Equal(t, "a", nodes[0].Tasks[0].ID)
		assert.JSONEq(t, `{"type":"object"}`, string(nodes[0].Tasks[0].EvidenceSchema))
		assert.Len(t, nodes[0].Tasks[0].Dependencies, 1)

		// Saving without a position keeps the stored layout.
		node.Position = nil
		node.Name = "Review v2"
		node.Tasks = node.Tasks[:1]
		require.NoError(t, store.SaveNode(ctx, node))
		nodes, err = store.ListNodes(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "Review v2", nodes[0].Name)
		assert.Equal(t, &models.Position{X: 10, Y: 20}, nodes[0].Position)
		assert.Len(t, nodes[0].Tasks, 1)

		require.NoError(t, store.SaveGate(ctx, models.Gate{ID: "g1", WorkflowID: wf.ID, SourceNodeID: "n1", OutcomeName: "OK"}))
		err = store.SaveGate(ctx, models.Gate{ID: "g2", WorkflowID: wf.ID, SourceNodeID: "n1", OutcomeName: "OK", TargetNodeID: strPtr("n1")})
		assert.ErrorIs(t, err, ErrConflict)

		require.NoError(t, store.DeleteNode(ctx, wf.ID, "n1"))
		gates, err := store.ListGates(ctx, wf.ID)
		require.NoError(t, err)
		assert.Empty(t, gates)
	})

	t.Run("draft events are sequenced per workflow", func(t *testing.T) {
		now := time.Now().UTC()
		wf := &models.Workflow{CompanyID: "company-1", Name: "Drafts", Status: models.WorkflowStatusDraft,
			CreatedBy: "u", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		for i := 1; i <= 3; i++ {
			ev := &models.DraftEvent{CompanyID: wf.CompanyID, WorkflowID: wf.ID, Type: models.DraftEventCommit,
				CreatedBy: "u", CreatedAt: now}
			require.NoError(t, store.AppendDraftEvent(ctx, ev))
			assert.Equal(t, i, ev.Seq)
		}

		buf := &models.DraftBuffer{CompanyID: wf.CompanyID, WorkflowID: wf.ID, UpdatedBy: "u", CreatedAt: now, UpdatedAt: now,
			Content: models.DraftContent{Nodes: []models.Node{{ID: "x", Name: "X"}}}}
		require.NoError(t, store.SaveDraftBuffer(ctx, buf))
		firstID := buf.ID

		buf2 := &models.DraftBuffer{CompanyID: wf.CompanyID, WorkflowID: wf.ID, UpdatedBy: "v", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, store.SaveDraftBuffer(ctx, buf2))
		assert.Equal(t, firstID, buf2.ID)

		got, err := store.GetDraftBuffer(ctx, wf.CompanyID, wf.ID)
		require.NoError(t, err)
		assert.True(t, got.Content.IsEmpty())
		assert.Equal(t, "v", got.UpdatedBy)
	})

	t.Run("flow group resolution is idempotent", func(t *testing.T) {
		scope := models.Scope{Type: "job", ID: uuid.NewString()}
		g1, err := store.ResolveFlowGroup(ctx, "company-1", scope)
		require.NoError(t, err)
		g2, err := store.ResolveFlowGroup(ctx, "company-1", scope)
		require.NoError(t, err)
		assert.Equal(t, g1.ID, g2.ID)

		_, err = store.FindFlowGroupByScope(ctx, "company-2", scope)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("execution truth is append-only", func(t *testing.T) {
		wf, v := seedPublished(t, ctx, store)
		group, err := store.ResolveFlowGroup(ctx, wf.CompanyID, models.Scope{Type: "job", ID: "job-1"})
		require.NoError(t, err)

		now := time.Now().UTC()
		flow := &models.Flow{CompanyID: wf.CompanyID, FlowGroupID: group.ID, WorkflowID: wf.ID, WorkflowVersionID: v.ID,
			Status: models.FlowStatusActive, CreatedBy: "u", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, store.CreateFlow(ctx, flow))

		act := &models.NodeActivation{FlowID: flow.ID, NodeID: "intake", Iteration: 1, ActivatedAt: now}
		require.NoError(t, store.CreateNodeActivation(ctx, act))
		dup := &models.NodeActivation{FlowID: flow.ID, NodeID: "intake", Iteration: 1, ActivatedAt: now}
		assert.ErrorIs(t, store.CreateNodeActivation(ctx, dup), ErrConflict)

		exec := &models.TaskExecution{FlowID: flow.ID, TaskID: "t1", NodeID: "intake", Iteration: 1, StartedAt: now, StartedBy: "u"}
		require.NoError(t, store.CreateTaskExecution(ctx, exec))
		again := &models.TaskExecution{FlowID: flow.ID, TaskID: "t1", NodeID: "intake", Iteration: 1, StartedAt: now, StartedBy: "u"}
		assert.ErrorIs(t, store.CreateTaskExecution(ctx, again), ErrConflict)

		ok, err := store.StampTaskOutcome(ctx, exec.ID, "DONE", "u", now, nil, []byte(`{"note":"x"}`))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.StampTaskOutcome(ctx, exec.ID, "OTHER", "u", now, nil, nil)
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = store.StampTaskOutcome(ctx, "missing", "DONE", "u", now, nil, nil)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := store.GetTaskExecution(ctx, exec.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Outcome)
		assert.Equal(t, "DONE", *got.Outcome)
		assert.JSONEq(t, `{"note":"x"}`, string(got.Metadata))

		// The schema rejects in-place edits that bypass the repository.
		_, err = store.db.Exec(ctx, "UPDATE task_executions SET outcome = 'OTHER' WHERE id = $1", exec.ID)
		assert.Error(t, err)
		_, err = store.db.Exec(ctx, "DELETE FROM node_activations WHERE id = $1", act.ID)
		assert.Error(t, err)

		key := "upload-1"
		ev := &models.EvidenceAttachment{FlowID: flow.ID, TaskID: "t1", Type: models.EvidenceTypeText,
			Data: map[string]any{"text": "hello"}, IdempotencyKey: &key, AttachedBy: "u", AttachedAt: now}
		stored, created, err := store.CreateEvidence(ctx, ev)
		require.NoError(t, err)
		assert.True(t, created)

		retry := &models.EvidenceAttachment{FlowID: flow.ID, TaskID: "t1", Type: models.EvidenceTypeText,
			Data: map[string]any{"text": "hello again"}, IdempotencyKey: &key, AttachedBy: "u", AttachedAt: now}
		second, created, err := store.CreateEvidence(ctx, retry)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, stored.ID, second.ID)

		list, err := store.ListEvidence(ctx, flow.ID, "")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		ok, err = store.TransitionFlowStatus(ctx, flow.ID, []models.FlowStatus{models.FlowStatusActive}, models.FlowStatusCompleted, now)
		require.NoError(t, err)
		assert.True(t, ok)
		f, err := store.GetFlow(ctx, wf.CompanyID, flow.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FlowStatusCompleted, f.Status)
		assert.NotNil(t, f.CompletedAt)
	})

	t.Run("transaction rolls back every step on error", func(t *testing.T) {
		wf, _ := seedPublished(t, ctx, store)
		err := store.WithTx(ctx, func(q Queries) error {
			if _, err := q.LockWorkflow(ctx, wf.CompanyID, wf.ID); err != nil {
				return err
			}
			if err := q.CreateFanOutRule(ctx, &models.FanOutRule{WorkflowID: wf.ID, SourceNodeID: "intake",
				TriggerOutcome: "DONE", TargetWorkflowID: "other"}); err != nil {
				return err
			}
			return ErrConflict
		})
		assert.ErrorIs(t, err, ErrConflict)

		rules, err := store.ListFanOutRules(ctx, wf.ID)
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("versions parse their snapshot", func(t *testing.T) {
		wf, v := seedPublished(t, ctx, store)
		got, err := store.GetWorkflowVersionByNumber(ctx, wf.CompanyID, wf.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, v.ID, got.ID)
		assert.Equal(t, models.SnapshotSchemaVersion, got.Snapshot.SchemaVersion)
		require.Len(t, got.Snapshot.Nodes, 1)
		assert.Equal(t, "intake", got.Snapshot.Nodes[0].ID)

		_, err = store.GetWorkflowVersion(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

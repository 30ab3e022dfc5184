package services

import (
	"context"
	"testing"

	"flowspec/backend/internal/repository/memory"
	"flowspec/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const layoutDoc = `
workflows:
  - key: w
    name: W
    nodes:
      - key: n1
        name: One
        entry: true
        position: {x: 10, y: 20}
        tasks:
          - {key: t1, name: T1, outcomes: [DONE]}
      - key: n2
        name: Two
        position: {x: 30, y: 40}
        tasks:
          - {key: t2, name: T2, outcomes: [DONE]}
    gates:
      - {from: n1, outcome: DONE, to: n2}
      - {from: n2, outcome: DONE}
`

func nodeByID(t *testing.T, nodes []models.Node, id string) models.Node {
	t.Helper()
	n, ok := findNode(nodes, id)
	require.True(t, ok, "node %s missing", id)
	return n
}

func TestBuilderViewIsUnionOfBufferAndRelationalRows(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	wf := importWorkflows(t, e, layoutDoc)["w"]

	require.NoError(t, store.SaveDraftBuffer(ctx, &models.DraftBuffer{
		CompanyID:  testCompany,
		WorkflowID: wf.ID,
		Content: models.DraftContent{Nodes: []models.Node{
			{ID: "n1", Name: "One renamed", IsEntry: true, Position: &models.Position{X: 99, Y: 99},
				Tasks: []models.Task{{ID: "t1", Name: "T1", Outcomes: []models.Outcome{{Name: "DONE"}}}}},
			{ID: "n3", Name: "Three", Position: &models.Position{X: 5, Y: 5}},
		}},
	}))

	view, err := e.Drafts.GetBuilderView(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.True(t, view.HasDraft)
	require.Len(t, view.Nodes, 3)

	n1 := nodeByID(t, view.Nodes, "n1")
	assert.Equal(t, "One renamed", n1.Name)
	assert.Equal(t, &models.Position{X: 10, Y: 20}, n1.Position, "relational layout wins")
	assert.Equal(t, "Two", nodeByID(t, view.Nodes, "n2").Name)
	assert.Equal(t, &models.Position{X: 5, Y: 5}, nodeByID(t, view.Nodes, "n3").Position)
	assert.Len(t, view.Gates, 2)
}

func TestDraftCommitRestoreAndDiff(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	wf, err := e.Lifecycle.CreateWorkflow(ctx, testCompany, testActor, "W", "")
	require.NoError(t, err)

	_, err = e.Drafts.Commit(ctx, testCompany, wf.ID, testActor, "empty")
	requireCode(t, err, CodeNoChanges)

	a, err := e.Drafts.AddNode(ctx, testCompany, wf.ID, testActor, NodeInput{Name: "A", IsEntry: true, Position: &models.Position{X: 1, Y: 1}})
	require.NoError(t, err)
	first, err := e.Drafts.Commit(ctx, testCompany, wf.ID, testActor, "first")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, models.Position{X: 1, Y: 1}, first.Snapshot.Layout[a.ID])
	assert.Nil(t, first.Snapshot.Semantic.Nodes[0].Position)

	_, err = e.Drafts.Commit(ctx, testCompany, wf.ID, testActor, "again")
	requireCode(t, err, CodeNoChanges)

	b, err := e.Drafts.AddNode(ctx, testCompany, wf.ID, testActor, NodeInput{Name: "B"})
	require.NoError(t, err)
	second, err := e.Drafts.Commit(ctx, testCompany, wf.ID, testActor, "second")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Seq)

	nodes, err := store.ListNodes(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	diff, err := e.Drafts.DiffEvents(ctx, testCompany, wf.ID, first.ID, second.ID)
	require.NoError(t, err)
	assert.Contains(t, diff, "--- #1")
	assert.Contains(t, diff, "+++ #2")
	assert.Contains(t, diff, `+      "name": "B",`)

	// Layout moves do not create draft history.
	require.NoError(t, e.Drafts.UpdateNodePosition(ctx, testCompany, wf.ID, a.ID, models.Position{X: 7, Y: 8}))
	_, err = e.Drafts.Commit(ctx, testCompany, wf.ID, testActor, "layout only")
	requireCode(t, err, CodeNoChanges)

	restore, err := e.Drafts.Restore(ctx, testCompany, wf.ID, first.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, models.DraftEventRestore, restore.Type)
	assert.Equal(t, 3, restore.Seq)
	assert.Equal(t, "restore of #1", restore.Label)
	assert.Equal(t, &first.ID, restore.SourceEventID)

	view, err := e.Drafts.GetBuilderView(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.True(t, view.HasDraft)
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, &models.Position{X: 7, Y: 8}, view.Nodes[0].Position, "restore keeps current layout")

	// Nothing relational changed until the restore is committed.
	nodes, err = store.ListNodes(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	_, err = e.Drafts.Commit(ctx, testCompany, wf.ID, testActor, "restored")
	require.NoError(t, err)
	nodes, err = store.ListNodes(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, a.ID, nodes[0].ID)
	assert.NotEqual(t, b.ID, nodes[0].ID)

	events, err := e.Drafts.ListEvents(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	_, err = e.Drafts.Restore(ctx, testCompany, wf.ID, "missing", testActor)
	requireCode(t, err, CodeEventNotFound)
}

func TestDiscardDropsOnlyTheBuffer(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	wf := importWorkflows(t, e, layoutDoc)["w"]

	discarded, err := e.Drafts.Discard(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.False(t, discarded)

	_, err = e.Drafts.AddNode(ctx, testCompany, wf.ID, testActor, NodeInput{Name: "Extra"})
	require.NoError(t, err)
	require.NoError(t, e.Drafts.UpdateNodePosition(ctx, testCompany, wf.ID, "n2", models.Position{X: 0, Y: 0}))

	discarded, err = e.Drafts.Discard(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.True(t, discarded)

	nodes, err := store.ListNodes(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, &models.Position{X: 0, Y: 0}, nodeByID(t, nodes, "n2").Position)
}

func TestDeleteNodeDropsTouchingGates(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	wf := importWorkflows(t, e, layoutDoc)["w"]

	require.NoError(t, e.Drafts.DeleteNode(ctx, testCompany, wf.ID, "n2", testActor))
	view, err := e.Drafts.GetBuilderView(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 1)
	assert.Empty(t, view.Gates)

	_, err = e.Drafts.Commit(ctx, testCompany, wf.ID, testActor, "drop n2")
	require.NoError(t, err)
	gates, err := store.ListGates(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, gates)

	err = e.Drafts.DeleteNode(ctx, testCompany, wf.ID, "n2", testActor)
	requireCode(t, err, CodeNodeNotFound)
}

func TestTaskAndOutcomeEdits(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	wf := importWorkflows(t, e, layoutDoc)["w"]

	task, err := e.Drafts.AddTask(ctx, testCompany, wf.ID, "n1", testActor, TaskInput{Name: "Extra", Outcomes: []string{"OK"}})
	require.NoError(t, err)
	assert.Equal(t, 1, task.Position)
	assert.Equal(t, "n1", task.NodeID)

	require.NoError(t, e.Drafts.AddOutcome(ctx, testCompany, wf.ID, "n1", task.ID, testActor, "NOT_OK"))
	err = e.Drafts.AddOutcome(ctx, testCompany, wf.ID, "n1", task.ID, testActor, "OK")
	requireCode(t, err, CodeValidationError)
	require.NoError(t, e.Drafts.DeleteOutcome(ctx, testCompany, wf.ID, "n1", task.ID, testActor, "OK"))
	err = e.Drafts.DeleteOutcome(ctx, testCompany, wf.ID, "n1", task.ID, testActor, "OK")
	requireCode(t, err, CodeInvalidOutcome)

	name := "Renamed"
	updated, err := e.Drafts.UpdateTask(ctx, testCompany, wf.ID, "n1", task.ID, testActor, TaskUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, []models.Outcome{{Name: "NOT_OK"}}, updated.Outcomes)

	view, err := e.Drafts.GetBuilderView(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.Len(t, nodeByID(t, view.Nodes, "n1").Tasks, 2)

	require.NoError(t, e.Drafts.DeleteTask(ctx, testCompany, wf.ID, "n1", task.ID, testActor))
	err = e.Drafts.DeleteTask(ctx, testCompany, wf.ID, "n1", task.ID, testActor)
	requireCode(t, err, CodeTaskNotFound)

	_, err = e.Drafts.AddTask(ctx, testCompany, wf.ID, "missing", testActor, TaskInput{Name: "X"})
	requireCode(t, err, CodeNodeNotFound)
}

func TestSetGateKeepsIDPerKey(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	wf := importWorkflows(t, e, layoutDoc)["w"]

	view, err := e.Drafts.GetBuilderView(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	var existing models.Gate
	for _, g := range view.Gates {
		if g.SourceNodeID == "n1" {
			existing = g
		}
	}

	g, err := e.Drafts.SetGate(ctx, testCompany, wf.ID, testActor, "n1", "DONE", nil)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, g.ID)
	assert.Nil(t, g.TargetNodeID)

	_, err = e.Drafts.SetGate(ctx, testCompany, wf.ID, testActor, "n1", "DONE", strPtr("missing"))
	requireCode(t, err, CodeNodeNotFound)

	require.NoError(t, e.Drafts.DeleteGate(ctx, testCompany, wf.ID, g.ID, testActor))
	err = e.Drafts.DeleteGate(ctx, testCompany, wf.ID, g.ID, testActor)
	requireCode(t, err, CodeValidationError)
}

func TestPublishedWorkflowIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	events := &MockPublisher{}
	events.On("Publish", mock.Anything, mock.Anything).Return(nil)
	e := NewEngine(store, Options{Events: events})
	wf := importWorkflows(t, e, singleTaskDoc)["w"]
	before := len(events.Calls)

	_, err := e.Drafts.AddNode(ctx, testCompany, wf.ID, testActor, NodeInput{Name: "X"})
	requireCode(t, err, CodePublishedImmutable)
	_, err = e.Drafts.AddTask(ctx, testCompany, wf.ID, "intake", testActor, TaskInput{Name: "X"})
	requireCode(t, err, CodePublishedImmutable)
	_, err = e.Drafts.SetGate(ctx, testCompany, wf.ID, testActor, "intake", "DONE", nil)
	requireCode(t, err, CodePublishedImmutable)
	_, err = e.Drafts.AddFanOutRule(ctx, testCompany, wf.ID, "intake", "DONE", wf.ID)
	requireCode(t, err, CodePublishedImmutable)
	_, err = e.Lifecycle.Validate(ctx, testCompany, wf.ID)
	requireCode(t, err, CodePublishedImmutable)
	_, err = e.Lifecycle.RevertToDraft(ctx, testCompany, wf.ID)
	requireCode(t, err, CodePublishedImmutable)
	_, err = e.Lifecycle.Publish(ctx, testCompany, wf.ID, testActor)
	requireCode(t, err, CodePublishedImmutable)

	_, err = store.GetDraftBuffer(ctx, testCompany, wf.ID)
	assert.Error(t, err, "no buffer was created")
	got, err := e.Lifecycle.GetWorkflow(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPublished, got.Status)
	assert.Len(t, events.Calls, before)
}

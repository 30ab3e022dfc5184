package services

import (
	"context"
	"sync"
	"testing"

	"flowspec/backend/internal/repository/memory"
	"flowspec/backend/internal/template"
	"flowspec/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testCompany = "company-1"
	testActor   = "user-1"
)

// MockPublisher records domain events.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event models.DomainEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) types() []models.DomainEventType {
	var out []models.DomainEventType
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(models.DomainEvent).Type)
	}
	return out
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]*models.WorkflowVersion
	hits int
}

func (c *mapCache) Get(_ context.Context, id string) (*models.WorkflowVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[id]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *mapCache) Put(_ context.Context, v *models.WorkflowVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]*models.WorkflowVersion)
	}
	c.data[v.ID] = v
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewEngine(store, Options{}), store
}

// importWorkflows imports a YAML document and returns the workflows by key.
func importWorkflows(t *testing.T, e *Engine, doc string) map[string]*models.Workflow {
	t.Helper()
	f, err := template.Parse([]byte(doc))
	require.NoError(t, err)
	created, err := e.ImportTemplates(context.Background(), testCompany, testActor, f)
	require.NoError(t, err)
	out := make(map[string]*models.Workflow, len(created))
	for i, w := range f.Workflows {
		out[w.Key] = created[i]
	}
	return out
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, CodeOf(err), "error: %v", err)
}

func createFlow(t *testing.T, e *Engine, workflowID, scopeID string) *CreateFlowResult {
	t.Helper()
	res, err := e.Flows.CreateFlow(context.Background(), CreateFlowInput{
		CompanyID:  testCompany,
		WorkflowID: workflowID,
		Scope:      models.Scope{Type: "job", ID: scopeID},
		Actor:      testActor,
	})
	require.NoError(t, err)
	return res
}

func complete(t *testing.T, e *Engine, flowID, taskID, outcome string) *RecordOutcomeResult {
	t.Helper()
	ctx := context.Background()
	_, err := e.Execution.StartTask(ctx, testCompany, flowID, taskID, testActor)
	require.NoError(t, err)
	res, err := e.Execution.RecordOutcome(ctx, RecordOutcomeInput{
		CompanyID: testCompany, FlowID: flowID, TaskID: taskID, Outcome: outcome, Actor: testActor,
	})
	require.NoError(t, err)
	return res
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	events := &MockPublisher{}
	events.On("Publish", mock.Anything, mock.Anything).Return(nil)
	e := NewEngine(store, Options{Events: events})

	wf, err := e.Lifecycle.CreateWorkflow(ctx, testCompany, testActor, "W", "")
	require.NoError(t, err)
	intake, err := e.Drafts.AddNode(ctx, testCompany, wf.ID, testActor, NodeInput{Name: "Intake", IsEntry: true})
	require.NoError(t, err)
	t1, err := e.Drafts.AddTask(ctx, testCompany, wf.ID, intake.ID, testActor, TaskInput{Name: "T1", Outcomes: []string{"DONE"}})
	require.NoError(t, err)
	_, err = e.Drafts.SetGate(ctx, testCompany, wf.ID, testActor, intake.ID, "DONE", nil)
	require.NoError(t, err)
	_, err = e.Drafts.Commit(ctx, testCompany, wf.ID, testActor, "initial")
	require.NoError(t, err)

	res, err := e.Lifecycle.Validate(ctx, testCompany, wf.ID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, models.WorkflowStatusValidated, res.Status)
	version, err := e.Lifecycle.Publish(ctx, testCompany, wf.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 1, version.Version)

	created, err := e.Flows.CreateFlow(ctx, CreateFlowInput{
		CompanyID: testCompany, WorkflowID: wf.ID, Scope: models.Scope{Type: "job", ID: "job-1"}, Actor: testActor,
	})
	require.NoError(t, err)
	assert.Equal(t, version.ID, created.Flow.WorkflowVersionID)
	require.Len(t, created.Activations, 1)
	assert.Equal(t, intake.ID, created.Activations[0].NodeID)
	assert.Equal(t, 1, created.Activations[0].Iteration)

	exec, err := e.Execution.StartTask(ctx, testCompany, created.Flow.ID, t1.ID, testActor)
	require.NoError(t, err)
	assert.False(t, exec.StartedAt.IsZero())
	assert.Nil(t, exec.Outcome)

	out, err := e.Execution.RecordOutcome(ctx, RecordOutcomeInput{
		CompanyID: testCompany, FlowID: created.Flow.ID, TaskID: t1.ID, Outcome: "DONE", Actor: testActor,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Execution.Outcome)
	assert.Equal(t, "DONE", *out.Execution.Outcome)
	assert.Equal(t, exec.ID, out.Execution.ID)
	assert.True(t, out.NodeCompleted)
	assert.True(t, out.FlowCompleted)
	require.Len(t, out.GateResults, 1)
	assert.True(t, out.GateResults[0].Terminal)

	flow, err := e.Flows.GetFlow(ctx, testCompany, created.Flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCompleted, flow.Status)
	assert.NotNil(t, flow.CompletedAt)

	assert.Equal(t, []models.DomainEventType{
		models.EventDraftCommitted,
		models.EventWorkflowPublished,
		models.EventFlowCreated,
		models.EventTaskStarted,
		models.EventTaskOutcomeRecorded,
		models.EventFlowCompleted,
	}, events.types())
}

func TestPublishFailuresDoNotFailOperations(t *testing.T) {
	ctx := context.Background()
	events := &MockPublisher{}
	events.On("Publish", mock.Anything, mock.Anything).Return(assert.AnError)
	e := NewEngine(memory.NewStore(), Options{Events: events})

	wfs := importWorkflows(t, e, singleTaskDoc)
	_, err := e.Flows.CreateFlow(ctx, CreateFlowInput{
		CompanyID: testCompany, WorkflowID: wfs["w"].ID, Scope: models.Scope{Type: "job", ID: "j"}, Actor: testActor,
	})
	require.NoError(t, err)
	events.AssertCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestSnapshotCacheIsReadThrough(t *testing.T) {
	cache := &mapCache{}
	e := NewEngine(memory.NewStore(), Options{Snapshots: cache})
	wfs := importWorkflows(t, e, singleTaskDoc)

	flow := createFlow(t, e, wfs["w"].ID, "j")
	complete(t, e, flow.Flow.ID, "t1", "DONE")
	assert.Greater(t, cache.hits, 0)
}

const singleTaskDoc = `
workflows:
  - key: w
    name: W
    publish: true
    nodes:
      - key: intake
        name: Intake
        entry: true
        tasks:
          - {key: t1, name: T1, outcomes: [DONE]}
    gates:
      - {from: intake, outcome: DONE}
`

package services

import (
	"context"
	"testing"

	"flowspec/backend/internal/repository"
	"flowspec/backend/internal/repository/memory"
	"flowspec/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const fanOutDoc = `
workflows:
  - key: sales
    name: Sales
    publish: true
    nodes:
      - key: close
        name: Close
        entry: true
        tasks:
          - {key: sign, name: Sign, outcomes: [WON, LOST]}
    gates:
      - {from: close, outcome: WON}
      - {from: close, outcome: LOST}
    fan_out:
      - {from: close, outcome: WON, workflow: install}
  - key: install
    name: Install
    nodes:
      - key: schedule
        name: Schedule
        entry: true
        tasks:
          - key: book
            name: Book
            outcomes: [BOOKED]
            depends_on:
              - {workflow: sales, task: sign, outcome: WON}
    gates:
      - {from: schedule, outcome: BOOKED}
`

func TestFanOutFailureWithholdsCompletionEvent(t *testing.T) {
	ctx := context.Background()
	events := &MockPublisher{}
	events.On("Publish", mock.Anything, mock.Anything).Return(nil)
	e := NewEngine(memory.NewStore(), Options{Events: events})
	wfs := importWorkflows(t, e, fanOutDoc)
	parent := createFlow(t, e, wfs["sales"].ID, "job-1").Flow
	before := len(events.Calls)

	res := complete(t, e, parent.ID, "sign", "WON")
	assert.False(t, res.FlowCompleted)
	assert.Equal(t, []models.DomainEventType{
		models.EventTaskStarted,
		models.EventTaskOutcomeRecorded,
		models.EventFlowBlocked,
	}, events.types()[before:])

	_, err := e.Lifecycle.Validate(ctx, testCompany, wfs["install"].ID)
	require.NoError(t, err)
	_, err = e.Lifecycle.Publish(ctx, testCompany, wfs["install"].ID, testActor)
	require.NoError(t, err)
	failures, err := e.Projections.ListFanOutFailures(ctx, testCompany, parent.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	before = len(events.Calls)
	_, err = e.Execution.ResolveFanOutFailure(ctx, testCompany, failures[0].ID, testActor, true)
	require.NoError(t, err)
	assert.Contains(t, events.types()[before:], models.EventFlowCompleted)
	flow, err := e.Flows.GetFlow(ctx, testCompany, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCompleted, flow.Status)
}

func TestFanOutFailureContainment(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	wfs := importWorkflows(t, e, fanOutDoc)
	parent := createFlow(t, e, wfs["sales"].ID, "job-1").Flow

	res := complete(t, e, parent.ID, "sign", "WON")
	require.NotNil(t, res.Execution.Outcome)
	assert.Equal(t, "WON", *res.Execution.Outcome)
	assert.Empty(t, res.ChildFlowIDs)
	assert.True(t, res.NodeCompleted)
	assert.False(t, res.FlowCompleted, "a blocked flow is not completed")
	require.Len(t, res.FanOutFailures, 1)
	assert.Equal(t, string(CodeWorkflowNotPublished), res.FanOutFailures[0].ErrorCode)
	assert.Equal(t, wfs["install"].ID, res.FanOutFailures[0].TargetWorkflowID)
	assert.Equal(t, res.Execution.ID, res.FanOutFailures[0].TaskExecutionID)

	flow, err := e.Flows.GetFlow(ctx, testCompany, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusBlocked, flow.Status)

	failures, err := e.Projections.ListFanOutFailures(ctx, testCompany, parent.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	detail, err := e.Projections.FlowDetail(ctx, testCompany, parent.ID)
	require.NoError(t, err)
	require.Len(t, detail.Executions, 1)
	assert.Equal(t, "WON", *detail.Executions[0].Outcome)

	view, err := e.Projections.FlowGroupView(ctx, testCompany, parent.FlowGroupID)
	require.NoError(t, err)
	assert.True(t, view.IsBlocked)

	// Retrying before the target is published keeps the failure open.
	_, err = e.Execution.ResolveFanOutFailure(ctx, testCompany, failures[0].ID, testActor, true)
	requireCode(t, err, CodeWorkflowNotPublished)

	_, err = e.Lifecycle.Validate(ctx, testCompany, wfs["install"].ID)
	require.NoError(t, err)
	_, err = e.Lifecycle.Publish(ctx, testCompany, wfs["install"].ID, testActor)
	require.NoError(t, err)

	resolved, err := e.Execution.ResolveFanOutFailure(ctx, testCompany, failures[0].ID, testActor, true)
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, resolved.ChildFlowID)

	child, err := e.Flows.GetFlow(ctx, testCompany, *resolved.ChildFlowID)
	require.NoError(t, err)
	assert.Equal(t, parent.FlowGroupID, child.FlowGroupID)
	assert.Equal(t, &parent.ID, child.ParentFlowID)

	flow, err = e.Flows.GetFlow(ctx, testCompany, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCompleted, flow.Status)

	view, err = e.Projections.FlowGroupView(ctx, testCompany, parent.FlowGroupID)
	require.NoError(t, err)
	assert.False(t, view.IsBlocked)
	assert.Len(t, view.Flows, 2)

	// The child's dependency on the parent's outcome is satisfied.
	_, err = e.Execution.StartTask(ctx, testCompany, child.ID, "book", testActor)
	require.NoError(t, err)

	again, err := e.Execution.ResolveFanOutFailure(ctx, testCompany, failures[0].ID, testActor, true)
	require.NoError(t, err)
	assert.Equal(t, resolved.ChildFlowID, again.ChildFlowID)
}

func TestFanOutCreatesChildInSameGroup(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	wfs := importWorkflows(t, e, fanOutDoc)
	_, err := e.Lifecycle.Validate(ctx, testCompany, wfs["install"].ID)
	require.NoError(t, err)
	_, err = e.Lifecycle.Publish(ctx, testCompany, wfs["install"].ID, testActor)
	require.NoError(t, err)

	parent := createFlow(t, e, wfs["sales"].ID, "job-1").Flow
	res := complete(t, e, parent.ID, "sign", "WON")
	require.Len(t, res.ChildFlowIDs, 1)
	assert.Empty(t, res.FanOutFailures)
	assert.True(t, res.FlowCompleted)

	child, err := store.GetFlow(ctx, testCompany, res.ChildFlowIDs[0])
	require.NoError(t, err)
	assert.Equal(t, parent.FlowGroupID, child.FlowGroupID)
	require.NotNil(t, child.FanOutRuleID)

	// LOST does not match the rule.
	other := createFlow(t, e, wfs["sales"].ID, "job-2").Flow
	res = complete(t, e, other.ID, "sign", "LOST")
	assert.Empty(t, res.ChildFlowIDs)
	assert.Empty(t, res.FanOutFailures)
}

func TestResolveFanOutFailureWithoutRetry(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	wfs := importWorkflows(t, e, fanOutDoc)
	parent := createFlow(t, e, wfs["sales"].ID, "job-1").Flow
	res := complete(t, e, parent.ID, "sign", "WON")
	require.Len(t, res.FanOutFailures, 1)

	resolved, err := e.Execution.ResolveFanOutFailure(ctx, testCompany, res.FanOutFailures[0].ID, testActor, false)
	require.NoError(t, err)
	assert.Nil(t, resolved.ChildFlowID)

	flow, err := e.Flows.GetFlow(ctx, testCompany, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCompleted, flow.Status)

	_, err = e.Execution.ResolveFanOutFailure(ctx, "other-company", res.FanOutFailures[0].ID, testActor, false)
	requireCode(t, err, CodeFailureNotFound)
	_, err = e.Execution.ResolveFanOutFailure(ctx, testCompany, "missing", testActor, false)
	requireCode(t, err, CodeFailureNotFound)
}

func TestLegacySnapshotUsesWorkflowRules(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	wfs := importWorkflows(t, e, fanOutDoc)
	sales := wfs["sales"]

	// Rewrite the published version as a v1 document without frozen rules.
	v, err := store.GetWorkflowVersion(ctx, *sales.PublishedVersionID)
	require.NoError(t, err)
	legacy := *v
	legacy.ID = ""
	legacy.Version = 2
	legacy.Snapshot.SchemaVersion = 1
	legacy.Snapshot.FanOutRules = nil
	require.NoError(t, store.WithTx(ctx, func(q repository.Queries) error {
		return q.CreateWorkflowVersion(ctx, &legacy)
	}))

	res, err := e.Flows.CreateFlow(ctx, CreateFlowInput{
		CompanyID: testCompany, WorkflowID: sales.ID, Scope: models.Scope{Type: "job", ID: "job-1"}, Actor: testActor,
	})
	require.NoError(t, err)
	// Bind a second flow to the legacy version the way an old flow would be.
	flow := *res.Flow
	flow.ID = ""
	flow.WorkflowVersionID = legacy.ID
	require.NoError(t, store.CreateFlow(ctx, &flow))
	require.NoError(t, store.CreateNodeActivation(ctx, &models.NodeActivation{FlowID: flow.ID, NodeID: "close", Iteration: 1}))

	out := complete(t, e, flow.ID, "sign", "WON")
	assert.Len(t, out.FanOutFailures, 1, "rule read from the live workflow")
}

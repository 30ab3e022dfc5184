package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"flowspec/backend/internal/auth"
	"flowspec/backend/internal/repository/memory"
	"flowspec/backend/internal/services"
	"flowspec/backend/internal/template"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = `
workflows:
  - key: job
    name: Job
    publish: true
    nodes:
      - key: survey
        name: Survey
        entry: true
        tasks:
          - {key: measure, name: Measure, outcomes: [DONE]}
    gates:
      - {from: survey, outcome: DONE}
`

func setup(t *testing.T) (*Server, string) {
	t.Helper()
	engine := services.NewEngine(memory.NewStore(), services.Options{})
	f, err := template.Parse([]byte(doc))
	require.NoError(t, err)
	created, err := engine.ImportTemplates(context.Background(), "company-1", "seed", f)
	require.NoError(t, err)
	return NewServer(engine, "test"), created[0].ID
}

func call(t *testing.T, s *Server, ctx context.Context, name string, args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"create_flow":           s.handleCreateFlow,
		"list_actionable_tasks": s.handleListActionable,
		"start_task":            s.handleStartTask,
		"record_outcome":        s.handleRecordOutcome,
		"flow_progress":         s.handleFlowProgress,
	}
	handler, ok := handlers[name]
	require.True(t, ok, "unknown tool %s", name)
	res, err := handler(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func agentContext(scopes ...string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{
		CompanyID: "company-1", ActorID: "agent@example.com", Scopes: scopes,
	})
}

func TestToolsDriveAFlowToCompletion(t *testing.T) {
	s, workflowID := setup(t)
	ctx := agentContext(auth.ScopeFlowRead, auth.ScopeFlowExecute)

	out, isErr := call(t, s, ctx, "create_flow", map[string]any{
		"workflow_id": workflowID, "scope_type": "job", "scope_id": "J-7",
	})
	require.False(t, isErr, out)
	var created services.CreateFlowResult
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	flowID := created.Flow.ID

	out, isErr = call(t, s, ctx, "list_actionable_tasks", map[string]any{"scope_type": "job", "scope_id": "J-7"})
	require.False(t, isErr, out)
	assert.Contains(t, out, `"task_id":"measure"`)

	out, isErr = call(t, s, ctx, "start_task", map[string]any{"flow_id": flowID, "task_id": "measure"})
	require.False(t, isErr, out)

	out, isErr = call(t, s, ctx, "record_outcome", map[string]any{"flow_id": flowID, "task_id": "measure", "outcome": "LOST"})
	assert.True(t, isErr)
	assert.Contains(t, out, "INVALID_OUTCOME")

	out, isErr = call(t, s, ctx, "record_outcome", map[string]any{"flow_id": flowID, "task_id": "measure", "outcome": "DONE"})
	require.False(t, isErr, out)
	assert.Contains(t, out, `"flow_completed":true`)

	out, isErr = call(t, s, ctx, "flow_progress", map[string]any{"flow_id": flowID})
	require.False(t, isErr, out)
	assert.Contains(t, out, `"status":"COMPLETED"`)
}

func TestToolsRequireIdentityAndScope(t *testing.T) {
	s, workflowID := setup(t)
	args := map[string]any{"workflow_id": workflowID, "scope_type": "job", "scope_id": "J-1"}

	out, isErr := call(t, s, context.Background(), "create_flow", args)
	assert.True(t, isErr)
	assert.Contains(t, out, "Not authenticated")

	out, isErr = call(t, s, agentContext(auth.ScopeFlowRead), "create_flow", args)
	assert.True(t, isErr)
	assert.Contains(t, out, auth.ScopeFlowExecute)

	out, isErr = call(t, s, agentContext(auth.ScopeFlowRead), "list_actionable_tasks", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, out, "Missing required parameter")

	out, isErr = call(t, s, agentContext(auth.ScopeFlowExecute), "start_task", map[string]any{"flow_id": "f"})
	assert.True(t, isErr)
	assert.Contains(t, out, "task_id")
}

// Package mcp exposes flow execution to agents as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"flowspec/backend/internal/auth"
	"flowspec/backend/internal/services"
	"flowspec/backend/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type Server struct {
	mcpServer *server.MCPServer
	engine    *services.Engine
}

func NewServer(engine *services.Engine, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"FlowSpec",
			version,
			server.WithToolCapabilities(true),
		),
		engine: engine,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_flow",
			mcp.WithDescription("Start a flow of a published workflow for a scope"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The published workflow to run")),
			mcp.WithString("scope_type", mcp.Required(), mcp.Description("Kind of the business object, e.g. job")),
			mcp.WithString("scope_id", mcp.Required(), mcp.Description("Identifier of the business object")),
		),
		s.handleCreateFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_actionable_tasks",
			mcp.WithDescription("List the tasks that can be started now, for one flow or for every flow of a scope"),
			mcp.WithString("flow_id", mcp.Description("The flow to inspect")),
			mcp.WithString("scope_type", mcp.Description("Scope kind, used with scope_id instead of flow_id")),
			mcp.WithString("scope_id", mcp.Description("Scope identifier")),
		),
		s.handleListActionable,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_task",
			mcp.WithDescription("Start an actionable task of a flow"),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The task to start")),
		),
		s.handleStartTask,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"record_outcome",
			mcp.WithDescription("Record the outcome of a started task"),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The started task")),
			mcp.WithString("outcome", mcp.Required(), mcp.Description("One of the task's declared outcomes")),
		),
		s.handleRecordOutcome,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"flow_progress",
			mcp.WithDescription("Summarize the progress of a flow"),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow")),
		),
		s.handleFlowProgress,
	)
}

func (s *Server) handleCreateFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := caller(ctx, auth.ScopeFlowExecute)
	if errResult != nil {
		return errResult, nil
	}
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	scopeType, err := request.RequireString("scope_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	scopeID, err := request.RequireString("scope_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.engine.Flows.CreateFlow(ctx, services.CreateFlowInput{
		CompanyID:  id.CompanyID,
		WorkflowID: workflowID,
		Scope:      models.Scope{Type: scopeType, ID: scopeID},
		Actor:      id.ActorID,
	})
	if err != nil {
		return toolError("create flow", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleListActionable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := caller(ctx, auth.ScopeFlowRead)
	if errResult != nil {
		return errResult, nil
	}
	flowID := request.GetString("flow_id", "")
	scope := models.Scope{Type: request.GetString("scope_type", ""), ID: request.GetString("scope_id", "")}

	var tasks any
	var err error
	switch {
	case flowID != "":
		tasks, err = s.engine.Projections.ActionableTasks(ctx, id.CompanyID, flowID)
	case scope.Type != "" && scope.ID != "":
		tasks, err = s.engine.Projections.ActionableTasksForScope(ctx, id.CompanyID, scope)
	default:
		return mcp.NewToolResultError("Missing required parameter: flow_id or scope_type and scope_id"), nil
	}
	if err != nil {
		return toolError("list actionable tasks", err), nil
	}
	return jsonResult(tasks)
}

func (s *Server) handleStartTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := caller(ctx, auth.ScopeFlowExecute)
	if errResult != nil {
		return errResult, nil
	}
	flowID, err := request.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	exec, err := s.engine.Execution.StartTask(ctx, id.CompanyID, flowID, taskID, id.ActorID)
	if err != nil {
		return toolError("start task", err), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleRecordOutcome(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := caller(ctx, auth.ScopeFlowExecute)
	if errResult != nil {
		return errResult, nil
	}
	flowID, err := request.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	outcome, err := request.RequireString("outcome")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.engine.Execution.RecordOutcome(ctx, services.RecordOutcomeInput{
		CompanyID: id.CompanyID,
		FlowID:    flowID,
		TaskID:    taskID,
		Outcome:   outcome,
		Actor:     id.ActorID,
	})
	if err != nil {
		return toolError("record outcome", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleFlowProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := caller(ctx, auth.ScopeFlowRead)
	if errResult != nil {
		return errResult, nil
	}
	flowID, err := request.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	progress, err := s.engine.Projections.FlowProgress(ctx, id.CompanyID, flowID)
	if err != nil {
		return toolError("load progress", err), nil
	}
	return jsonResult(progress)
}

func caller(ctx context.Context, scope string) (auth.Identity, *mcp.CallToolResult) {
	id, ok := auth.FromContext(ctx)
	if !ok || id.CompanyID == "" {
		return id, mcp.NewToolResultError("Not authenticated")
	}
	if !id.HasScope(scope) {
		return id, mcp.NewToolResultError("Missing scope " + scope)
	}
	return id, nil
}

// toolError reports engine errors with their code so agents can branch on it.
func toolError(action string, err error) *mcp.CallToolResult {
	if code := services.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %s: %v", action, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s", action))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp behind authn.
func MountHTTPHandlers(e *echo.Echo, mcpServer *server.MCPServer, authn echo.MiddlewareFunc) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.FromContext(r.Context()); ok {
				return auth.WithIdentity(ctx, id)
			}
			return ctx
		}),
	)
	handler := echo.WrapHandler(sseServer)

	g := e.Group("/mcp", authn)
	g.GET("/sse", handler)
	g.POST("/message", handler)
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listProjectsTool(),
		s.getProjectSnapshotTool(),
		s.getTaskTool(),
		s.resumeProjectTool(),
	)
}

func (s *Server) listProjectsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_projects",
		mcplib.WithDescription("List all projects managed by the engine"),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListProjects,
	}
}

func (s *Server) getProjectSnapshotTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_project_snapshot",
		mcplib.WithDescription("Get a point-in-time view of a project and all its tasks"),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project ID to snapshot"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetProjectSnapshot,
	}
}

func (s *Server) getTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task",
		mcplib.WithDescription("Get a task with its execution and validation history"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to look up"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetTask,
	}
}

func (s *Server) resumeProjectTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("resume_project",
		mcplib.WithDescription("Resume an interrupted project from its last persisted state"),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("The project ID to resume"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleResumeProject,
	}
}

func (s *Server) handleListProjects(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Projects == nil {
		return mcplib.NewToolResultError("project service not configured"), nil
	}
	projects, err := s.deps.Projects.List(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list projects", err), nil
	}
	data, err := json.Marshal(projects)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal projects", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetProjectSnapshot(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Projects == nil {
		return mcplib.NewToolResultError("project service not configured"), nil
	}
	projectID, ok := req.GetArguments()["project_id"].(string)
	if !ok || projectID == "" {
		return mcplib.NewToolResultError("project_id is required"), nil
	}
	snap, err := s.deps.Projects.Snapshot(ctx, projectID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to snapshot project %s", projectID), err,
		), nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal snapshot", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task reader not configured"), nil
	}
	taskID, ok := req.GetArguments()["task_id"].(string)
	if !ok || taskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	t, err := s.deps.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get task %s", taskID), err,
		), nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal task", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleResumeProject(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Resumer == nil {
		return mcplib.NewToolResultError("resumer not configured"), nil
	}
	projectID, ok := req.GetArguments()["project_id"].(string)
	if !ok || projectID == "" {
		return mcplib.NewToolResultError("project_id is required"), nil
	}
	p, err := s.deps.Resumer.Resume(ctx, projectID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to resume project %s", projectID), err,
		), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal project", err), nil
	}
	return toolResultJSON(string(data)), nil
}

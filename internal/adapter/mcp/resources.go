package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	projectsResourceURI = "fabrica://projects"
	snapshotURIPrefix   = "fabrica://projects/"
	snapshotURISuffix   = "/snapshot"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			projectsResourceURI,
			"Project List",
			mcplib.WithResourceDescription("All projects with their status and progress counters"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProjectsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			snapshotURIPrefix+"{id}"+snapshotURISuffix,
			"Project Snapshot",
			mcplib.WithTemplateDescription("Point-in-time view of one project and all its tasks"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSnapshotResource,
	)
}

func (s *Server) handleProjectsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Projects == nil {
		return nil, fmt.Errorf("project service not configured")
	}
	projects, err := s.deps.Projects.List(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(projects)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSnapshotResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Projects == nil {
		return nil, fmt.Errorf("project service not configured")
	}
	id, err := snapshotProjectID(req.Params.URI)
	if err != nil {
		return nil, err
	}
	snap, err := s.deps.Projects.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// snapshotProjectID extracts the project ID from a snapshot resource URI.
func snapshotProjectID(uri string) (string, error) {
	if !strings.HasPrefix(uri, snapshotURIPrefix) || !strings.HasSuffix(uri, snapshotURISuffix) {
		return "", fmt.Errorf("unsupported resource URI %q", uri)
	}
	id := strings.TrimSuffix(strings.TrimPrefix(uri, snapshotURIPrefix), snapshotURISuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("unsupported resource URI %q", uri)
	}
	return id, nil
}

// Package mcp exposes project introspection and the resume entry point
// over the Model Context Protocol, so agent frontends can observe and
// steer the engine with the same operations the HTTP API offers.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

// ProjectReader provides the read side of the project service.
type ProjectReader interface {
	List(ctx context.Context) ([]project.Project, error)
	Get(ctx context.Context, id string) (*project.Project, error)
	Snapshot(ctx context.Context, id string) (*project.Snapshot, error)
}

// TaskReader looks up individual tasks.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
}

// ProjectResumer relaunches a persisted project run.
type ProjectResumer interface {
	Resume(ctx context.Context, id string) (*project.Project, error)
}

// ServerConfig holds the MCP server settings. APIKeyHash is the bcrypt
// hash shared with the HTTP API; empty disables authentication.
type ServerConfig struct {
	Addr       string
	Name       string
	Version    string
	APIKeyHash string
}

// ServerDeps are the collaborators tools and resources read from. A nil
// dependency turns its tools into explanatory error results.
type ServerDeps struct {
	Projects ProjectReader
	Tasks    TaskReader
	Resumer  ProjectResumer
}

// Server exposes Fabrica over MCP streamable HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer builds the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves MCP over streamable HTTP on the configured address. It
// returns once the listener goroutine is launched; failures after that
// are logged, not returned.
func (s *Server) Start() error {
	handler := AuthMiddleware(s.cfg.APIKeyHash, mcpserver.NewStreamableHTTPServer(s.mcpServer))
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "addr", s.cfg.Addr, "error", err)
		}
	}()

	slog.Info("mcp server listening", "addr", s.cfg.Addr)
	return nil
}

// Stop gracefully shuts down the MCP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("mcp shutdown: %w", err)
	}
	return nil
}

// toolResultJSON wraps pre-marshaled JSON in a text tool result.
func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}

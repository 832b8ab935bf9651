package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mark3labs/taskrelay/internal/branch"
	"github.com/mark3labs/taskrelay/internal/lock"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/outcome"
)

// OutcomeReader lists recorded outcomes, newest first. *outcome.Store
// implements it.
type OutcomeReader interface {
	Recent(ctx context.Context, n int) ([]outcome.Record, error)
}

// Server exposes read-only relay inspection tools over MCP, either on stdio
// or on a local streamable HTTP endpoint.
type Server struct {
	guard    *lock.Guard
	outcomes OutcomeReader // nil when the store is unavailable
	namer    branch.Namer

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	stdServer  *http.Server // Standard HTTP server that uses the listener
	port       int
	mu         sync.Mutex
}

// New creates a new MCP server. Nothing is served until Start or
// ServeStdio is called.
func New(guard *lock.Guard, outcomes OutcomeReader, namer branch.Namer) *Server {
	s := &Server{guard: guard, outcomes: outcomes, namer: namer}
	s.mcpServer = server.NewMCPServer(
		"taskrelay",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("lock_status",
			mcp.WithDescription("Report whether a taskrelay process currently holds the repository lock"),
		),
		s.handleLockStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("recent_outcomes",
			mcp.WithDescription("List the most recent task outcomes recorded by taskrelay, newest first"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of outcomes to return (default 10)"),
			),
		),
		s.handleRecentOutcomes,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("branch_name",
			mcp.WithDescription("Return the git branch name taskrelay uses for a task"),
			mcp.WithString("task_id", mcp.Required(),
				mcp.Description("Tracker task ID"),
			),
			mcp.WithString("title", mcp.Required(),
				mcp.Description("Task title"),
			),
		),
		s.handleBranchName,
	)
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	logger.Debug("Serving MCP on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Start starts the MCP HTTP server on a random available port.
// Returns the port number or an error if startup fails.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer != nil {
		return 0, fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find available port: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	// Serving on the pre-opened listener avoids a TOCTOU race on the port.
	mux := http.NewServeMux()
	mcpHandler := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithStateLess(true),
	)
	mux.Handle("/mcp", mcpHandler)

	s.stdServer = &http.Server{Handler: mux}
	s.httpServer = mcpHandler

	logger.Debug("Starting MCP server on port %d", s.port)

	stdServer := s.stdServer
	go func() {
		if err := stdServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("MCP server error: %v", err)
		}
	}()

	logger.Debug("MCP server ready on port %d", s.port)
	return s.port, nil
}

// Stop stops the MCP HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer == nil {
		return nil // Already stopped
	}

	logger.Debug("Stopping MCP server")
	if err := s.stdServer.Shutdown(context.Background()); err != nil {
		logger.Warn("Error stopping MCP server: %v", err)
		return fmt.Errorf("failed to stop server: %w", err)
	}

	s.httpServer = nil
	s.stdServer = nil
	logger.Debug("MCP server stopped")
	return nil
}

// URL returns the HTTP URL for the MCP server endpoint.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://localhost:%d/mcp", s.port)
}

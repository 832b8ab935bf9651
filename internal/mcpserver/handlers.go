package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mark3labs/taskrelay/internal/lock"
)

const (
	defaultLimit = 10
	maxLimit     = 200
)

// handleLockStatus reports the state of the lock file.
func (s *Server) handleLockStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.guard == nil {
		return mcp.NewToolResultText("error: no lock configured"), nil
	}
	st, err := s.guard.Inspect()
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("error: %v", err)), nil
	}

	switch st.State {
	case lock.StateHeld, lock.StateOwned:
		return mcp.NewToolResultText(fmt.Sprintf("held by pid %d since %s (%s ago)",
			st.Info.PID, st.Info.StartedAt.Format(time.RFC3339), time.Since(st.Info.StartedAt).Round(time.Second))), nil
	case lock.StateStale:
		return mcp.NewToolResultText("stale: " + st.Reason), nil
	default:
		return mcp.NewToolResultText("free: no taskrelay process is running"), nil
	}
}

// handleRecentOutcomes lists outcome records, one per line.
func (s *Server) handleRecentOutcomes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.outcomes == nil {
		return mcp.NewToolResultText("error: outcome store unavailable"), nil
	}

	// JSON numbers come as float64
	limit := defaultLimit
	if args := request.GetArguments(); args != nil {
		if v, ok := args["limit"].(float64); ok {
			limit = int(v)
		}
	}
	if limit <= 0 {
		return mcp.NewToolResultText("error: 'limit' must be positive"), nil
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	records, err := s.outcomes.Recent(ctx, limit)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("error: %v", err)), nil
	}
	if len(records) == 0 {
		return mcp.NewToolResultText("No outcomes recorded"), nil
	}

	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, rec.String())
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

// handleBranchName applies the branch naming convention.
func (s *Server) handleBranchName(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if args == nil {
		return mcp.NewToolResultText("error: no arguments provided"), nil
	}
	id, ok := args["task_id"].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return mcp.NewToolResultText("error: missing or empty 'task_id' parameter"), nil
	}
	title, _ := args["title"].(string)

	return mcp.NewToolResultText(s.namer.Name(strings.TrimSpace(id), title)), nil
}

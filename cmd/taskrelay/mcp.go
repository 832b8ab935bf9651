package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskrelay/internal/branch"
	"github.com/mark3labs/taskrelay/internal/lock"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/mcpserver"
)

var mcpFlags struct {
	http bool
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read-only relay inspection tools over MCP",
	Long: `Serve an MCP server exposing lock_status, recent_outcomes and branch_name.

By default the server speaks MCP on stdio, for use as an agent tool server.
With --http it listens on a random local port and prints the endpoint URL.

recent_outcomes is only available while no taskrelay run is active.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpFlags.http, "http", false, "Serve streamable HTTP on localhost instead of stdio")
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var reader mcpserver.OutcomeReader
	store, closeStore, err := openOutcomes(ctx, cfg)
	switch {
	case err == nil:
		defer closeStore()
		reader = store
	case errors.Is(err, errStoreBusy):
		logger.Info("Outcome store busy; recent_outcomes disabled")
	default:
		logger.Warn("Outcome store unavailable: %v", err)
	}

	srv := mcpserver.New(lock.New(cfg.LockPath()), reader, branch.NewNamer(cfg.BranchPrefix, cfg.BranchTag))
	if !mcpFlags.http {
		return srv.ServeStdio()
	}

	if _, err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Println(srv.URL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	return srv.Stop()
}

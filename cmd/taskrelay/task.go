package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskrelay/internal/orchestrator"
)

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Process a single task and exit",
	Long: `Process one task by ID with the same lifecycle as the poll loop, then exit.

The task is processed whatever its position in the queue. Unfinished
dependencies only produce a warning. The repository lock is held for the
duration.`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	taskCmd.Flags().Bool("auto-approve", false, "Merge the pull request without waiting for approval")
	taskCmd.Flags().String("model", "", "Model passed to the worker")
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{App: cfg})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, stop := withShutdown(cmd.Context(), orch)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() { _ = orch.Stop() }()

	res, err := orch.RunTask(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", res.TaskID, res.Final)
	if res.Err != nil {
		return fmt.Errorf("%s: %w", res.TaskID, res.Err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/orchestrator"
	"github.com/mark3labs/taskrelay/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recover interrupted tasks and poll the tracker for work",
	Long: `Run the relay until interrupted.

On start taskrelay takes the repository lock, checks the environment, and
recovers tasks a previous process left "in progress". It then polls the
tracker: approved tasks are merged first, then at most one new task is handed
to the agent per poll.

The first SIGINT/SIGTERM stops polling; a task already in flight finishes
first. A second signal exits immediately with status 130.

After a merge (or after relaunch_interval without work) taskrelay re-executes
itself so that it always runs the latest code on the base branch.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Duration("poll-interval", 0, "Time between polls (default from config: 60s)")
	runCmd.Flags().Bool("auto-approve", false, "Merge pull requests without waiting for approval")
	runCmd.Flags().String("model", "", "Model passed to the worker")
}

func runRun(cmd *cobra.Command, args []string) error {
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

	runErr := orch.Run(ctx)
	if err := orch.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}

	if errors.Is(runErr, scheduler.ErrRelaunch) {
		return relaunch()
	}
	return runErr
}

// withShutdown cancels the returned context on the first SIGINT/SIGTERM.
// A second signal releases the lock and exits with status 130 without
// waiting for the task in flight.
func withShutdown(parent context.Context, orch *orchestrator.Orchestrator) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigChan:
		case <-done:
			return
		}
		if orch.Processing() {
			fmt.Fprintln(os.Stderr, "\nStopping after the current task finishes (press Ctrl+C again to force)...")
		} else {
			fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		}
		cancel()

		select {
		case <-sigChan:
		case <-done:
			return
		}
		fmt.Fprintln(os.Stderr, "Forced exit")
		if err := orch.ReleaseLock(); err != nil {
			logger.Error("Release lock: %v", err)
		}
		_ = logger.Close()
		os.Exit(130)
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		close(done)
		cancel()
	}
}

// relaunch replaces the current process with a fresh copy of itself.
func relaunch() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("relaunch: %w", err)
	}
	logger.Info("Relaunching %s", exe)
	_ = logger.Close()
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("relaunch: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"os"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/mark3labs/taskrelay/internal/config"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/theme"
)

const (
	logoText1 = "▀█▀ ▄▀█ █▀ █▄▀ █▀█ █▀▀ █   ▄▀█ █▄█"
	logoText2 = " █  █▀█ ▄█ █ █ █▀▄ ██▄ █▄▄ █▀█  █ "
)

// Version set via ldflags during build
var version = "dev"

func main() {
	// Ensure logger is closed on exit
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskrelay",
	Short: "Relay tracker tasks to a coding agent and land the results as pull requests",
}

// renderLogo creates the logo with gradient colors
func renderLogo() string {
	t := theme.Current()
	line1 := theme.ApplyGradient(logoText1, t.Primary, t.Secondary)
	line2 := theme.ApplyGradient(logoText2, t.Primary, t.Secondary)
	return strings.Join([]string{line1, line2}, "\n")
}

func init() {
	rootCmd.Long = renderLogo() + `

taskrelay polls a ClickUp list for work, hands each task to a coding agent on
its own git branch, opens a pull request for the result, and merges it once
the task is approved. Task status and comments on the tracker are the only
interface: move a task to "approved" and taskrelay merges it; leave a review
and move it back to "to do" and the agent addresses the feedback.

Configuration is loaded from multiple sources with the following precedence:
  CLI flags > Environment variables > Project config > Global config > Defaults

Project config: ./taskrelay.yml
Global config: ~/.config/taskrelay/taskrelay.yml`

	pf := rootCmd.PersistentFlags()
	pf.String("work-dir", "", "Directory inside the repository to operate on (default: cwd)")
	pf.String("data-dir", ".taskrelay", "Directory for the lock file and outcome store")
	pf.String("base-branch", "main", "Branch pull requests target")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(outcomesCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(mcpCmd)
}

// loadConfig loads configuration with the command's flags on top and applies
// the logging settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := logger.Configure(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, err
	}
	logger.Debug("Config loaded: work_dir=%s data_dir=%s base=%s", cfg.WorkDir, cfg.DataDir, cfg.BaseBranch)
	return cfg, nil
}

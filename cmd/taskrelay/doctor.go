package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskrelay/internal/config"
	"github.com/mark3labs/taskrelay/internal/git"
	"github.com/mark3labs/taskrelay/internal/lock"
	"github.com/mark3labs/taskrelay/internal/preflight"
	"github.com/mark3labs/taskrelay/internal/theme"
)

var doctorFlags struct {
	fix bool
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the environment is ready for taskrelay run",
	Long: `Check configuration, the git repository, required binaries and the lock.

Exits non-zero if any check fails. With --fix, a stale lock left by a crashed
process is removed.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFlags.fix, "fix", false, "Remove a stale lock file")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	guard := lock.New(cfg.LockPath())

	if doctorFlags.fix {
		removed, err := guard.CleanStale()
		if err != nil {
			return fmt.Errorf("clean stale lock: %w", err)
		}
		if removed {
			fmt.Printf("Removed stale lock %s\n\n", guard.Path())
		}
	}

	env := preflight.Env{Config: cfg, Guard: guard}
	cli, err := git.NewCLI(ctx, cfg.WorkDir, cfg.GitTimeout)
	if err != nil {
		env.GitErr = err
	} else {
		env.Git = cli
	}

	checks := preflight.Run(ctx, env)
	fmt.Print(renderChecks(checks))
	if info, err := git.GetInfo(cfg.WorkDir); err == nil && info != nil {
		s := theme.Current().S()
		fmt.Printf("\n  %s %s\n", s.Label.Render("checkout"), s.Muted.Render(info.String()))
	}

	if err := preflight.Err(checks); err != nil {
		if !config.Exists() {
			fmt.Println("\nNo config file found. Run 'taskrelay setup' to create one.")
		}
		return fmt.Errorf("environment not ready")
	}
	return nil
}

// renderChecks formats checks as a styled report.
func renderChecks(checks []preflight.Check) string {
	s := theme.Current().S()
	var sb strings.Builder
	sb.WriteString(s.Title.Render("taskrelay doctor") + "\n\n")

	failed := 0
	for _, c := range checks {
		var mark string
		switch c.Level {
		case preflight.LevelOK:
			mark = s.OK.Render("✓")
		case preflight.LevelWarn:
			mark = s.Warn.Render("!")
		default:
			mark = s.Fail.Render("✗")
			failed++
		}
		fmt.Fprintf(&sb, "  %s %s %s\n", mark, s.Label.Render(c.Name), s.Muted.Render(c.Detail))
	}

	sb.WriteString("\n")
	if failed == 0 {
		sb.WriteString(s.OK.Render("Ready to run.") + "\n")
	} else {
		sb.WriteString(s.Fail.Render(fmt.Sprintf("%d check(s) failed.", failed)) + "\n")
	}
	return sb.String()
}

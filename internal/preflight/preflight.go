// Package preflight checks the environment a run depends on. `taskrelay run`
// refuses to poll while any check fails; `taskrelay doctor` prints them all.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"github.com/mark3labs/taskrelay/internal/config"
	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/mark3labs/taskrelay/internal/git"
	"github.com/mark3labs/taskrelay/internal/lock"
)

// Level grades a check.
type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelFail
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	default:
		return "fail"
	}
}

// Check is one diagnostic line.
type Check struct {
	Name   string
	Level  Level
	Detail string
}

// Env is what the checks inspect. Git is nil when GitErr explains why the
// repository could not be opened.
type Env struct {
	Config   *config.Config
	Git      git.Port
	GitErr   error
	Guard    *lock.Guard // optional
	LookPath func(file string) (string, error)
}

// Run executes every check. Independent checks run concurrently; the
// result order is fixed.
func Run(ctx context.Context, env Env) []Check {
	if env.LookPath == nil {
		env.LookPath = exec.LookPath
	}
	cfg := env.Config

	checks := configChecks(cfg)

	steps := []func(ctx context.Context) Check{
		func(ctx context.Context) Check { return gitRoot(env) },
		func(ctx context.Context) Check { return remoteBase(ctx, env) },
		func(ctx context.Context) Check { return cleanTree(ctx, env) },
		func(ctx context.Context) Check { return binary(env, "gh", "gh") },
		func(ctx context.Context) Check { return binary(env, "worker", cfg.WorkerCommand) },
		func(ctx context.Context) Check { return lockState(env) },
	}
	results := make([]Check, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range steps {
		g.Go(func() error {
			results[i] = step(gctx)
			return nil
		})
	}
	_ = g.Wait()

	return append(checks, results...)
}

// Err folds failed checks into one error of ConfigErrors, or nil.
func Err(checks []Check) error {
	multiErr := &ierr.MultiError{}
	for _, c := range checks {
		if c.Level == LevelFail {
			multiErr.Append(ierr.NewConfigError(c.Name, errors.New(c.Detail)))
		}
	}
	return multiErr.ErrorOrNil()
}

func configChecks(cfg *config.Config) []Check {
	err := cfg.Validate()
	if err == nil {
		return []Check{{Name: "config", Level: LevelOK, Detail: fmt.Sprintf("list %s", cfg.ClickUp.ListID)}}
	}
	var checks []Check
	var merr *ierr.MultiError
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			checks = append(checks, fromConfigError(e))
		}
		return checks
	}
	return []Check{fromConfigError(err)}
}

func fromConfigError(err error) Check {
	var ce *ierr.ConfigError
	if errors.As(err, &ce) {
		return Check{Name: ce.Field, Level: LevelFail, Detail: ce.Err.Error()}
	}
	return Check{Name: "config", Level: LevelFail, Detail: err.Error()}
}

func gitRoot(env Env) Check {
	if env.Git == nil {
		detail := "not a git repository"
		if env.GitErr != nil {
			detail = env.GitErr.Error()
		}
		return Check{Name: "git", Level: LevelFail, Detail: detail}
	}
	return Check{Name: "git", Level: LevelOK, Detail: env.Git.Root()}
}

func remoteBase(ctx context.Context, env Env) Check {
	name := "base_branch"
	if env.Git == nil {
		return Check{Name: name, Level: LevelFail, Detail: "no repository"}
	}
	remote, base := env.Config.Remote, env.Config.BaseBranch
	ok, err := env.Git.RemoteBranchExists(ctx, remote, base)
	if err != nil {
		return Check{Name: "remote", Level: LevelFail, Detail: fmt.Sprintf("remote %q unreachable: %v", remote, err)}
	}
	if !ok {
		return Check{Name: name, Level: LevelFail, Detail: fmt.Sprintf("%s/%s does not exist", remote, base)}
	}
	return Check{Name: name, Level: LevelOK, Detail: remote + "/" + base}
}

func cleanTree(ctx context.Context, env Env) Check {
	if env.Git == nil {
		return Check{Name: "worktree", Level: LevelFail, Detail: "no repository"}
	}
	dirty, err := env.Git.HasChanges(ctx)
	if err != nil {
		return Check{Name: "worktree", Level: LevelFail, Detail: err.Error()}
	}
	if dirty {
		return Check{Name: "worktree", Level: LevelFail, Detail: "uncommitted changes; commit or stash them first"}
	}
	return Check{Name: "worktree", Level: LevelOK, Detail: "clean"}
}

func binary(env Env, name, file string) Check {
	path, err := env.LookPath(file)
	if err != nil {
		return Check{Name: name, Level: LevelFail, Detail: fmt.Sprintf("%s not found on PATH", file)}
	}
	return Check{Name: name, Level: LevelOK, Detail: path}
}

func lockState(env Env) Check {
	if env.Guard == nil {
		return Check{Name: "lock", Level: LevelOK, Detail: "not checked"}
	}
	st, err := env.Guard.Inspect()
	if err != nil {
		return Check{Name: "lock", Level: LevelFail, Detail: err.Error()}
	}
	switch st.State {
	case lock.StateHeld:
		return Check{Name: "lock", Level: LevelFail, Detail: fmt.Sprintf("held by pid %d since %s", st.Info.PID, st.Info.StartedAt.Format("2006-01-02 15:04"))}
	case lock.StateStale:
		return Check{Name: "lock", Level: LevelWarn, Detail: "stale: " + st.Reason + " (doctor --fix removes it)"}
	case lock.StateOwned:
		return Check{Name: "lock", Level: LevelOK, Detail: "held by this process"}
	default:
		return Check{Name: "lock", Level: LevelOK, Detail: "free"}
	}
}

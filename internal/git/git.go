// Package git issues source-control operations against a repository by
// shelling out to the git binary.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/taskrelay/internal/logger"
)

// ErrMergeConflict is matched (errors.Is) by every *ConflictError.
var ErrMergeConflict = errors.New("merge conflict")

// ConflictError reports a merge that stopped on conflicts.
type ConflictError struct {
	Ref   string
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merging %s: conflicts in %s", e.Ref, strings.Join(e.Files, ", "))
}

// Is lets errors.Is(err, ErrMergeConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrMergeConflict }

// Port is the set of git operations the sequencer needs.
type Port interface {
	Root() string
	Fetch(ctx context.Context, remote string) error
	Checkout(ctx context.Context, branch string) error
	CheckoutNew(ctx context.Context, branch, startPoint string) error
	ResetHard(ctx context.Context, ref string) error
	CurrentBranch(ctx context.Context) (string, error)
	RevParse(ctx context.Context, ref string) (string, error)
	ListBranches(ctx context.Context, pattern string) ([]string, error)
	DeleteBranch(ctx context.Context, name string) error
	RemoteBranchExists(ctx context.Context, remote, branch string) (bool, error)
	HasChanges(ctx context.Context) (bool, error)
	StageAll(ctx context.Context) error
	Commit(ctx context.Context, msg string) error
	CommitEmpty(ctx context.Context, msg string) error
	Push(ctx context.Context, remote, branch string) error
	Merge(ctx context.Context, ref string) error
	MergeAbort(ctx context.Context) error
	MergeInProgress(ctx context.Context) (bool, error)
	ConflictedFiles(ctx context.Context) ([]string, error)
	Unresolved(ctx context.Context, paths []string) ([]string, error)
	CommitsAhead(ctx context.Context, base, head string) (int, error)
	DiffStat(ctx context.Context, base, head string) (string, error)
}

// CLI implements Port with the git binary. Every command runs with -C
// pointed at the repository root, so a subproject inside a monorepo still
// operates on the shared repository.
type CLI struct {
	root    string
	timeout time.Duration
}

// NewCLI resolves the repository root containing workDir.
func NewCLI(ctx context.Context, workDir string, timeout time.Duration) (*CLI, error) {
	root, err := ResolveRoot(ctx, workDir)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CLI{root: root, timeout: timeout}, nil
}

// ResolveRoot returns the top level of the repository containing dir.
func ResolveRoot(ctx context.Context, dir string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git repository: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Root returns the repository top level.
func (g *CLI) Root() string { return g.root }

func (g *CLI) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	full := append([]string{"-C", g.root}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("git %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stdout.String(), fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *CLI) Fetch(ctx context.Context, remote string) error {
	_, err := g.run(ctx, "fetch", "--prune", remote)
	return err
}

func (g *CLI) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// CheckoutNew creates branch at startPoint and switches to it, resetting the
// branch if it already exists locally.
func (g *CLI) CheckoutNew(ctx context.Context, branch, startPoint string) error {
	_, err := g.run(ctx, "checkout", "-B", branch, startPoint)
	return err
}

func (g *CLI) ResetHard(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "reset", "--hard", ref)
	return err
}

func (g *CLI) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// RevParse returns the commit id ref points at.
func (g *CLI) RevParse(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
}

// ListBranches returns local branch names matching a ref glob.
func (g *CLI) ListBranches(ctx context.Context, pattern string) ([]string, error) {
	out, err := g.run(ctx, "branch", "--list", "--format=%(refname:short)", pattern)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g *CLI) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "branch", "-D", name)
	return err
}

func (g *CLI) RemoteBranchExists(ctx context.Context, remote, branch string) (bool, error) {
	out, err := g.run(ctx, "ls-remote", "--heads", remote, branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (g *CLI) HasChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (g *CLI) StageAll(ctx context.Context) error {
	_, err := g.run(ctx, "add", "-A")
	return err
}

func (g *CLI) Commit(ctx context.Context, msg string) error {
	_, err := g.run(ctx, "commit", "-m", msg)
	return err
}

func (g *CLI) CommitEmpty(ctx context.Context, msg string) error {
	_, err := g.run(ctx, "commit", "--allow-empty", "-m", msg)
	return err
}

// Push pushes branch and sets its upstream.
func (g *CLI) Push(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "push", "--set-upstream", remote, branch)
	return err
}

// Merge merges ref into the current branch. A stop on conflicts returns a
// *ConflictError; any other failure is returned unchanged.
func (g *CLI) Merge(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "merge", "--no-edit", "--no-ff", ref)
	if err == nil {
		return nil
	}
	files, ferr := g.ConflictedFiles(ctx)
	if ferr == nil && len(files) > 0 {
		return &ConflictError{Ref: ref, Files: files}
	}
	return err
}

func (g *CLI) MergeAbort(ctx context.Context) error {
	_, err := g.run(ctx, "merge", "--abort")
	return err
}

// MergeInProgress reports whether MERGE_HEAD exists, that is a merge was
// started and not yet committed or aborted.
func (g *CLI) MergeInProgress(ctx context.Context) (bool, error) {
	_, err := g.run(ctx, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	if err == nil {
		return true, nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// ConflictedFiles lists paths with unresolved conflicts.
func (g *CLI) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Unresolved returns the paths that still contain conflict markers. Staging
// clears git's unmerged state regardless of content, so the check reads the
// files themselves. A deleted path counts as resolved.
func (g *CLI) Unresolved(ctx context.Context, paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(g.root, p))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if hasConflictMarkers(data) {
			out = append(out, p)
		}
	}
	return out, nil
}

func hasConflictMarkers(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("<<<<<<< ")) || bytes.HasPrefix(line, []byte(">>>>>>> ")) {
			return true
		}
	}
	return false
}

// CommitsAhead counts commits reachable from head but not base.
func (g *CLI) CommitsAhead(ctx context.Context, base, head string) (int, error) {
	out, err := g.run(ctx, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// DiffStat returns `git diff --shortstat base...head`.
func (g *CLI) DiffStat(ctx context.Context, base, head string) (string, error) {
	return g.run(ctx, "diff", "--shortstat", base+"..."+head)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Package testfixtures provides in-memory implementations of the ports the
// relay drives, so lifecycle, recovery and scheduler tests run without git,
// gh, ClickUp or the claude CLI.
//
// This package contains:
//   - MockGit: git.Port over an in-memory model of branches, commits and a remote
//   - MockGitHub: github.Port holding pull requests by URL
//   - MockTracker: tracker.Tracker holding tasks, comments and dependencies
//   - MockWorker: agent.Worker returning queued results
//   - MockRecorder: outcome.Recorder collecting records
//
// All mocks are thread-safe and record their calls for assertions.
//
// Example usage:
//
//	func TestMyFlow(t *testing.T) {
//	    g := testfixtures.NewMockGit()
//	    gh := testfixtures.NewMockGitHub()
//	    w := testfixtures.NewMockWorker(agent.Result{Outcome: agent.OutcomeSuccess})
//	    w.OnRun = func(call int, prompt string) { g.Write() }
//
//	    // Run the code under test...
//	    require.Equal(t, 1, gh.OpenCount())
//	}
package testfixtures

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mark3labs/taskrelay/internal/git"
)

// MockBranch is one local branch in MockGit.
type MockBranch struct {
	Commits int  // commits ahead of the base branch
	Diff    bool // whether those commits change any file
	// LastEdit is the commit count at the most recent commit that changed files.
	LastEdit int
}

// MockGit is an in-memory git.Port. The remote is always "origin".
type MockGit struct {
	mu sync.Mutex

	RootDir  string
	Current  string
	Branches map[string]*MockBranch
	// Remote holds the commit count last pushed per branch.
	Remote map[string]int
	// Dirty reports uncommitted changes in the working tree.
	Dirty bool

	// Conflicts lists the paths that conflict when merging the base into a branch.
	Conflicts map[string][]string

	merging  bool
	unmerged []string
	markers  map[string]bool

	// PushFailures fails that many pushes before the next one succeeds.
	PushFailures int
	// Errors makes the named operation ("fetch", "merge", "commit", ...) fail.
	Errors map[string]error

	Calls []string
}

var _ git.Port = (*MockGit)(nil)

// NewMockGit returns a repository sitting on a clean main branch.
func NewMockGit() *MockGit {
	return &MockGit{
		RootDir:   "/repo",
		Current:   "main",
		Branches:  map[string]*MockBranch{"main": {}},
		Remote:    map[string]int{"main": 0},
		Conflicts: map[string][]string{},
		markers:   map[string]bool{},
		Errors:    map[string]error{},
	}
}

func (m *MockGit) record(op string, args ...string) error {
	m.Calls = append(m.Calls, strings.TrimSpace(op+" "+strings.Join(args, " ")))
	return m.Errors[op]
}

func (m *MockGit) Root() string { return m.RootDir }

func (m *MockGit) Fetch(ctx context.Context, remote string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("fetch", remote)
}

func (m *MockGit) Checkout(ctx context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("checkout", branch); err != nil {
		return err
	}
	if m.Dirty {
		return fmt.Errorf("checkout %s: local changes would be overwritten", branch)
	}
	if _, ok := m.Branches[branch]; !ok {
		return fmt.Errorf("checkout %s: no such branch", branch)
	}
	m.Current = branch
	return nil
}

// CheckoutNew creates branch at startPoint. Starting from origin/<branch>
// copies the pushed commits, anything else starts level with the base.
func (m *MockGit) CheckoutNew(ctx context.Context, branch, startPoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("checkout-new", branch, startPoint); err != nil {
		return err
	}
	b := &MockBranch{}
	if name, ok := strings.CutPrefix(startPoint, "origin/"); ok && name == branch {
		if n, pushed := m.Remote[branch]; pushed {
			b.Commits = n
			b.Diff = n > 0
			b.LastEdit = n
		}
	}
	m.Branches[branch] = b
	m.Current = branch
	return nil
}

func (m *MockGit) ResetHard(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("reset", ref); err != nil {
		return err
	}
	// Resetting the current branch to its remote adopts the pushed commits.
	if name, ok := strings.CutPrefix(ref, "origin/"); ok && name == m.Current {
		if n, pushed := m.Remote[name]; pushed {
			b := m.Branches[name]
			b.Commits = n
			b.Diff = b.Diff || n > 0
			b.LastEdit = n
		}
	}
	m.Dirty = false
	m.merging = false
	m.unmerged = nil
	m.markers = map[string]bool{}
	return nil
}

func (m *MockGit) CurrentBranch(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Current, m.record("current")
}

// RevParse names a revision "<branch>@<commits>". DiffStat accepts the
// result as a base.
func (m *MockGit) RevParse(ctx context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("rev-parse", ref); err != nil {
		return "", err
	}
	name := m.resolve(ref)
	b, ok := m.Branches[name]
	if !ok {
		return "", fmt.Errorf("unknown revision %s", ref)
	}
	return fmt.Sprintf("%s@%d", name, b.Commits), nil
}

// ListBranches treats a trailing * in pattern as a prefix match.
func (m *MockGit) ListBranches(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("list", pattern); err != nil {
		return nil, err
	}
	prefix, glob := strings.CutSuffix(pattern, "*")
	var out []string
	for name := range m.Branches {
		if (glob && strings.HasPrefix(name, prefix)) || name == pattern {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockGit) DeleteBranch(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("delete", name); err != nil {
		return err
	}
	if name == m.Current {
		return fmt.Errorf("cannot delete branch %s checked out", name)
	}
	if _, ok := m.Branches[name]; !ok {
		return fmt.Errorf("branch %s not found", name)
	}
	delete(m.Branches, name)
	return nil
}

func (m *MockGit) RemoteBranchExists(ctx context.Context, remote, branch string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ls-remote", remote, branch); err != nil {
		return false, err
	}
	_, ok := m.Remote[branch]
	return ok, nil
}

func (m *MockGit) HasChanges(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("status"); err != nil {
		return false, err
	}
	return m.Dirty, nil
}

// StageAll clears the unmerged state whether or not markers remain, like git add.
func (m *MockGit) StageAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("add"); err != nil {
		return err
	}
	m.unmerged = nil
	return nil
}

func (m *MockGit) Commit(ctx context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("commit", msg); err != nil {
		return err
	}
	if len(m.unmerged) > 0 {
		return fmt.Errorf("commit: unmerged paths %v", m.unmerged)
	}
	if !m.Dirty && !m.merging {
		return fmt.Errorf("commit: nothing to commit")
	}
	b := m.Branches[m.Current]
	b.Commits++
	if m.Dirty {
		b.Diff = true
		b.LastEdit = b.Commits
	}
	if m.merging {
		delete(m.Conflicts, m.Current)
	}
	m.Dirty = false
	m.merging = false
	m.markers = map[string]bool{}
	return nil
}

func (m *MockGit) CommitEmpty(ctx context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("commit-empty", msg); err != nil {
		return err
	}
	m.Branches[m.Current].Commits++
	return nil
}

func (m *MockGit) Push(ctx context.Context, remote, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("push", remote, branch); err != nil {
		return err
	}
	if m.PushFailures > 0 {
		m.PushFailures--
		return fmt.Errorf("push %s: remote rejected", branch)
	}
	b, ok := m.Branches[branch]
	if !ok {
		return fmt.Errorf("push %s: no such branch", branch)
	}
	m.Remote[branch] = b.Commits
	return nil
}

// Merge conflicts when Conflicts has an entry for the current branch.
// Merging origin/<current> brings in the pushed commits plus a merge commit.
func (m *MockGit) Merge(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("merge", ref); err != nil {
		return err
	}
	if name, ok := strings.CutPrefix(ref, "origin/"); ok && name == m.Current {
		b := m.Branches[name]
		b.Commits = max(b.Commits, m.Remote[name]) + 1
		b.LastEdit = b.Commits
		return nil
	}
	files := m.Conflicts[m.Current]
	if len(files) == 0 {
		return nil
	}
	m.merging = true
	m.unmerged = append([]string(nil), files...)
	for _, f := range files {
		m.markers[f] = true
	}
	return &git.ConflictError{Ref: ref, Files: append([]string(nil), files...)}
}

func (m *MockGit) MergeAbort(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("merge-abort"); err != nil {
		return err
	}
	m.merging = false
	m.unmerged = nil
	m.markers = map[string]bool{}
	m.Dirty = false
	return nil
}

func (m *MockGit) MergeInProgress(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("merge-head"); err != nil {
		return false, err
	}
	return m.merging, nil
}

func (m *MockGit) ConflictedFiles(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("conflicted"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.unmerged...), nil
}

func (m *MockGit) Unresolved(ctx context.Context, paths []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("unresolved", paths...); err != nil {
		return nil, err
	}
	var out []string
	for _, p := range paths {
		if m.markers[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

// CommitsAhead compares against the pushed state when base is origin/<head>
// and against the base branch otherwise.
func (m *MockGit) CommitsAhead(ctx context.Context, base, head string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("rev-list", base, head); err != nil {
		return 0, err
	}
	name := m.resolve(head)
	b, ok := m.Branches[name]
	if !ok {
		return 0, fmt.Errorf("unknown revision %s", head)
	}
	if remote, ok := strings.CutPrefix(base, "origin/"); ok && remote == name {
		return max(b.Commits-m.Remote[name], 0), nil
	}
	return b.Commits, nil
}

func (m *MockGit) DiffStat(ctx context.Context, base, head string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("diff", base, head); err != nil {
		return "", err
	}
	b, ok := m.Branches[m.resolve(head)]
	if !ok || !b.Diff {
		return "", nil
	}
	if at, ok := parseRev(base); ok && b.LastEdit <= at {
		return "", nil
	}
	return " 1 file changed, 1 insertion(+)", nil
}

// parseRev reads the commit count back out of a RevParse result.
func parseRev(ref string) (int, bool) {
	i := strings.LastIndexByte(ref, '@')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(ref[i+1:])
	return n, err == nil
}

func (m *MockGit) resolve(ref string) string {
	if ref == "HEAD" {
		return m.Current
	}
	return ref
}

// Write simulates the worker editing files.
func (m *MockGit) Write() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dirty = true
}

// KeepOurs simulates the worker resolving conflicts in paths by taking the
// branch's version, which leaves nothing to commit but the merge itself.
func (m *MockGit) KeepOurs(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.markers, p)
	}
}

// Resolve simulates the worker fixing conflict markers in paths.
func (m *MockGit) Resolve(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.markers, p)
	}
	m.Dirty = true
}

// AddBranch creates a branch without checking it out.
func (m *MockGit) AddBranch(name string, commits int, diff bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Branches[name] = &MockBranch{Commits: commits, Diff: diff}
}

// HasBranch reports whether a local branch exists.
func (m *MockGit) HasBranch(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Branches[name]
	return ok
}

// Merging reports whether a merge is in progress.
func (m *MockGit) Merging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.merging
}

// Branch returns the current branch (thread-safe).
func (m *MockGit) Branch() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Current
}

// GetCalls returns a copy of the recorded calls.
func (m *MockGit) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

// CountCalls counts recorded calls starting with op.
func (m *MockGit) CountCalls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupClone creates a bare "origin" with one commit on main and returns a
// CLI over a fresh clone of it.
func setupClone(t *testing.T) (*CLI, string) {
	t.Helper()
	seed := initRepo(t)
	writeFile(t, seed, "README.md", "hello\n")
	mustGit(t, seed, "add", "-A")
	mustGit(t, seed, "commit", "-m", "readme")

	origin := filepath.Join(t.TempDir(), "origin.git")
	mustGit(t, seed, "clone", "--bare", seed, origin)

	work := filepath.Join(t.TempDir(), "work")
	mustGit(t, filepath.Dir(work), "clone", origin, work)
	mustGit(t, work, "config", "user.email", "test@test.com")
	mustGit(t, work, "config", "user.name", "Test")
	mustGit(t, work, "config", "commit.gpgsign", "false")

	g, err := NewCLI(context.Background(), work, 30*time.Second)
	require.NoError(t, err)
	return g, work
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestNewCLI_ResolvesRootFromSubdir(t *testing.T) {
	_, work := setupClone(t)
	sub := filepath.Join(work, "pkg", "inner")
	require.NoError(t, os.MkdirAll(sub, 0755))

	g, err := NewCLI(context.Background(), sub, 0)
	require.NoError(t, err)

	want, _ := filepath.EvalSymlinks(work)
	got, _ := filepath.EvalSymlinks(g.Root())
	assert.Equal(t, want, got)
}

func TestNewCLI_NotARepo(t *testing.T) {
	_, err := NewCLI(context.Background(), t.TempDir(), 0)
	assert.Error(t, err)
}

func TestBranchLifecycle(t *testing.T) {
	ctx := context.Background()
	g, work := setupClone(t)

	require.NoError(t, g.Fetch(ctx, "origin"))
	require.NoError(t, g.CheckoutNew(ctx, "clickup/CU-T1-fix-login", "origin/main"))

	cur, err := g.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clickup/CU-T1-fix-login", cur)

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	writeFile(t, work, "login.go", "package login\n")
	dirty, err = g.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "fix login"))

	ahead, err := g.CommitsAhead(ctx, "origin/main", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, 1, ahead)

	stat, err := g.DiffStat(ctx, "origin/main", "HEAD")
	require.NoError(t, err)
	assert.Contains(t, stat, "1 file changed")

	exists, err := g.RemoteBranchExists(ctx, "origin", "clickup/CU-T1-fix-login")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, g.Push(ctx, "origin", "clickup/CU-T1-fix-login"))
	exists, err = g.RemoteBranchExists(ctx, "origin", "clickup/CU-T1-fix-login")
	require.NoError(t, err)
	assert.True(t, exists)

	branches, err := g.ListBranches(ctx, "clickup/CU-T1-*")
	require.NoError(t, err)
	assert.Equal(t, []string{"clickup/CU-T1-fix-login"}, branches)

	require.NoError(t, g.Checkout(ctx, "main"))
	require.NoError(t, g.DeleteBranch(ctx, "clickup/CU-T1-fix-login"))
	branches, err = g.ListBranches(ctx, "clickup/CU-T1-*")
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestCommitEmpty(t *testing.T) {
	ctx := context.Background()
	g, _ := setupClone(t)

	require.NoError(t, g.CommitEmpty(ctx, "start T1"))
	ahead, err := g.CommitsAhead(ctx, "origin/main", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, 1, ahead)
}

func TestMerge_Conflict(t *testing.T) {
	ctx := context.Background()
	g, work := setupClone(t)

	// Advance main on the remote with a conflicting README.
	require.NoError(t, g.CheckoutNew(ctx, "feature", "main"))
	writeFile(t, work, "README.md", "feature\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "feature edit"))

	require.NoError(t, g.Checkout(ctx, "main"))
	writeFile(t, work, "README.md", "main\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "main edit"))
	require.NoError(t, g.Push(ctx, "origin", "main"))

	require.NoError(t, g.Checkout(ctx, "feature"))
	require.NoError(t, g.Fetch(ctx, "origin"))

	err := g.Merge(ctx, "origin/main")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeConflict)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"README.md"}, ce.Files)

	left, err := g.Unresolved(ctx, ce.Files)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, left, "markers are still in the file")

	require.NoError(t, g.MergeAbort(ctx))
	files, err := g.ConflictedFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty, "abort must restore a clean tree")
}

func TestMerge_Clean(t *testing.T) {
	ctx := context.Background()
	g, work := setupClone(t)

	require.NoError(t, g.CheckoutNew(ctx, "feature", "main"))
	writeFile(t, work, "a.txt", "a\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "a"))

	require.NoError(t, g.Checkout(ctx, "main"))
	writeFile(t, work, "b.txt", "b\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "b"))

	require.NoError(t, g.Checkout(ctx, "feature"))
	assert.NoError(t, g.Merge(ctx, "main"))
}

func TestResetHard(t *testing.T) {
	ctx := context.Background()
	g, work := setupClone(t)

	writeFile(t, work, "README.md", "scribble\n")
	require.NoError(t, g.ResetHard(ctx, "origin/main"))

	data, err := os.ReadFile(filepath.Join(work, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestMerge_ResolvedByEditing(t *testing.T) {
	ctx := context.Background()
	g, work := setupClone(t)

	require.NoError(t, g.CheckoutNew(ctx, "feature", "main"))
	writeFile(t, work, "README.md", "feature\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "feature edit"))

	require.NoError(t, g.Checkout(ctx, "main"))
	writeFile(t, work, "README.md", "main\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "main edit"))

	require.NoError(t, g.Checkout(ctx, "feature"))
	err := g.Merge(ctx, "main")
	require.ErrorIs(t, err, ErrMergeConflict)

	writeFile(t, work, "README.md", "main and feature\n")
	left, err := g.Unresolved(ctx, []string{"README.md", "gone.txt"})
	require.NoError(t, err)
	assert.Empty(t, left)

	require.NoError(t, g.StageAll(ctx))
	files, err := g.ConflictedFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
	require.NoError(t, g.Commit(ctx, "merge main"))

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestMerge_KeepOursLeavesNothingStaged(t *testing.T) {
	ctx := context.Background()
	g, work := setupClone(t)

	require.NoError(t, g.CheckoutNew(ctx, "feature", "main"))
	writeFile(t, work, "README.md", "feature\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "feature edit"))

	require.NoError(t, g.Checkout(ctx, "main"))
	writeFile(t, work, "README.md", "main\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "main edit"))

	require.NoError(t, g.Checkout(ctx, "feature"))
	merging, err := g.MergeInProgress(ctx)
	require.NoError(t, err)
	assert.False(t, merging)

	require.ErrorIs(t, g.Merge(ctx, "main"), ErrMergeConflict)
	merging, err = g.MergeInProgress(ctx)
	require.NoError(t, err)
	assert.True(t, merging)

	// Resolving to the branch's own version matches HEAD exactly.
	writeFile(t, work, "README.md", "feature\n")
	require.NoError(t, g.StageAll(ctx))

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty, "status shows nothing to commit")
	merging, err = g.MergeInProgress(ctx)
	require.NoError(t, err)
	assert.True(t, merging, "but the merge is still open")

	require.NoError(t, g.Commit(ctx, "merge main"))
	merging, err = g.MergeInProgress(ctx)
	require.NoError(t, err)
	assert.False(t, merging)

	ahead, err := g.CommitsAhead(ctx, "feature", "main")
	require.NoError(t, err)
	assert.Equal(t, 0, ahead, "main is an ancestor after the merge commit")
}

func TestRevParse(t *testing.T) {
	ctx := context.Background()
	g, work := setupClone(t)

	before, err := g.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	assert.NotEmpty(t, before)

	writeFile(t, work, "a.txt", "a\n")
	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "a"))

	after, err := g.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	stat, err := g.DiffStat(ctx, before, "HEAD")
	require.NoError(t, err)
	assert.Contains(t, stat, "1 file changed")

	_, err = g.RevParse(ctx, "no-such-ref")
	assert.Error(t, err)
}

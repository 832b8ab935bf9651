package testfixtures

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mark3labs/taskrelay/internal/agent"
	"github.com/mark3labs/taskrelay/internal/git"
	"github.com/mark3labs/taskrelay/internal/github"
	"github.com/mark3labs/taskrelay/internal/outcome"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

// --- MockGit Tests ---

func TestMockGit_CommitAndPush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewMockGit()

	require.NoError(t, g.CheckoutNew(ctx, "clickup/CU-T1-x", "origin/main"))
	require.Equal(t, "clickup/CU-T1-x", g.Branch())

	require.Error(t, g.Commit(ctx, "empty"), "nothing to commit")

	g.Write()
	changed, err := g.HasChanges(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, g.StageAll(ctx))
	require.NoError(t, g.Commit(ctx, "work"))

	ahead, err := g.CommitsAhead(ctx, "origin/clickup/CU-T1-x", "HEAD")
	require.NoError(t, err)
	require.Equal(t, 1, ahead)

	require.NoError(t, g.Push(ctx, "origin", "clickup/CU-T1-x"))
	ahead, err = g.CommitsAhead(ctx, "origin/clickup/CU-T1-x", "HEAD")
	require.NoError(t, err)
	require.Equal(t, 0, ahead)

	stat, err := g.DiffStat(ctx, "origin/main", "HEAD")
	require.NoError(t, err)
	require.NotEmpty(t, stat)
}

func TestMockGit_CheckoutNewFromRemote(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewMockGit()
	g.Remote["feature"] = 3

	require.NoError(t, g.CheckoutNew(ctx, "feature", "origin/feature"))
	ahead, err := g.CommitsAhead(ctx, "origin/main", "feature")
	require.NoError(t, err)
	require.Equal(t, 3, ahead)
}

func TestMockGit_MergeConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewMockGit()
	g.AddBranch("feature", 1, true)
	require.NoError(t, g.Checkout(ctx, "feature"))
	g.Conflicts["feature"] = []string{"a.go", "b.go"}

	err := g.Merge(ctx, "origin/main")
	var ce *git.ConflictError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, []string{"a.go", "b.go"}, ce.Files)
	require.True(t, g.Merging())

	g.Resolve("a.go")
	require.NoError(t, g.StageAll(ctx))

	files, err := g.ConflictedFiles(ctx)
	require.NoError(t, err)
	require.Empty(t, files, "git add clears the unmerged state")

	left, err := g.Unresolved(ctx, []string{"a.go", "b.go"})
	require.NoError(t, err)
	require.Equal(t, []string{"b.go"}, left)

	require.NoError(t, g.MergeAbort(ctx))
	require.False(t, g.Merging())
}

func TestMockGit_KeepOursNeedsMergeCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewMockGit()
	g.AddBranch("feature", 1, true)
	require.NoError(t, g.Checkout(ctx, "feature"))
	g.Conflicts["feature"] = []string{"a.go"}
	before, err := g.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	require.Equal(t, "feature@1", before)

	require.Error(t, g.Merge(ctx, "origin/main"))
	g.KeepOurs("a.go")
	require.NoError(t, g.StageAll(ctx))

	dirty, err := g.HasChanges(ctx)
	require.NoError(t, err)
	require.False(t, dirty)
	merging, err := g.MergeInProgress(ctx)
	require.NoError(t, err)
	require.True(t, merging)

	require.NoError(t, g.Commit(ctx, "merge"))
	merging, err = g.MergeInProgress(ctx)
	require.NoError(t, err)
	require.False(t, merging)

	stat, err := g.DiffStat(ctx, before, "HEAD")
	require.NoError(t, err)
	require.Empty(t, stat, "keeping our side changes no file")
}

func TestMockGit_ResetToRemote(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewMockGit()
	g.AddBranch("feature", 1, true)
	g.Remote["feature"] = 3
	require.NoError(t, g.Checkout(ctx, "feature"))

	ahead, err := g.CommitsAhead(ctx, "origin/feature", "feature")
	require.NoError(t, err)
	require.Equal(t, 0, ahead, "behind is not ahead")

	require.NoError(t, g.ResetHard(ctx, "origin/feature"))
	require.Equal(t, 3, g.Branches["feature"].Commits)
}

func TestMockGit_DirtyCheckoutFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewMockGit()
	g.AddBranch("feature", 0, false)
	g.Write()

	require.Error(t, g.Checkout(ctx, "feature"))
	require.NoError(t, g.ResetHard(ctx, "HEAD"))
	require.NoError(t, g.Checkout(ctx, "feature"))
}

func TestMockGit_ErrorsAndCalls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewMockGit()
	g.Errors["fetch"] = errors.New("network down")
	g.PushFailures = 1

	require.EqualError(t, g.Fetch(ctx, "origin"), "network down")
	require.Error(t, g.Push(ctx, "origin", "main"))
	require.NoError(t, g.Push(ctx, "origin", "main"))

	require.Equal(t, 2, g.CountCalls("push"))
	require.Equal(t, []string{"fetch origin", "push origin main", "push origin main"}, g.GetCalls())
}

func TestMockGit_ListAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewMockGit()
	g.AddBranch("clickup/CU-T1-b", 0, false)
	g.AddBranch("clickup/CU-T1-a", 0, false)
	g.AddBranch("clickup/CU-T2-c", 0, false)

	names, err := g.ListBranches(ctx, "clickup/CU-T1-*")
	require.NoError(t, err)
	require.Equal(t, []string{"clickup/CU-T1-a", "clickup/CU-T1-b"}, names)

	require.Error(t, g.DeleteBranch(ctx, "main"), "current branch")
	require.NoError(t, g.DeleteBranch(ctx, "clickup/CU-T1-a"))
	require.False(t, g.HasBranch("clickup/CU-T1-a"))
}

// --- MockGitHub Tests ---

func TestMockGitHub_CreateRejectsDuplicateOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gh := NewMockGitHub()

	url, err := gh.Create(ctx, github.CreateOpts{Head: "feature", Body: "body"})
	require.NoError(t, err)
	require.Equal(t, "https://github.com/acme/app/pull/1", url)

	_, err = gh.Create(ctx, github.CreateOpts{Head: "feature"})
	require.Error(t, err)
	require.Equal(t, 1, gh.OpenCount())
	require.Equal(t, 2, gh.CreateCalls)
}

func TestMockGitHub_MergeableSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gh := NewMockGitHub()
	url := gh.Add("feature", github.StateOpen, github.MergeUnknown)
	gh.MergeableSeq[url] = []github.Mergeability{github.MergeUnknown, github.Mergeable}

	pr, err := gh.View(ctx, url)
	require.NoError(t, err)
	require.Equal(t, github.MergeUnknown, pr.Mergeable)

	for i := 0; i < 2; i++ {
		pr, err = gh.View(ctx, url)
		require.NoError(t, err)
		require.Equal(t, github.Mergeable, pr.Mergeable, "last entry repeats")
	}
}

// --- MockTracker Tests ---

func TestMockTracker_ListAndUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := NewMockTracker()
	tr.Add(tracker.Task{ID: "T1"})
	tr.Add(tracker.Task{ID: "T2"})

	tasks, err := tr.ListTasksByStatus(ctx, tracker.StatusTodo)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "T1", tasks[0].ID, "creation order")

	require.NoError(t, tr.UpdateStatus(ctx, "T1", tracker.StatusInProgress))
	require.Equal(t, tracker.StatusInProgress, tr.Status("T1"))
	require.Equal(t, []tracker.Status{tracker.StatusInProgress}, tr.History["T1"])

	tr.SetStatus("T2", tracker.StatusBlocked)
	require.Empty(t, tr.History["T2"])

	require.Error(t, tr.UpdateStatus(ctx, "T9", tracker.StatusTodo))
}

func TestMockTracker_Comments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := NewMockTracker()
	tr.Add(tracker.Task{ID: "T1"})

	tr.Say("T1", "alice", "please rename")
	require.NoError(t, tr.AddComment(ctx, "T1", "Picked up"))

	comments, err := tr.GetComments(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.Equal(t, "alice", comments[0].Author)
	require.True(t, comments[0].CreatedAt.Before(comments[1].CreatedAt))
	require.Equal(t, []string{"please rename", "Picked up"}, tr.CommentTexts("T1"))
}

// --- MockWorker Tests ---

func TestMockWorker_QueuedResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := NewMockWorker(
		agent.Result{Outcome: agent.OutcomeNeedsInput},
		agent.Result{Outcome: agent.OutcomeSuccess},
	)
	var seen []int
	w.OnRun = func(call int, prompt string) { seen = append(seen, call) }

	for _, want := range []agent.Outcome{agent.OutcomeNeedsInput, agent.OutcomeSuccess, agent.OutcomeSuccess} {
		res, err := w.Run(ctx, "prompt")
		require.NoError(t, err)
		require.Equal(t, want, res.Outcome)
	}
	require.Equal(t, 3, w.Calls())
	require.Equal(t, []int{1, 2, 3}, seen)
	require.Equal(t, "prompt", w.LastPrompt())
}

func TestMockWorker_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewMockWorker().Run(ctx, "prompt")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, agent.OutcomeError, res.Outcome)
}

// --- MockRecorder Tests ---

func TestMockRecorder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := &MockRecorder{}
	require.NoError(t, r.Append(ctx, outcome.Record{TaskID: "T1"}))

	r.Err = errors.New("store down")
	require.Error(t, r.Append(ctx, outcome.Record{TaskID: "T2"}))
	require.Len(t, r.GetRecords(), 1)
}

// Package sequencer runs git and pull request operations in the order a task
// needs them. Every entry point leaves the working tree on the base branch or
// on the task branch, never in between.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/taskrelay/internal/agent"
	"github.com/mark3labs/taskrelay/internal/branch"
	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/mark3labs/taskrelay/internal/git"
	"github.com/mark3labs/taskrelay/internal/github"
	"github.com/mark3labs/taskrelay/internal/hooks"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/template"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

// ErrConflictUnresolved is returned when the worker could not clear every
// conflict. The merge has been aborted by the time it is returned.
var ErrConflictUnresolved = errors.New("merge conflicts left unresolved")

// Options configures a Sequencer.
type Options struct {
	Git     git.Port
	GitHub  github.Port
	Worker  agent.Worker
	Namer   branch.Namer
	Prompts template.Builder
	Hooks   *hooks.Config // optional

	Base        string // default "main"
	Remote      string // default "origin"
	PushRetries int
	PushBackoff time.Duration
	// Sleep waits between push attempts. Tests pass a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Sequencer owns the ordering of git, gh and worker calls for one repository.
type Sequencer struct {
	git     git.Port
	gh      github.Port
	worker  agent.Worker
	namer   branch.Namer
	prompts template.Builder
	hooks   *hooks.Config

	base        string
	remote      string
	pushRetries int
	pushBackoff time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	log logger.Scoped
}

// New returns a Sequencer.
func New(opts Options) *Sequencer {
	s := &Sequencer{
		git:         opts.Git,
		gh:          opts.GitHub,
		worker:      opts.Worker,
		namer:       opts.Namer,
		prompts:     opts.Prompts,
		hooks:       opts.Hooks,
		base:        opts.Base,
		remote:      opts.Remote,
		pushRetries: opts.PushRetries,
		pushBackoff: opts.PushBackoff,
		sleep:       opts.Sleep,
		now:         opts.Now,
		log:         logger.For("sequencer"),
	}
	if s.base == "" {
		s.base = "main"
	}
	if s.remote == "" {
		s.remote = "origin"
	}
	if s.pushRetries < 0 {
		s.pushRetries = 0
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Base returns the base branch name.
func (s *Sequencer) Base() string { return s.base }

// Namer returns the branch naming convention in use.
func (s *Sequencer) Namer() branch.Namer { return s.namer }

func (s *Sequencer) remoteRef(name string) string { return s.remote + "/" + name }

// Work describes the branch and pull request a task is being done on.
type Work struct {
	Branch    string
	PRURL     string
	PRCreated bool // the pull request was opened by this attempt
	Reused    bool // the branch existed before this attempt
	// Start is the commit the worker began from on a returning task.
	Start string
}

// SyncBase fetches and hard-resets the base branch to its remote state.
func (s *Sequencer) SyncBase(ctx context.Context) error {
	if err := s.git.Fetch(ctx, s.remote); err != nil {
		return ierr.NewTaskError(ierr.CategoryGit, "fetch", err)
	}
	if err := s.git.Checkout(ctx, s.base); err != nil {
		return ierr.NewTaskError(ierr.CategoryGit, "checkout "+s.base, err)
	}
	if err := s.git.ResetHard(ctx, s.remoteRef(s.base)); err != nil {
		return ierr.NewTaskError(ierr.CategoryGit, "reset "+s.base, err)
	}
	return nil
}

// ReturnToBase discards uncommitted changes and checks out the base branch.
// Failures are logged, never returned.
func (s *Sequencer) ReturnToBase(ctx context.Context) {
	if err := s.git.ResetHard(ctx, "HEAD"); err != nil {
		s.log.Warn("reset before returning to %s: %v", s.base, err)
	}
	if err := s.git.Checkout(ctx, s.base); err != nil {
		s.log.Warn("return to %s: %v", s.base, err)
	}
}

// FindBranch returns the local branch that belongs to task, or "".
func (s *Sequencer) FindBranch(ctx context.Context, task tracker.Task) (string, error) {
	names, err := s.git.ListBranches(ctx, s.namer.Pattern(task.ID))
	if err != nil {
		return "", ierr.NewTaskError(ierr.CategoryGit, "list branches", err)
	}
	return s.namer.Find(names, task.ID, task.Title), nil
}

// StartTask prepares the branch for a new task: sync the base, create or
// reuse the task branch, and make sure a pull request exists. A fresh
// branch gets an empty commit so the draft pull request can be opened
// before the worker runs.
func (s *Sequencer) StartTask(ctx context.Context, task tracker.Task) (Work, error) {
	if err := s.SyncBase(ctx); err != nil {
		return Work{}, err
	}

	name, err := s.FindBranch(ctx, task)
	if err != nil {
		return Work{}, err
	}
	work := Work{Branch: name, Reused: name != ""}
	if work.Reused {
		s.log.Info("Reusing branch %s for %s", name, task.ID)
		if err := s.git.Checkout(ctx, name); err != nil {
			return work, ierr.NewTaskError(ierr.CategoryGit, "checkout "+name, err)
		}
		if err := s.syncWithRemote(ctx, name); err != nil {
			return work, err
		}
	} else {
		work.Branch = s.namer.Name(task.ID, task.Title)
		if err := s.git.CheckoutNew(ctx, work.Branch, s.remoteRef(s.base)); err != nil {
			return work, ierr.NewTaskError(ierr.CategoryGit, "create branch", err)
		}
	}

	if url := s.OpenPRFor(ctx, work.Branch); url != "" {
		work.PRURL = url
		return work, nil
	}

	if err := s.git.CommitEmpty(ctx, fmt.Sprintf("chore: start %s", s.label(task))); err != nil {
		return work, ierr.NewTaskError(ierr.CategoryGit, "scaffold commit", err)
	}
	if err := s.Push(ctx, work.Branch); err != nil {
		return work, err
	}
	url, err := s.gh.Create(ctx, github.CreateOpts{
		Title: s.prTitle(task),
		Body:  s.prBody(task, ""),
		Base:  s.base,
		Head:  work.Branch,
		Draft: true,
	})
	if err != nil {
		return work, ierr.NewTaskError(ierr.CategoryPRState, "create draft pull request", err)
	}
	work.PRURL = url
	work.PRCreated = true
	s.log.Info("Opened draft pull request %s", url)
	return work, nil
}

// OpenPRFor returns the URL of an open pull request for head, or "". A
// failed lookup is treated as none.
func (s *Sequencer) OpenPRFor(ctx context.Context, head string) string {
	prs, err := s.gh.ListByHead(ctx, head)
	if err != nil {
		s.log.Warn("list pull requests for %s: %v", head, err)
		return ""
	}
	if len(prs) == 0 {
		return ""
	}
	return prs[0].URL
}

// CheckoutExisting checks out a branch that may only exist on the remote.
// A local copy is first brought level with the remote.
func (s *Sequencer) CheckoutExisting(ctx context.Context, name string) error {
	if err := s.git.Fetch(ctx, s.remote); err != nil {
		return ierr.NewTaskError(ierr.CategoryGit, "fetch", err)
	}
	local, err := s.git.ListBranches(ctx, name)
	if err != nil {
		return ierr.NewTaskError(ierr.CategoryGit, "list branches", err)
	}
	if len(local) == 0 {
		if err := s.git.CheckoutNew(ctx, name, s.remoteRef(name)); err != nil {
			return ierr.NewTaskError(ierr.CategoryGit, "checkout "+name, err)
		}
		return nil
	}
	if err := s.git.Checkout(ctx, name); err != nil {
		return ierr.NewTaskError(ierr.CategoryGit, "checkout "+name, err)
	}
	return s.syncWithRemote(ctx, name)
}

// syncWithRemote updates the checked-out branch name from its remote copy.
// With no local-only commits it is reset to the remote; otherwise the remote
// is merged in. A branch never pushed is left alone.
func (s *Sequencer) syncWithRemote(ctx context.Context, name string) error {
	exists, err := s.git.RemoteBranchExists(ctx, s.remote, name)
	if err != nil {
		return ierr.NewTaskError(ierr.CategoryGit, "ls-remote", err)
	}
	if !exists {
		return nil
	}
	ref := s.remoteRef(name)
	unpushed, err := s.git.CommitsAhead(ctx, ref, name)
	if err != nil {
		return ierr.NewTaskError(ierr.CategoryGit, "commits ahead", err)
	}
	if unpushed == 0 {
		if err := s.git.ResetHard(ctx, ref); err != nil {
			return ierr.NewTaskError(ierr.CategoryGit, "reset "+name, err)
		}
		return nil
	}
	s.log.Info("%s has %d unpushed commit(s), merging %s", name, unpushed, ref)
	if err := s.git.Merge(ctx, ref); err != nil {
		if errors.Is(err, git.ErrMergeConflict) {
			s.abortMerge(ctx)
			return ierr.NewTaskError(ierr.CategoryConflict, "merge "+ref, err)
		}
		return ierr.NewTaskError(ierr.CategoryGit, "merge "+ref, err)
	}
	return nil
}

// Head returns the commit the checked-out branch points at.
func (s *Sequencer) Head(ctx context.Context) (string, error) {
	rev, err := s.git.RevParse(ctx, "HEAD")
	if err != nil {
		return "", ierr.NewTaskError(ierr.CategoryGit, "rev-parse HEAD", err)
	}
	return rev, nil
}

// ChangedSince reports whether HEAD changes any file relative to rev.
func (s *Sequencer) ChangedSince(ctx context.Context, rev string) (bool, error) {
	stat, err := s.git.DiffStat(ctx, rev, "HEAD")
	if err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "diff", err)
	}
	return stat != "", nil
}

// InvokeWorker runs the pre_task hooks, renders the prompt of kind and hands
// it to the worker. The error is non-nil only when ctx was cancelled or the
// prompt could not be built.
func (s *Sequencer) InvokeWorker(ctx context.Context, kind template.Kind, task tracker.Task, vars template.Variables) (agent.Result, error) {
	vars.TaskID = task.ID
	vars.Title = task.Title
	vars.Description = task.Description
	vars.Base = s.base

	if s.hooks != nil && len(s.hooks.Hooks.PreTask) > 0 {
		out, err := hooks.ExecuteAllPiped(ctx, s.hooks.Hooks.PreTask, s.git.Root(), hooks.Variables{Task: task.ID, Branch: vars.Branch})
		if err != nil {
			return agent.Result{Outcome: agent.OutcomeError, Err: err}, err
		}
		vars.Hooks = out
	}

	prompt, err := s.prompts.Build(kind, vars)
	if err != nil {
		return agent.Result{Outcome: agent.OutcomeError, Err: err}, ierr.NewTaskError(ierr.CategoryWorker, "build prompt", err)
	}

	s.log.Info("Invoking worker (%s) for %s", kind, task.ID)
	res, err := s.worker.Run(ctx, prompt)
	if err != nil {
		return res, err
	}
	s.log.Info("Worker finished %s: %s in %s", task.ID, res.Outcome, res.Duration.Round(time.Second))
	return res, nil
}

// CommitPending commits anything the worker left uncommitted. Reports
// whether a commit was made.
func (s *Sequencer) CommitPending(ctx context.Context, msg string) (bool, error) {
	dirty, err := s.git.HasChanges(ctx)
	if err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "status", err)
	}
	if !dirty {
		return false, nil
	}
	if err := s.git.StageAll(ctx); err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "stage", err)
	}
	if err := s.git.Commit(ctx, msg); err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "commit", err)
	}
	return true, nil
}

// HasDiff reports whether HEAD differs from the remote base, counting
// uncommitted changes. Empty scaffold commits do not count.
func (s *Sequencer) HasDiff(ctx context.Context) (bool, error) {
	dirty, err := s.git.HasChanges(ctx)
	if err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "status", err)
	}
	if dirty {
		return true, nil
	}
	stat, err := s.git.DiffStat(ctx, s.remoteRef(s.base), "HEAD")
	if err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "diff", err)
	}
	return stat != "", nil
}

// HasWork reports whether branch carries real changes relative to the base:
// at least one commit ahead and a non-empty diff.
func (s *Sequencer) HasWork(ctx context.Context, name string) (bool, error) {
	ahead, err := s.git.CommitsAhead(ctx, s.remoteRef(s.base), name)
	if err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "commits ahead", err)
	}
	if ahead == 0 {
		return false, nil
	}
	stat, err := s.git.DiffStat(ctx, s.remoteRef(s.base), name)
	if err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "diff", err)
	}
	return stat != "", nil
}

// NeedsPush reports whether the remote branch is missing or behind the
// local one.
func (s *Sequencer) NeedsPush(ctx context.Context, name string) (bool, error) {
	exists, err := s.git.RemoteBranchExists(ctx, s.remote, name)
	if err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "ls-remote", err)
	}
	if !exists {
		return true, nil
	}
	ahead, err := s.git.CommitsAhead(ctx, s.remoteRef(name), name)
	if err != nil {
		return false, ierr.NewTaskError(ierr.CategoryGit, "commits ahead", err)
	}
	return ahead > 0, nil
}

// Push pushes branch, retrying with a doubling delay. Only pushes are
// retried; a remote can reject transiently while other pushes land.
func (s *Sequencer) Push(ctx context.Context, name string) error {
	var err error
	delay := s.pushBackoff
	for attempt := 0; attempt <= s.pushRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn("push %s failed (attempt %d/%d), retrying in %s: %v", name, attempt, s.pushRetries+1, delay, err)
			if serr := s.sleep(ctx, delay); serr != nil {
				return serr
			}
			delay *= 2
		}
		if err = s.git.Push(ctx, s.remote, name); err == nil {
			return nil
		}
	}
	return ierr.NewTaskError(ierr.CategoryPush, name, ierr.NewTransientError("", err))
}

// Publish pushes the task branch, marks the pull request ready and updates
// its body with summary.
func (s *Sequencer) Publish(ctx context.Context, task tracker.Task, work Work, summary string) error {
	if err := s.Push(ctx, work.Branch); err != nil {
		return err
	}
	pr, err := s.gh.View(ctx, work.PRURL)
	if err != nil {
		return ierr.NewTaskError(ierr.CategoryPRState, "view pull request", err)
	}
	if pr.IsDraft {
		if err := s.gh.Ready(ctx, work.PRURL); err != nil {
			return ierr.NewTaskError(ierr.CategoryPRState, "mark ready", err)
		}
	}
	if err := s.gh.EditBody(ctx, work.PRURL, s.prBody(task, summary)); err != nil {
		s.log.Warn("update body of %s: %v", work.PRURL, err)
	}
	return nil
}

// EnsurePR returns the open pull request for name, opening one when none
// exists. created reports whether it was opened here.
func (s *Sequencer) EnsurePR(ctx context.Context, task tracker.Task, name string) (url string, created bool, err error) {
	if url := s.OpenPRFor(ctx, name); url != "" {
		return url, false, nil
	}
	url, err = s.gh.Create(ctx, github.CreateOpts{
		Title: s.prTitle(task),
		Body:  s.prBody(task, ""),
		Base:  s.base,
		Head:  name,
	})
	if err != nil {
		return "", false, ierr.NewTaskError(ierr.CategoryPRState, "create pull request", err)
	}
	return url, true, nil
}

// ViewPR returns the current state of the pull request at url.
func (s *Sequencer) ViewPR(ctx context.Context, url string) (*github.PR, error) {
	pr, err := s.gh.View(ctx, url)
	if err != nil {
		return nil, ierr.NewTaskError(ierr.CategoryPRState, "view pull request", err)
	}
	return pr, nil
}

// Cleanup closes the pull request (when prURL is set), returns to the base
// branch and deletes the local task branch. Everything is best-effort.
func (s *Sequencer) Cleanup(ctx context.Context, name, prURL string) {
	if prURL != "" {
		if err := s.gh.Close(ctx, prURL); err != nil {
			s.log.Warn("close %s: %v", prURL, err)
		}
	}
	s.ReturnToBase(ctx)
	if name == "" || name == s.base {
		return
	}
	if err := s.git.DeleteBranch(ctx, name); err != nil {
		s.log.Warn("delete branch %s: %v", name, err)
	}
}

// ResolveConflicts merges the remote base into the checked-out branch. On
// conflicts the worker is asked to resolve them; if it fails or leaves
// markers behind the merge is aborted and ErrConflictUnresolved returned.
func (s *Sequencer) ResolveConflicts(ctx context.Context, task tracker.Task, name string) error {
	ref := s.remoteRef(s.base)
	err := s.git.Merge(ctx, ref)
	if err == nil {
		return nil
	}
	if !errors.Is(err, git.ErrMergeConflict) {
		return ierr.NewTaskError(ierr.CategoryGit, "merge "+ref, err)
	}

	files, err := s.git.ConflictedFiles(ctx)
	if err != nil {
		s.abortMerge(ctx)
		return ierr.NewTaskError(ierr.CategoryGit, "list conflicts", err)
	}
	s.log.Info("Merging %s into %s conflicted in %d file(s): %s", ref, name, len(files), strings.Join(files, ", "))

	res, err := s.InvokeWorker(ctx, template.KindConflict, task, template.Variables{
		Branch:    name,
		Conflicts: template.FormatConflicts(files),
	})
	if err != nil {
		s.abortMerge(ctx)
		return err
	}
	if res.Outcome != agent.OutcomeSuccess {
		s.abortMerge(ctx)
		return ierr.NewTaskError(ierr.CategoryConflict, "resolve conflicts",
			fmt.Errorf("%w: worker returned %s: %v", ErrConflictUnresolved, res.Outcome, res.Err))
	}

	// git add clears the unmerged state even when markers remain.
	left, err := s.git.Unresolved(ctx, files)
	if err != nil {
		s.abortMerge(ctx)
		return ierr.NewTaskError(ierr.CategoryGit, "check conflict markers", err)
	}
	if len(left) > 0 {
		s.abortMerge(ctx)
		return ierr.NewTaskError(ierr.CategoryConflict, "resolve conflicts",
			fmt.Errorf("%w: %s", ErrConflictUnresolved, strings.Join(left, ", ")))
	}

	if err := s.git.StageAll(ctx); err != nil {
		s.abortMerge(ctx)
		return ierr.NewTaskError(ierr.CategoryGit, "stage", err)
	}
	remaining, err := s.git.ConflictedFiles(ctx)
	if err == nil && len(remaining) > 0 {
		s.abortMerge(ctx)
		return ierr.NewTaskError(ierr.CategoryConflict, "resolve conflicts",
			fmt.Errorf("%w: %s", ErrConflictUnresolved, strings.Join(remaining, ", ")))
	}

	// The worker may have concluded the merge itself. A resolution that
	// keeps the branch's side stages nothing but still needs the commit.
	merging, err := s.git.MergeInProgress(ctx)
	if err != nil {
		s.abortMerge(ctx)
		return ierr.NewTaskError(ierr.CategoryGit, "check merge state", err)
	}
	if merging {
		if err := s.git.Commit(ctx, fmt.Sprintf("Merge %s into %s", ref, name)); err != nil {
			s.abortMerge(ctx)
			return ierr.NewTaskError(ierr.CategoryGit, "commit merge", err)
		}
	}
	s.log.Info("Resolved conflicts on %s", name)
	return nil
}

func (s *Sequencer) abortMerge(ctx context.Context) {
	if err := s.git.MergeAbort(ctx); err != nil {
		s.log.Warn("merge --abort: %v", err)
	}
}

// UpdateFromBase brings a pull request branch up to date with the base,
// resolving conflicts through the worker, and pushes it. The tree is back
// on the base branch afterwards.
func (s *Sequencer) UpdateFromBase(ctx context.Context, task tracker.Task, name string) error {
	if err := s.CheckoutExisting(ctx, name); err != nil {
		return err
	}
	defer s.ReturnToBase(ctx)

	if err := s.ResolveConflicts(ctx, task, name); err != nil {
		return err
	}
	return s.Push(ctx, name)
}

// Merge squash-merges the pull request and deletes the local head branch.
func (s *Sequencer) Merge(ctx context.Context, pr *github.PR) error {
	if err := s.gh.Merge(ctx, pr.URL); err != nil {
		return ierr.NewTaskError(ierr.CategoryPRState, "merge pull request", err)
	}
	s.log.Info("Merged %s", pr.URL)

	if pr.HeadBranch == "" || pr.HeadBranch == s.base {
		return nil
	}
	if cur, err := s.git.CurrentBranch(ctx); err == nil && cur == pr.HeadBranch {
		s.ReturnToBase(ctx)
	}
	local, err := s.git.ListBranches(ctx, pr.HeadBranch)
	if err != nil || len(local) == 0 {
		return nil
	}
	if err := s.git.DeleteBranch(ctx, pr.HeadBranch); err != nil {
		s.log.Warn("delete branch %s: %v", pr.HeadBranch, err)
	}
	return nil
}

// RunPostMerge runs the post_merge hooks. Output is logged only.
func (s *Sequencer) RunPostMerge(ctx context.Context, task tracker.Task, name string) {
	if s.hooks == nil || len(s.hooks.Hooks.PostMerge) == 0 {
		return
	}
	if err := hooks.ExecuteAll(ctx, s.hooks.Hooks.PostMerge, s.git.Root(), hooks.Variables{Task: task.ID, Branch: name}); err != nil {
		s.log.Warn("post_merge hooks for %s: %v", task.ID, err)
	}
}

// CollectFeedback gathers review bodies, inline comments and the tracker
// comments written after the last one linking the pull request. Lookup
// failures are logged and skipped.
func (s *Sequencer) CollectFeedback(ctx context.Context, prURL string, comments []tracker.Comment) template.Feedback {
	var fb template.Feedback
	reviews, err := s.gh.Reviews(ctx, prURL)
	if err != nil {
		s.log.Warn("fetch reviews for %s: %v", prURL, err)
	}
	fb.Reviews = reviews

	inline, err := s.gh.InlineComments(ctx, prURL)
	if err != nil {
		s.log.Warn("fetch inline comments for %s: %v", prURL, err)
	}
	fb.Inline = inline

	start := 0
	for i, c := range comments {
		if strings.Contains(c.Text, prURL) {
			start = i + 1
		}
	}
	fb.Comments = comments[start:]
	return fb
}

// Now returns the sequencer's clock reading.
func (s *Sequencer) Now() time.Time { return s.now() }

func (s *Sequencer) label(task tracker.Task) string {
	return fmt.Sprintf("%s-%s", s.namer.Tag, task.ID)
}

func (s *Sequencer) prTitle(task tracker.Task) string {
	return fmt.Sprintf("[%s] %s", s.label(task), task.Title)
}

func (s *Sequencer) prBody(task tracker.Task, summary string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s\n", s.label(task), task.Title)
	if task.URL != "" {
		fmt.Fprintf(&sb, "\n%s\n", task.URL)
	}
	if summary = strings.TrimSpace(summary); summary != "" {
		fmt.Fprintf(&sb, "\n## Summary\n\n%s\n", summary)
	}
	sb.WriteString("\n_Opened by taskrelay._\n")
	return sb.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

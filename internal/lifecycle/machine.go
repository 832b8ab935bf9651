package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/taskrelay/internal/agent"
	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/mark3labs/taskrelay/internal/github"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/sequencer"
	"github.com/mark3labs/taskrelay/internal/template"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

// ErrNotActionable is returned by Process for statuses the relay leaves to humans.
var ErrNotActionable = errors.New("status is not actionable")

// Result is what happened to one task.
type Result struct {
	TaskID   string
	Final    tracker.Status
	Category ierr.Category
	Err      error
	Merged   bool // a pull request was merged
}

// Config tunes a Machine.
type Config struct {
	AutoApprove bool
	// MergeableRetries is how many extra times an UNKNOWN mergeability is
	// re-queried before giving up.
	MergeableRetries int
	MergeableDelay   time.Duration
	Sleep            func(ctx context.Context, d time.Duration) error
}

// Machine applies the transition table to tasks, using the sequencer for
// every git and pull request side effect.
type Machine struct {
	tracker tracker.Tracker
	seq     *sequencer.Sequencer
	cfg     Config
	log     logger.Scoped
}

// New returns a Machine.
func New(tr tracker.Tracker, seq *sequencer.Sequencer, cfg Config) *Machine {
	if cfg.MergeableRetries < 0 {
		cfg.MergeableRetries = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	return &Machine{tracker: tr, seq: seq, cfg: cfg, log: logger.For("lifecycle")}
}

// DefaultConfig returns the production retry settings.
func DefaultConfig(autoApprove bool) Config {
	return Config{AutoApprove: autoApprove, MergeableRetries: 3, MergeableDelay: 2 * time.Second}
}

// Process dispatches on the task's status and, for TODO, on whether a pull
// request is already linked.
func (m *Machine) Process(ctx context.Context, task tracker.Task) Result {
	switch task.Status {
	case tracker.StatusApproved, tracker.StatusCompleted:
		return m.ProcessApproved(ctx, task)
	case tracker.StatusTodo:
		comments, err := m.tracker.GetComments(ctx, task.ID)
		if err != nil {
			return Result{TaskID: task.ID, Final: task.Status, Category: ierr.CategoryTracker, Err: err}
		}
		if url, returning := Classify(comments); returning {
			return m.ProcessReturning(ctx, task, url)
		}
		return m.ProcessNew(ctx, task)
	default:
		return Result{TaskID: task.ID, Final: task.Status, Err: fmt.Errorf("%w: %s", ErrNotActionable, task.Status)}
	}
}

// attempt tracks the status of one task while it is being processed.
type attempt struct {
	m      *Machine
	task   tracker.Task
	status tracker.Status
}

func (m *Machine) begin(task tracker.Task) *attempt {
	return &attempt{m: m, task: task, status: task.Status}
}

func (a *attempt) move(ctx context.Context, event Event) error {
	to, err := Transition(a.status, event)
	if err != nil {
		return err
	}
	if err := a.m.tracker.UpdateStatus(ctx, a.task.ID, to); err != nil {
		return ierr.NewTaskError(ierr.CategoryTracker, "update status", err)
	}
	a.m.log.Info("%s: %s -> %s (%s)", a.task.ID, a.status, to, event)
	a.status = to
	return nil
}

func (a *attempt) comment(ctx context.Context, format string, args ...any) {
	if err := a.m.tracker.AddComment(ctx, a.task.ID, fmt.Sprintf(format, args...)); err != nil {
		a.m.log.Warn("comment on %s: %v", a.task.ID, err)
	}
}

// finish moves the task on event and returns the matching Result.
func (a *attempt) finish(ctx context.Context, event Event, category ierr.Category, cause error) Result {
	if err := a.move(ctx, event); err != nil {
		a.m.log.Error("%s: %v", a.task.ID, err)
		if cause == nil {
			cause = err
			category = ierr.CategoryTracker
		}
	}
	return Result{TaskID: a.task.ID, Final: a.status, Category: category, Err: cause}
}

// fail reports err on the task and moves it to BLOCKED.
func (a *attempt) fail(ctx context.Context, err error) Result {
	category := ierr.CategoryOf(err)
	a.m.log.Error("%s failed (%s): %v", a.task.ID, category, err)
	a.comment(ctx, "taskrelay could not finish this task (%s):\n\n%v", category, err)
	return a.finish(ctx, EventFailed, category, err)
}

// ProcessNew picks up a task with no linked pull request.
func (m *Machine) ProcessNew(ctx context.Context, task tracker.Task) Result {
	a := m.begin(task)
	if err := a.move(ctx, EventPickedUp); err != nil {
		return Result{TaskID: task.ID, Final: a.status, Category: ierr.CategoryOf(err), Err: err}
	}

	work, err := m.seq.StartTask(ctx, task)
	defer m.seq.ReturnToBase(ctx)
	if err != nil {
		m.seq.Cleanup(ctx, work.Branch, work.PRURL)
		return a.fail(ctx, err)
	}
	a.comment(ctx, "Picked up by taskrelay. Working on branch `%s`.", work.Branch)

	res, err := m.seq.InvokeWorker(ctx, template.KindNew, task, template.Variables{
		Branch: work.Branch,
		PRURL:  work.PRURL,
	})
	if err != nil {
		return a.fail(ctx, ierr.NewTaskError(ierr.CategoryWorker, "invoke worker", err))
	}
	return m.afterWorker(ctx, a, work, res, false)
}

// ProcessReturning picks up a task whose pull request came back from review.
// A pull request that is no longer open means the previous attempt was
// abandoned, so the task starts over as new.
func (m *Machine) ProcessReturning(ctx context.Context, task tracker.Task, prURL string) Result {
	pr, err := m.seq.ViewPR(ctx, prURL)
	if err != nil {
		a := m.begin(task)
		return a.fail(ctx, err)
	}
	if pr.State != github.StateOpen {
		m.log.Info("%s: linked pull request %s is %s, starting over", task.ID, prURL, pr.State)
		return m.ProcessNew(ctx, task)
	}

	a := m.begin(task)
	if err := a.move(ctx, EventPickedUp); err != nil {
		return Result{TaskID: task.ID, Final: a.status, Category: ierr.CategoryOf(err), Err: err}
	}
	work := sequencer.Work{Branch: pr.HeadBranch, PRURL: pr.URL, Reused: true}

	if err := m.seq.CheckoutExisting(ctx, work.Branch); err != nil {
		return a.fail(ctx, err)
	}
	defer m.seq.ReturnToBase(ctx)
	a.comment(ctx, "Picked up review feedback. Updating branch `%s`.", work.Branch)

	if err := m.seq.ResolveConflicts(ctx, task, work.Branch); err != nil {
		return a.fail(ctx, err)
	}
	head, err := m.seq.Head(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}
	work.Start = head

	comments, err := m.tracker.GetComments(ctx, task.ID)
	if err != nil {
		m.log.Warn("%s: read comments: %v", task.ID, err)
	}
	fb := m.seq.CollectFeedback(ctx, pr.URL, comments)

	res, err := m.seq.InvokeWorker(ctx, template.KindFeedback, task, template.Variables{
		Branch:   work.Branch,
		PRURL:    work.PRURL,
		Feedback: template.FormatFeedback(fb, m.seq.Now()),
	})
	if err != nil {
		return a.fail(ctx, ierr.NewTaskError(ierr.CategoryWorker, "invoke worker", err))
	}
	return m.afterWorker(ctx, a, work, res, true)
}

// afterWorker applies the worker outcome. A returning task keeps its branch
// and pull request on needs-input and no-change outcomes, since they hold
// reviewed work.
func (m *Machine) afterWorker(ctx context.Context, a *attempt, work sequencer.Work, res agent.Result, returning bool) Result {
	task := a.task
	switch res.Outcome {
	case agent.OutcomeNeedsInput:
		reason := agent.ExtractReason(res.RawOutput)
		if !returning {
			m.seq.Cleanup(ctx, work.Branch, work.PRURL)
		}
		a.comment(ctx, "taskrelay needs more information before continuing:\n\n%s", reason)
		return a.finish(ctx, EventNeedsInput, ierr.CategoryNone, nil)

	case agent.OutcomeError:
		werr := res.Err
		if werr == nil {
			werr = errors.New("worker failed")
		}
		partial, err := m.seq.HasDiff(ctx)
		if err != nil {
			m.log.Warn("%s: check for partial work: %v", task.ID, err)
		}
		if partial {
			preserved := m.preservePartial(ctx, task, work)
			if preserved {
				a.comment(ctx, "The worker failed: %v\n\nPartial work was preserved on branch `%s`.", werr, work.Branch)
			} else {
				a.comment(ctx, "The worker failed: %v\n\nPartial work could not be pushed and remains on the local branch `%s`.", werr, work.Branch)
			}
			return a.finish(ctx, EventPartialWork, ierr.CategoryWorker, werr)
		}
		if !returning {
			m.seq.Cleanup(ctx, work.Branch, work.PRURL)
		}
		a.comment(ctx, "The worker failed: %v", werr)
		return a.finish(ctx, EventWorkerError, ierr.CategoryWorker, werr)
	}

	if _, err := m.seq.CommitPending(ctx, m.commitMessage(task, returning)); err != nil {
		return a.fail(ctx, err)
	}

	changed, err := m.producedChanges(ctx, work, returning)
	if err != nil {
		return a.fail(ctx, err)
	}
	if !changed {
		if !returning {
			m.seq.Cleanup(ctx, work.Branch, work.PRURL)
		}
		a.comment(ctx, "The worker finished without producing any changes. Please clarify what needs to be done.")
		return a.finish(ctx, EventNoDiff, ierr.CategoryNone, nil)
	}

	if err := m.seq.Publish(ctx, task, work, res.RawOutput); err != nil {
		return a.fail(ctx, err)
	}

	if m.cfg.AutoApprove {
		pr, err := m.seq.ViewPR(ctx, work.PRURL)
		if err == nil {
			err = m.seq.Merge(ctx, pr)
		}
		if err == nil {
			a.comment(ctx, "Merged pull request: %s", work.PRURL)
			m.seq.RunPostMerge(ctx, task, work.Branch)
			r := a.finish(ctx, EventAutoMerged, ierr.CategoryNone, nil)
			r.Merged = true
			return r
		}
		m.log.Warn("%s: auto-merge failed, leaving for review: %v", task.ID, err)
	}

	a.comment(ctx, "Pull request ready for review: %s", work.PRURL)
	return a.finish(ctx, EventReadyForReview, ierr.CategoryNone, nil)
}

// producedChanges decides whether the worker changed anything. New tasks
// compare against the base; returning tasks against the commit the worker
// started from, which already includes any merge of the base.
func (m *Machine) producedChanges(ctx context.Context, work sequencer.Work, returning bool) (bool, error) {
	if returning {
		return m.seq.ChangedSince(ctx, work.Start)
	}
	return m.seq.HasDiff(ctx)
}

// preservePartial commits and pushes whatever the worker left behind.
func (m *Machine) preservePartial(ctx context.Context, task tracker.Task, work sequencer.Work) bool {
	if _, err := m.seq.CommitPending(ctx, fmt.Sprintf("WIP: partial work on %s-%s", m.seq.Namer().Tag, task.ID)); err != nil {
		m.log.Warn("%s: commit partial work: %v", task.ID, err)
		return false
	}
	if err := m.seq.Push(ctx, work.Branch); err != nil {
		m.log.Warn("%s: push partial work: %v", task.ID, err)
		return false
	}
	return true
}

func (m *Machine) commitMessage(task tracker.Task, returning bool) string {
	label := fmt.Sprintf("%s-%s", m.seq.Namer().Tag, task.ID)
	if returning {
		return fmt.Sprintf("fix: address review feedback (%s)", label)
	}
	return fmt.Sprintf("feat: %s (%s)", task.Title, label)
}

// ProcessApproved merges the pull request of an approved task. It is a
// no-op for a task that is already COMPLETED.
func (m *Machine) ProcessApproved(ctx context.Context, task tracker.Task) Result {
	if task.Status == tracker.StatusCompleted {
		return Result{TaskID: task.ID, Final: tracker.StatusCompleted}
	}
	a := m.begin(task)

	comments, err := m.tracker.GetComments(ctx, task.ID)
	if err != nil {
		return Result{TaskID: task.ID, Final: a.status, Category: ierr.CategoryTracker, Err: err}
	}
	url, _ := Classify(comments)
	if url == "" {
		a.comment(ctx, "Approved, but no pull request link was found in the comments.")
		return a.finish(ctx, EventPRMissing, ierr.CategoryPRState, errors.New("no pull request linked"))
	}

	pr, err := m.viewSettled(ctx, url)
	if err != nil {
		a.comment(ctx, "Approved, but the pull request %s could not be read: %v", url, err)
		return a.finish(ctx, EventPRMissing, ierr.CategoryPRState, err)
	}

	switch pr.State {
	case github.StateMerged:
		a.comment(ctx, "Pull request %s was already merged.", url)
		return a.finish(ctx, EventAlreadyMerged, ierr.CategoryNone, nil)
	case github.StateOpen:
	default:
		a.comment(ctx, "Approved, but the pull request %s is %s.", url, pr.State)
		return a.finish(ctx, EventPRMissing, ierr.CategoryPRState, fmt.Errorf("pull request is %s", pr.State))
	}

	switch pr.Mergeable {
	case github.MergeUnknown:
		a.comment(ctx, "Approved, but GitHub could not determine whether %s is mergeable.", url)
		return a.finish(ctx, EventPRMissing, ierr.CategoryPRState, errors.New("mergeability unknown"))
	case github.Conflicting:
		m.log.Info("%s: %s conflicts with %s", task.ID, url, m.seq.Base())
		if err := m.seq.UpdateFromBase(ctx, task, pr.HeadBranch); err != nil {
			a.comment(ctx, "The pull request %s conflicts with `%s` and the conflicts could not be resolved:\n\n%v", url, m.seq.Base(), err)
			return a.finish(ctx, EventConflictFailed, ierr.CategoryOf(err), err)
		}
	}

	if err := m.seq.Merge(ctx, pr); err != nil {
		m.log.Warn("%s: merge %s failed: %v", task.ID, url, err)
		a.comment(ctx, "Approved, but merging %s failed:\n\n%v", url, err)
		return a.finish(ctx, EventFailed, ierr.CategoryPRState, err)
	}

	a.comment(ctx, "Merged pull request: %s", url)
	m.seq.RunPostMerge(ctx, task, pr.HeadBranch)
	r := a.finish(ctx, EventMerged, ierr.CategoryNone, nil)
	r.Merged = true
	return r
}

// viewSettled queries the pull request, re-querying while GitHub is still
// computing mergeability.
func (m *Machine) viewSettled(ctx context.Context, url string) (*github.PR, error) {
	pr, err := m.seq.ViewPR(ctx, url)
	for i := 0; err == nil && pr.State == github.StateOpen && pr.Mergeable == github.MergeUnknown && i < m.cfg.MergeableRetries; i++ {
		if serr := m.cfg.Sleep(ctx, m.cfg.MergeableDelay); serr != nil {
			return nil, serr
		}
		pr, err = m.seq.ViewPR(ctx, url)
	}
	return pr, err
}

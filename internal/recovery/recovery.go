// Package recovery reconciles tasks left IN_PROGRESS by a process that died
// mid-task. It runs once at startup, before the poll loop.
package recovery

import (
	"context"
	"fmt"
	"strings"

	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/mark3labs/taskrelay/internal/github"
	"github.com/mark3labs/taskrelay/internal/lifecycle"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/sequencer"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

// Action is what recovery did with one task.
type Action string

const (
	ActionRequeued  Action = "requeued"  // no branch; back to TODO
	ActionRestarted Action = "restarted" // empty branch; new-task pipeline rerun
	ActionPublished Action = "published" // work found; pushed and moved to IN_REVIEW
	ActionFailed    Action = "failed"
)

// Report counts the actions taken.
type Report struct {
	Requeued  int
	Restarted int
	Published int
	Failed    int
	Results   []lifecycle.Result // from restarted tasks
}

// Total returns how many tasks were examined.
func (r Report) Total() int { return r.Requeued + r.Restarted + r.Published + r.Failed }

func (r Report) String() string {
	return fmt.Sprintf("%d requeued, %d restarted, %d published, %d failed", r.Requeued, r.Restarted, r.Published, r.Failed)
}

// Recovery holds what the procedure needs.
type Recovery struct {
	tracker tracker.Tracker
	seq     *sequencer.Sequencer
	machine *lifecycle.Machine
	log     logger.Scoped
}

// New returns a Recovery.
func New(tr tracker.Tracker, seq *sequencer.Sequencer, m *lifecycle.Machine) *Recovery {
	return &Recovery{tracker: tr, seq: seq, machine: m, log: logger.For("recovery")}
}

// Run recovers every IN_PROGRESS task. A failing task is reported on the
// tracker and moved to BLOCKED without stopping the batch. The error is
// non-nil only when the task list itself could not be read.
func (r *Recovery) Run(ctx context.Context) (Report, error) {
	var rep Report
	tasks, err := r.tracker.ListTasksByStatus(ctx, tracker.StatusInProgress)
	if err != nil {
		return rep, ierr.NewTaskError(ierr.CategoryRecovery, "list in-progress tasks", err)
	}
	if len(tasks) == 0 {
		return rep, nil
	}
	r.log.Info("Recovering %d in-progress task(s)", len(tasks))

	for _, task := range tasks {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		var action Action
		err := ierr.Recover(func() error {
			var err error
			action, err = r.recoverTask(ctx, task, &rep)
			return err
		})
		if err != nil {
			r.block(ctx, task, err)
			action = ActionFailed
		}
		r.log.Info("%s: %s", task.ID, action)
		switch action {
		case ActionRequeued:
			rep.Requeued++
		case ActionRestarted:
			rep.Restarted++
		case ActionPublished:
			rep.Published++
		case ActionFailed:
			rep.Failed++
		}
	}
	r.seq.ReturnToBase(ctx)
	return rep, nil
}

func (r *Recovery) recoverTask(ctx context.Context, task tracker.Task, rep *Report) (Action, error) {
	name, err := r.seq.FindBranch(ctx, task)
	if err != nil {
		return "", err
	}

	if name == "" {
		if err := r.requeue(ctx, task); err != nil {
			return "", err
		}
		r.comment(ctx, task.ID, "taskrelay restarted while working on this task. No branch was found, so it is back in the queue.")
		return ActionRequeued, nil
	}

	hasWork, err := r.seq.HasWork(ctx, name)
	if err != nil {
		return "", err
	}
	if !hasWork {
		r.seq.Cleanup(ctx, name, r.seq.OpenPRFor(ctx, name))
		if err := r.requeue(ctx, task); err != nil {
			return "", err
		}
		task.Status = tracker.StatusTodo
		res := r.machine.ProcessNew(ctx, task)
		rep.Results = append(rep.Results, res)
		return ActionRestarted, nil
	}

	return ActionPublished, r.publish(ctx, task, name)
}

// publish pushes recovered work and links a pull request. The link comment
// is written only when the comments don't already carry it, so running
// recovery twice adds nothing.
func (r *Recovery) publish(ctx context.Context, task tracker.Task, name string) error {
	push, err := r.seq.NeedsPush(ctx, name)
	if err != nil {
		return err
	}
	if push {
		if err := r.seq.Push(ctx, name); err != nil {
			return err
		}
	}

	comments, err := r.tracker.GetComments(ctx, task.ID)
	if err != nil {
		return ierr.NewTaskError(ierr.CategoryTracker, "read comments", err)
	}
	url, _ := lifecycle.Classify(comments)
	if url != "" {
		if pr, err := r.seq.ViewPR(ctx, url); err != nil || pr.State != github.StateOpen || pr.HeadBranch != name {
			url = ""
		}
	}
	if url == "" {
		if url, _, err = r.seq.EnsurePR(ctx, task, name); err != nil {
			return err
		}
	}

	pr, err := r.seq.ViewPR(ctx, url)
	if err != nil {
		return err
	}
	if pr.IsDraft {
		if err := r.seq.Publish(ctx, task, sequencer.Work{Branch: name, PRURL: url}, ""); err != nil {
			return err
		}
	}

	to, err := lifecycle.Transition(tracker.StatusInProgress, lifecycle.EventRecovered)
	if err != nil {
		return err
	}
	if err := r.tracker.UpdateStatus(ctx, task.ID, to); err != nil {
		return ierr.NewTaskError(ierr.CategoryTracker, "update status", err)
	}
	if !linked(comments, url) {
		r.comment(ctx, task.ID, fmt.Sprintf("taskrelay restarted while working on this task and recovered the work. Pull request ready for review: %s", url))
	}
	return nil
}

func (r *Recovery) requeue(ctx context.Context, task tracker.Task) error {
	to, err := lifecycle.Transition(tracker.StatusInProgress, lifecycle.EventRequeued)
	if err != nil {
		return err
	}
	if err := r.tracker.UpdateStatus(ctx, task.ID, to); err != nil {
		return ierr.NewTaskError(ierr.CategoryTracker, "update status", err)
	}
	return nil
}

func (r *Recovery) block(ctx context.Context, task tracker.Task, err error) {
	r.log.Error("%s: recovery failed: %v", task.ID, err)
	r.comment(ctx, task.ID, fmt.Sprintf("taskrelay could not recover this task after a restart:\n\n%v", err))
	to, terr := lifecycle.Transition(tracker.StatusInProgress, lifecycle.EventFailed)
	if terr != nil {
		return
	}
	if uerr := r.tracker.UpdateStatus(ctx, task.ID, to); uerr != nil {
		r.log.Error("%s: mark blocked: %v", task.ID, uerr)
	}
}

func (r *Recovery) comment(ctx context.Context, id, text string) {
	if err := r.tracker.AddComment(ctx, id, text); err != nil {
		r.log.Warn("comment on %s: %v", id, err)
	}
}

func linked(comments []tracker.Comment, url string) bool {
	for _, c := range comments {
		if strings.Contains(c.Text, url) {
			return true
		}
	}
	return false
}

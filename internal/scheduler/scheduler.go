// Package scheduler runs the poll loop: each cycle merges approved work,
// then picks at most one eligible TODO task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/mark3labs/taskrelay/internal/lifecycle"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/outcome"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

// ErrRelaunch asks the caller to restart the process so it runs the freshly
// merged code.
var ErrRelaunch = errors.New("relaunch requested")

// Processor handles one task. *lifecycle.Machine implements it.
type Processor interface {
	Process(ctx context.Context, task tracker.Task) lifecycle.Result
}

// BaseSyncer resets the working tree to the base branch before a relaunch.
type BaseSyncer interface {
	SyncBase(ctx context.Context) error
}

// Clock is the time source of the loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config configures a Scheduler.
type Config struct {
	Tracker   tracker.Tracker
	Processor Processor
	Syncer    BaseSyncer       // optional
	Recorder  outcome.Recorder // optional
	Clock     Clock            // default wall clock

	PollInterval time.Duration
	// RelaunchInterval relaunches after this long without processing a
	// task. Zero disables idle relaunch.
	RelaunchInterval time.Duration
}

// Scheduler owns the loop state. It is not safe to run Cycle concurrently
// with itself; the processing flag only guards against re-entry.
type Scheduler struct {
	cfg   Config
	clock Clock
	log   logger.Scoped

	processing atomic.Bool
	relaunch   atomic.Bool

	mu           sync.Mutex
	seen         map[string]bool // TODO tasks already attempted by this process
	lastActivity time.Time
}

// New returns a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Scheduler{
		cfg:          cfg,
		clock:        cfg.Clock,
		log:          logger.For("scheduler"),
		seen:         map[string]bool{},
		lastActivity: cfg.Clock.Now(),
	}
}

// Processing reports whether a task is in flight.
func (s *Scheduler) Processing() bool { return s.processing.Load() }

// RequestRelaunch makes the next idle cycle return ErrRelaunch.
func (s *Scheduler) RequestRelaunch() { s.relaunch.Store(true) }

// Run cycles until ctx is cancelled or a relaunch is due. Cancelling ctx
// does not interrupt a task in flight; the task runs to completion on a
// context detached from ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Polling every %s", s.cfg.PollInterval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.Cycle(ctx); err != nil {
			if errors.Is(err, ErrRelaunch) {
				return err
			}
			s.log.Error("cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("Stop requested, poll loop exiting")
			return nil
		case <-s.clock.After(s.cfg.PollInterval):
		}
	}
}

// Cycle runs one poll: approved tasks first, then the first eligible TODO
// task, then the relaunch check.
func (s *Scheduler) Cycle(ctx context.Context) error {
	approved, err := s.cfg.Tracker.ListTasksByStatus(ctx, tracker.StatusApproved)
	if err != nil {
		s.log.Warn("list approved tasks: %v", err)
	}
	for _, task := range approved {
		if ctx.Err() != nil {
			return nil
		}
		s.runTask(ctx, task)
	}

	if ctx.Err() == nil {
		todo, err := s.cfg.Tracker.ListTasksByStatus(ctx, tracker.StatusTodo)
		if err != nil {
			return fmt.Errorf("list todo tasks: %w", err)
		}
		if next, ok := s.nextEligible(ctx, todo); ok {
			s.runTask(ctx, next)
		}
	}

	if s.relaunchDue() && !s.processing.Load() {
		s.log.Info("Relaunching")
		if s.cfg.Syncer != nil {
			if err := s.cfg.Syncer.SyncBase(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("sync base before relaunch: %v", err)
			}
		}
		return ErrRelaunch
	}
	return nil
}

// nextEligible returns the first TODO task not yet attempted whose
// dependencies are all COMPLETED. todo must already be sorted.
func (s *Scheduler) nextEligible(ctx context.Context, todo []tracker.Task) (tracker.Task, bool) {
	s.mu.Lock()
	listed := make(map[string]bool, len(todo))
	for _, t := range todo {
		listed[t.ID] = true
	}
	// A task that left TODO has been seen by the tracker; forget it so it
	// is eligible again if someone moves it back.
	for id := range s.seen {
		if !listed[id] {
			delete(s.seen, id)
		}
	}
	s.mu.Unlock()

	for _, t := range todo {
		if s.wasSeen(t.ID) {
			s.log.Debug("%s: already attempted, skipping", t.ID)
			continue
		}
		ok, reason := s.depsResolved(ctx, t.ID)
		if !ok {
			s.log.Info("%s: waiting on dependencies (%s)", t.ID, reason)
			continue
		}
		return t, true
	}
	return tracker.Task{}, false
}

func (s *Scheduler) wasSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[id]
}

// depsResolved fails closed: a dependency whose status cannot be read
// blocks the task.
func (s *Scheduler) depsResolved(ctx context.Context, id string) (bool, string) {
	deps, err := s.cfg.Tracker.GetDependencies(ctx, id)
	if err != nil {
		return false, fmt.Sprintf("dependencies unknown: %v", err)
	}
	for _, d := range deps {
		dep, err := s.cfg.Tracker.GetTask(ctx, d.DependsOnID)
		if err != nil {
			return false, fmt.Sprintf("%s unknown: %v", d.DependsOnID, err)
		}
		if dep.Status != tracker.StatusCompleted {
			return false, fmt.Sprintf("%s is %s", d.DependsOnID, dep.Status)
		}
	}
	return true, ""
}

// runTask processes task unless another task is in flight.
func (s *Scheduler) runTask(ctx context.Context, task tracker.Task) {
	if !s.processing.CompareAndSwap(false, true) {
		s.log.Warn("%s: another task is in flight, skipping", task.ID)
		return
	}
	defer s.processing.Store(false)

	if task.Status == tracker.StatusTodo {
		s.mu.Lock()
		s.seen[task.ID] = true
		s.mu.Unlock()
	}

	res := s.process(context.WithoutCancel(ctx), task)
	if res.Merged {
		s.relaunch.Store(true)
	}
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

// process runs the processor with panic isolation and records the outcome.
func (s *Scheduler) process(ctx context.Context, task tracker.Task) lifecycle.Result {
	start := s.clock.Now()
	s.log.Info("Processing %s (%s): %s", task.ID, task.Status, task.Title)

	var res lifecycle.Result
	err := ierr.Recover(func() error {
		res = s.cfg.Processor.Process(ctx, task)
		return nil
	})
	if err != nil {
		var pe *ierr.PanicError
		if errors.As(err, &pe) {
			s.log.Error("%s panicked: %v\n%s", task.ID, pe.Value, pe.StackTrace)
		}
		res = lifecycle.Result{TaskID: task.ID, Final: task.Status, Category: ierr.CategoryOf(err), Err: err}
	}

	if res.Err != nil {
		s.log.Warn("%s finished as %s: %v", task.ID, res.Final, res.Err)
	} else {
		s.log.Info("%s finished as %s", task.ID, res.Final)
	}
	s.record(ctx, task, res, start)
	return res
}

func (s *Scheduler) record(ctx context.Context, task tracker.Task, res lifecycle.Result, start time.Time) {
	if s.cfg.Recorder == nil {
		return
	}
	rec := outcome.NewRecord(task.ID, start)
	rec.FinalStatus = res.Final
	rec.ErrorCategory = res.Category
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	rec.Duration = s.clock.Now().Sub(start)
	if err := s.cfg.Recorder.Append(ctx, rec); err != nil {
		s.log.Warn("record outcome for %s: %v", task.ID, err)
	}
}

func (s *Scheduler) relaunchDue() bool {
	if s.relaunch.Load() {
		return true
	}
	if s.cfg.RelaunchInterval <= 0 {
		return false
	}
	s.mu.Lock()
	idle := s.clock.Now().Sub(s.lastActivity)
	s.mu.Unlock()
	return idle >= s.cfg.RelaunchInterval
}

// RunOnce processes a single task by ID, bypassing the queue and the
// attempted-task filter. Unresolved dependencies only produce a warning.
func (s *Scheduler) RunOnce(ctx context.Context, id string) (lifecycle.Result, error) {
	task, err := s.cfg.Tracker.GetTask(ctx, id)
	if err != nil {
		return lifecycle.Result{}, fmt.Errorf("get task %s: %w", id, err)
	}
	if ok, reason := s.depsResolved(ctx, id); !ok {
		s.log.Warn("%s: proceeding despite dependencies (%s)", id, reason)
	}
	if !s.processing.CompareAndSwap(false, true) {
		return lifecycle.Result{}, fmt.Errorf("task in flight")
	}
	defer s.processing.Store(false)
	return s.process(ctx, *task), nil
}

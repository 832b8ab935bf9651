package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mark3labs/taskrelay/internal/agent"
	"github.com/mark3labs/taskrelay/internal/branch"
	"github.com/mark3labs/taskrelay/internal/config"
	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/mark3labs/taskrelay/internal/git"
	"github.com/mark3labs/taskrelay/internal/github"
	"github.com/mark3labs/taskrelay/internal/hooks"
	"github.com/mark3labs/taskrelay/internal/lifecycle"
	"github.com/mark3labs/taskrelay/internal/lock"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/nats"
	"github.com/mark3labs/taskrelay/internal/outcome"
	"github.com/mark3labs/taskrelay/internal/preflight"
	"github.com/mark3labs/taskrelay/internal/recovery"
	"github.com/mark3labs/taskrelay/internal/scheduler"
	"github.com/mark3labs/taskrelay/internal/sequencer"
	"github.com/mark3labs/taskrelay/internal/template"
	"github.com/mark3labs/taskrelay/internal/tracker"
	"github.com/mark3labs/taskrelay/internal/tracker/clickup"
)

// Config holds configuration for the orchestrator. Every port left nil is
// built from App.
type Config struct {
	App *config.Config

	Git      git.Port
	GitHub   github.Port
	Tracker  tracker.Tracker
	Worker   agent.Worker
	Recorder outcome.Recorder // overrides the JetStream store
	Clock    scheduler.Clock
	Checker  lock.ProcessChecker
	LookPath func(file string) (string, error)

	// NoOutcomes skips the embedded NATS server entirely.
	NoOutcomes bool
}

// Orchestrator wires the guard, the ports, recovery and the poll loop.
type Orchestrator struct {
	cfg Config
	app *config.Config

	guard    *lock.Guard
	embedded *nats.Embedded // nil when outcomes are off or failed to start
	recorder outcome.Recorder

	seq      *sequencer.Sequencer
	machine  *lifecycle.Machine
	recovery *recovery.Recovery

	// mu guards sched and the flags below. Processing is read from the
	// signal handler while Start may still be running.
	mu      sync.Mutex
	sched   *scheduler.Scheduler
	locked  bool
	stopped bool
}

// New creates a new Orchestrator with the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("orchestrator: missing config")
	}
	app := *cfg.App
	if app.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		app.WorkDir = wd
	}

	var opts []lock.Option
	if cfg.Checker != nil {
		opts = append(opts, lock.WithProcessChecker(cfg.Checker))
	}
	return &Orchestrator{
		cfg:   cfg,
		app:   &app,
		guard: lock.New(app.LockPath(), opts...),
	}, nil
}

// Guard returns the concurrency guard.
func (o *Orchestrator) Guard() *lock.Guard { return o.guard }

// Start takes the lock, checks the environment and builds every component.
// On error nothing is left running and the lock is released.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	logger.Info("Starting taskrelay in %s", o.app.WorkDir)
	defer func() {
		if err != nil {
			_ = o.Stop()
		}
	}()

	// 1. Concurrency guard
	ok, err := o.guard.Acquire()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ierr.ErrLockHeld
	}
	o.mu.Lock()
	o.locked = true
	o.mu.Unlock()

	// 2. Ports
	var gitErr error
	if o.cfg.Git == nil {
		cli, err := git.NewCLI(ctx, o.app.WorkDir, o.app.GitTimeout)
		if err != nil {
			gitErr = err
		} else {
			o.cfg.Git = cli
		}
	}

	// 3. Preflight
	logger.Debug("Running preflight checks")
	checks := preflight.Run(ctx, preflight.Env{
		Config:   o.app,
		Git:      o.cfg.Git,
		GitErr:   gitErr,
		LookPath: o.lookPath(),
	})
	for _, c := range checks {
		if c.Level != preflight.LevelOK {
			logger.Warn("preflight %s: %s", c.Name, c.Detail)
		}
	}
	if err := preflight.Err(checks); err != nil {
		return err
	}

	root := o.cfg.Git.Root()
	if o.cfg.GitHub == nil {
		o.cfg.GitHub = github.NewCLI(root, o.app.GitTimeout)
	}
	if o.cfg.Tracker == nil {
		o.cfg.Tracker = clickup.New(clickup.Options{
			Token:    o.app.ClickUp.Token,
			ListID:   o.app.ClickUp.ListID,
			BaseURL:  o.app.ClickUp.BaseURL,
			Statuses: StatusNames(o.app.ClickUp.Statuses),
		})
	}
	if o.cfg.Worker == nil {
		o.cfg.Worker = agent.NewClaudeWorker(agent.ClaudeConfig{
			Command: o.app.WorkerCommand,
			Model:   o.app.Model,
			WorkDir: root,
			Timeout: o.app.WorkerTimeout,
		})
	}

	// 4. Outcome store
	o.recorder = o.cfg.Recorder
	if o.recorder == nil && !o.cfg.NoOutcomes {
		o.startOutcomes(ctx)
	}

	// 5. Hooks are optional; a broken file only loses the hooks.
	hookCfg, err := hooks.LoadConfig(root, o.app.HooksFile)
	if err != nil {
		logger.Warn("Hooks disabled: %v", err)
		hookCfg = nil
	}

	// 6. Pipeline
	o.seq = sequencer.New(sequencer.Options{
		Git:         o.cfg.Git,
		GitHub:      o.cfg.GitHub,
		Worker:      o.cfg.Worker,
		Namer:       branch.NewNamer(o.app.BranchPrefix, o.app.BranchTag),
		Prompts:     template.Builder{Dir: o.app.TemplatesDir()},
		Hooks:       hookCfg,
		Base:        o.app.BaseBranch,
		Remote:      o.app.Remote,
		PushRetries: o.app.PushRetries,
		PushBackoff: o.app.PushBackoff,
	})
	o.machine = lifecycle.New(o.cfg.Tracker, o.seq, lifecycle.DefaultConfig(o.app.AutoApprove))
	o.recovery = recovery.New(o.cfg.Tracker, o.seq, o.machine)
	sched := scheduler.New(scheduler.Config{
		Tracker:          o.cfg.Tracker,
		Processor:        o.machine,
		Syncer:           o.seq,
		Recorder:         o.recorder,
		Clock:            o.cfg.Clock,
		PollInterval:     o.app.PollInterval,
		RelaunchInterval: o.app.RelaunchInterval,
	})
	o.mu.Lock()
	o.sched = sched
	o.mu.Unlock()

	logger.Info("taskrelay started (base %s/%s, auto-approve %v)", o.app.Remote, o.app.BaseBranch, o.app.AutoApprove)
	return nil
}

func (o *Orchestrator) lookPath() func(string) (string, error) {
	if o.cfg.LookPath != nil {
		return o.cfg.LookPath
	}
	return nil
}

// startOutcomes starts the embedded NATS server. Outcomes are observability,
// so a failure here is logged and the run continues without them.
func (o *Orchestrator) startOutcomes(ctx context.Context) {
	logger.Debug("Starting outcome store")
	embedded, err := nats.Start(o.app.NATSDir())
	if err != nil {
		logger.Warn("Outcome store disabled: %v", err)
		return
	}
	store, err := outcome.NewStore(ctx, embedded.JS)
	if err != nil {
		logger.Warn("Outcome store disabled: %v", err)
		_ = embedded.Close()
		return
	}
	o.embedded = embedded
	o.recorder = store
}

// Run recovers interrupted tasks, then polls until ctx is cancelled or a
// relaunch is due (scheduler.ErrRelaunch).
func (o *Orchestrator) Run(ctx context.Context) error {
	sched := o.scheduler()
	if sched == nil {
		return fmt.Errorf("orchestrator not started")
	}
	rep, err := o.recovery.Run(ctx)
	if err != nil {
		return err
	}
	if rep.Total() > 0 {
		logger.Info("Recovery: %s", rep)
	}

	err = ierr.Recover(func() error { return sched.Run(ctx) })
	if err != nil && !errors.Is(err, scheduler.ErrRelaunch) {
		logger.Error("Poll loop stopped: %v", err)
	}
	return err
}

// RunTask processes one task by ID with the same machinery as the loop.
func (o *Orchestrator) RunTask(ctx context.Context, id string) (lifecycle.Result, error) {
	sched := o.scheduler()
	if sched == nil {
		return lifecycle.Result{}, fmt.Errorf("orchestrator not started")
	}
	return sched.RunOnce(ctx, id)
}

// Processing reports whether a task is in flight. It is safe to call from
// any goroutine, before or during Start.
func (o *Orchestrator) Processing() bool {
	sched := o.scheduler()
	return sched != nil && sched.Processing()
}

func (o *Orchestrator) scheduler() *scheduler.Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sched
}

// ReleaseLock drops the guard without stopping anything else. It is the
// forced-exit path.
func (o *Orchestrator) ReleaseLock() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.locked {
		return nil
	}
	o.locked = false
	return o.guard.Release()
}

// Stop gracefully shuts down all components. It is safe to call more than once.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		logger.Debug("Stop() already called, skipping")
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	logger.Info("Stopping taskrelay")
	multiErr := &ierr.MultiError{}

	if o.seq != nil {
		o.seq.ReturnToBase(context.Background())
	}

	if o.embedded != nil {
		logger.Debug("Shutting down outcome store")
		if err := o.embedded.Close(); err != nil {
			logger.Error("NATS shutdown failed: %v", err)
			multiErr.Append(fmt.Errorf("NATS shutdown failed: %w", err))
		}
		o.embedded = nil
	}

	if err := o.ReleaseLock(); err != nil {
		logger.Error("Lock release failed: %v", err)
		multiErr.Append(fmt.Errorf("lock release failed: %w", err))
	}

	logger.Info("taskrelay stopped")
	return multiErr.ErrorOrNil()
}

// StatusNames converts configured status names to the tracker mapping.
func StatusNames(s config.Statuses) map[tracker.Status]string {
	names := map[tracker.Status]string{
		tracker.StatusTodo:         s.Todo,
		tracker.StatusInProgress:   s.InProgress,
		tracker.StatusInReview:     s.InReview,
		tracker.StatusApproved:     s.Approved,
		tracker.StatusRequireInput: s.RequireInput,
		tracker.StatusBlocked:      s.Blocked,
		tracker.StatusCompleted:    s.Completed,
	}
	defaults := clickup.DefaultStatuses()
	for st, name := range names {
		if name == "" {
			names[st] = defaults[st]
		}
	}
	return names
}

// Package lock implements the single-instance guard: a PID file that keeps a
// second taskrelay process from driving the same working directory.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/taskrelay/internal/logger"
)

// Info is the content of the lock file.
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// State describes what Inspect found on disk.
type State string

const (
	StateAbsent State = "absent"
	StateHeld   State = "held"
	StateStale  State = "stale"
	StateOwned  State = "owned" // held by this process
)

// Status is the result of inspecting the lock file.
type Status struct {
	State  State
	Info   *Info  // nil when absent or unparseable
	Reason string // why a lock was judged stale
}

// ProcessChecker answers liveness and identity questions about a PID.
type ProcessChecker interface {
	Alive(pid int) bool
	// BelongsToUs reports whether pid plausibly runs this tool. Returning
	// true when the platform cannot tell is correct: identity is best effort.
	BelongsToUs(pid int) bool
}

// Guard owns the lock file at Path for the current process.
type Guard struct {
	path    string
	pid     int
	checker ProcessChecker
	now     func() time.Time
}

// Option customizes a Guard.
type Option func(*Guard)

// WithProcessChecker replaces the OS process checker (tests).
func WithProcessChecker(c ProcessChecker) Option {
	return func(g *Guard) { g.checker = c }
}

// WithPID overrides the PID recorded as owner (tests simulating two processes).
func WithPID(pid int) Option {
	return func(g *Guard) { g.pid = pid }
}

// New creates a guard for the lock file at path.
func New(path string, opts ...Option) *Guard {
	g := &Guard{
		path:    path,
		pid:     os.Getpid(),
		checker: OSProcessChecker{Name: "taskrelay"},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Path returns the lock file path.
func (g *Guard) Path() string { return g.path }

// Acquire takes the lock. It returns false without error when another live
// taskrelay process owns it; a stale lock is silently overwritten.
func (g *Guard) Acquire() (bool, error) {
	status, err := g.Inspect()
	if err != nil {
		return false, err
	}

	switch status.State {
	case StateHeld:
		logger.Warn("Lock %s held by pid %d since %s", g.path, status.Info.PID, status.Info.StartedAt.Format(time.RFC3339))
		return false, nil
	case StateStale:
		logger.Info("Reclaiming stale lock %s: %s", g.path, status.Reason)
	case StateOwned:
		return true, nil
	}

	if err := g.write(); err != nil {
		return false, err
	}

	// Two processes can both see a stale lock and race to write. Whoever's
	// rename landed last wins; re-read to find out if that was us.
	got, err := g.read()
	if err != nil {
		return false, err
	}
	if got.PID != g.pid {
		logger.Warn("Lost lock race to pid %d", got.PID)
		return false, nil
	}
	logger.Debug("Acquired lock %s (pid %d)", g.path, g.pid)
	return true, nil
}

// Release removes the lock file if it still names this process.
func (g *Guard) Release() error {
	info, err := g.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Unparseable content is not ours to delete.
		logger.Warn("Not releasing unreadable lock %s: %v", g.path, err)
		return nil
	}
	if info.PID != g.pid {
		logger.Warn("Lock %s now names pid %d, leaving it in place", g.path, info.PID)
		return nil
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	logger.Debug("Released lock %s", g.path)
	return nil
}

// Inspect classifies the lock file without modifying it.
func (g *Guard) Inspect() (Status, error) {
	info, err := g.read()
	if err != nil {
		if os.IsNotExist(err) {
			return Status{State: StateAbsent}, nil
		}
		var syntaxErr *parseError
		if errors.As(err, &syntaxErr) {
			return Status{State: StateStale, Reason: syntaxErr.Error()}, nil
		}
		return Status{}, fmt.Errorf("read lock: %w", err)
	}

	if info.PID == g.pid {
		return Status{State: StateOwned, Info: info}, nil
	}
	if info.PID <= 0 || !g.checker.Alive(info.PID) {
		return Status{State: StateStale, Info: info, Reason: fmt.Sprintf("pid %d is not running", info.PID)}, nil
	}
	if !g.checker.BelongsToUs(info.PID) {
		return Status{State: StateStale, Info: info, Reason: fmt.Sprintf("pid %d is not a taskrelay process", info.PID)}, nil
	}
	return Status{State: StateHeld, Info: info}, nil
}

// CleanStale removes the lock file if Inspect judges it stale. It is the
// diagnostic path used by `taskrelay doctor --fix` and shares Acquire's test.
func (g *Guard) CleanStale() (bool, error) {
	status, err := g.Inspect()
	if err != nil {
		return false, err
	}
	if status.State != StateStale {
		return false, nil
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove stale lock: %w", err)
	}
	logger.Info("Removed stale lock %s: %s", g.path, status.Reason)
	return true, nil
}

type parseError struct{ err error }

func (e *parseError) Error() string { return fmt.Sprintf("corrupt lock file: %v", e.err) }

func (g *Guard) read() (*Info, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &parseError{err: err}
	}
	return &info, nil
}

func (g *Guard) write() error {
	data, err := json.MarshalIndent(Info{PID: g.pid, StartedAt: g.now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	return atomicWrite(g.path, append(data, '\n'))
}

// atomicWrite writes to a temp file in the target directory and renames it
// into place so readers never observe a half-written lock.
func atomicWrite(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp lock: %w", err)
	}
	tmpName := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp lock: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp lock: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp lock: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename lock: %w", err)
	}
	return nil
}

// OSProcessChecker checks real processes. Name is matched against the
// process command line on Linux.
type OSProcessChecker struct {
	Name string
}

// Alive uses signal 0, which tests for existence without delivering anything.
func (c OSProcessChecker) Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

// BelongsToUs reads /proc/<pid>/cmdline on Linux. Other platforms have no
// cheap equivalent, so they fall back to liveness alone.
func (c OSProcessChecker) BelongsToUs(pid int) bool {
	if runtime.GOOS != "linux" || c.Name == "" {
		return true
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return true
	}
	cmdline := strings.ReplaceAll(string(data), "\x00", " ")
	return strings.Contains(cmdline, c.Name)
}

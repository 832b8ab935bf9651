// Package errors defines the error taxonomy used across taskrelay.
//
// Fatal errors (ErrLockHeld, ConfigError) abort a run before any task is touched.
// TaskError carries a category and is caught at the task boundary, where it is
// reported on the tracker and the task is moved to BLOCKED.
package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// ErrLockHeld is returned when another live taskrelay process owns the lock.
var ErrLockHeld = errors.New("another taskrelay instance holds the lock")

// Category classifies a per-task failure for comments and outcome records.
type Category string

const (
	CategoryNone     Category = ""
	CategoryWorker   Category = "worker"
	CategoryConflict Category = "conflict"
	CategoryPush     Category = "push"
	CategoryPRState  Category = "pr_state"
	CategoryGit      Category = "git"
	CategoryTracker  Category = "tracker"
	CategoryRecovery Category = "recovery"
	CategoryPanic    Category = "panic"
)

// ConfigError reports an environment or configuration problem found before polling.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError for field.
func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

// TaskError is a recoverable failure scoped to a single task attempt.
type TaskError struct {
	Category Category
	Op       string
	Err      error
}

func (e *TaskError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Category, e.Op, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError wraps err with a category and the operation that failed.
func NewTaskError(category Category, op string, err error) *TaskError {
	return &TaskError{Category: category, Op: op, Err: err}
}

// CategoryOf returns the category of the first TaskError in err's chain.
// Errors without a TaskError are reported as git failures, since every
// uncategorised failure in the sequencer comes from a subprocess.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Category
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return CategoryPanic
	}
	return CategoryGit
}

// TransientError marks an error that is safe to retry (rate limits, 5xx, remote locks).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v (transient)", e.Err)
	}
	return fmt.Sprintf("%s: %v (transient)", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient.
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PanicError is produced by Recover when the wrapped function panics.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover runs fn and converts a panic into a *PanicError.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	return fn()
}

// MultiError collects several errors, e.g. during shutdown.
type MultiError struct {
	Errors []error
}

// Append adds a non-nil error.
func (m *MultiError) Append(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

func (m *MultiError) Error() string {
	msgs := make([]string, 0, len(m.Errors))
	for _, err := range m.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(m.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is / errors.As.
func (m *MultiError) Unwrap() []error { return m.Errors }

// ErrorOrNil returns nil when nothing was collected.
func (m *MultiError) ErrorOrNil() error {
	if m == nil || len(m.Errors) == 0 {
		return nil
	}
	return m
}

// Is, As and New re-export the standard helpers so callers importing this
// package as ierr don't need both imports.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

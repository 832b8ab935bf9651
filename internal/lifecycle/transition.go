// Package lifecycle drives a task through its tracker statuses: pick-up, work,
// review, approval and merge.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mark3labs/taskrelay/internal/github"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

// ErrIllegalTransition is returned for an event the current status does not
// accept.
var ErrIllegalTransition = errors.New("illegal status transition")

// Event is something that happened to a task.
type Event string

const (
	EventPickedUp       Event = "picked_up"
	EventNeedsInput     Event = "needs_input"
	EventWorkerError    Event = "worker_error"
	EventPartialWork    Event = "worker_error_partial"
	EventNoDiff         Event = "no_diff"
	EventReadyForReview Event = "ready_for_review"
	EventAutoMerged     Event = "auto_merged"
	EventMerged         Event = "merged"
	EventAlreadyMerged  Event = "already_merged"
	EventPRMissing      Event = "pr_missing"
	EventConflictFailed Event = "conflict_unresolved"
	EventFailed         Event = "failed"
	EventRequeued       Event = "requeued"
	EventRecovered      Event = "recovered"
)

type edge struct {
	from  tracker.Status
	event Event
}

var transitions = map[edge]tracker.Status{
	{tracker.StatusTodo, EventPickedUp}:             tracker.StatusInProgress,
	{tracker.StatusInProgress, EventNeedsInput}:     tracker.StatusRequireInput,
	{tracker.StatusInProgress, EventWorkerError}:    tracker.StatusBlocked,
	{tracker.StatusInProgress, EventPartialWork}:    tracker.StatusBlocked,
	{tracker.StatusInProgress, EventNoDiff}:         tracker.StatusRequireInput,
	{tracker.StatusInProgress, EventReadyForReview}: tracker.StatusInReview,
	{tracker.StatusInProgress, EventAutoMerged}:     tracker.StatusCompleted,
	{tracker.StatusInProgress, EventFailed}:         tracker.StatusBlocked,
	{tracker.StatusInProgress, EventRequeued}:       tracker.StatusTodo,
	{tracker.StatusInProgress, EventRecovered}:      tracker.StatusInReview,
	{tracker.StatusApproved, EventMerged}:           tracker.StatusCompleted,
	{tracker.StatusApproved, EventAlreadyMerged}:    tracker.StatusCompleted,
	{tracker.StatusApproved, EventPRMissing}:        tracker.StatusBlocked,
	{tracker.StatusApproved, EventConflictFailed}:   tracker.StatusBlocked,
	{tracker.StatusApproved, EventFailed}:           tracker.StatusBlocked,
	{tracker.StatusTodo, EventFailed}:               tracker.StatusBlocked,
}

// Transition returns the status a task in from moves to on event.
func Transition(from tracker.Status, event Event) (tracker.Status, error) {
	to, ok := transitions[edge{from, event}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, from, event)
	}
	return to, nil
}

// Classify returns the pull request URL linked from comments and whether
// the task is therefore returning from review. It is recomputed on every
// pick-up rather than stored.
func Classify(comments []tracker.Comment) (prURL string, returning bool) {
	prURL = github.ExtractURL(tracker.CommentTexts(comments)...)
	return prURL, prURL != ""
}

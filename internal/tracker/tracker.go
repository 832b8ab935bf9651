// Package tracker defines the task tracker port: the data the relay reads
// from the tracker and the writes it makes back.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is a lifecycle status as the relay understands it. Tracker
// implementations map their own status names onto these.
type Status string

const (
	StatusTodo         Status = "TODO"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusInReview     Status = "IN_REVIEW"
	StatusApproved     Status = "APPROVED"
	StatusRequireInput Status = "REQUIRE_INPUT"
	StatusBlocked      Status = "BLOCKED"
	StatusCompleted    Status = "COMPLETED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusTodo,
	StatusInProgress,
	StatusInReview,
	StatusApproved,
	StatusRequireInput,
	StatusBlocked,
	StatusCompleted,
}

// ParseStatus accepts a status in any case, with spaces or underscores.
func ParseStatus(s string) (Status, error) {
	norm := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")))
	for _, st := range AllStatuses {
		if st == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Task is a unit of work owned by the tracker.
type Task struct {
	ID          string
	Title       string
	Description string
	Priority    *int // lower is more urgent; nil sorts last
	CreatedAt   time.Time
	Status      Status
	URL         string
}

// Comment is a tracker comment. Comments are append-only.
type Comment struct {
	ID        string
	Text      string
	Author    string
	CreatedAt time.Time
}

// Dependency says the owning task waits on DependsOnID.
type Dependency struct {
	DependsOnID string
}

// Tracker is the task tracker port.
type Tracker interface {
	// ListTasksByStatus returns tasks sorted by priority then creation time.
	ListTasksByStatus(ctx context.Context, status Status) ([]Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	// GetComments returns comments oldest first.
	GetComments(ctx context.Context, id string) ([]Comment, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	AddComment(ctx context.Context, id, text string) error
	GetDependencies(ctx context.Context, id string) ([]Dependency, error)
}

// SortTasks orders tasks by priority ascending (nil last), then by creation
// time ascending, then by ID for a stable result.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch {
		case a.Priority != nil && b.Priority == nil:
			return true
		case a.Priority == nil && b.Priority != nil:
			return false
		case a.Priority != nil && b.Priority != nil && *a.Priority != *b.Priority:
			return *a.Priority < *b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// CommentTexts returns the text of each comment in order.
func CommentTexts(comments []Comment) []string {
	texts := make([]string, len(comments))
	for i, c := range comments {
		texts[i] = c.Text
	}
	return texts
}

package testfixtures

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/taskrelay/internal/tracker"
)

// MockTracker is an in-memory tracker.Tracker.
type MockTracker struct {
	mu sync.Mutex

	Tasks        map[string]*tracker.Task
	Comments     map[string][]tracker.Comment
	Dependencies map[string][]tracker.Dependency
	// History records every status written, per task.
	History map[string][]tracker.Status

	ListError    error
	GetErrors    map[string]error
	DepsErrors   map[string]error
	UpdateError  error
	CommentError error

	ListCalls int

	clock time.Time
}

var _ tracker.Tracker = (*MockTracker)(nil)

// NewMockTracker returns an empty tracker.
func NewMockTracker() *MockTracker {
	return &MockTracker{
		Tasks:        map[string]*tracker.Task{},
		Comments:     map[string][]tracker.Comment{},
		Dependencies: map[string][]tracker.Dependency{},
		History:      map[string][]tracker.Status{},
		GetErrors:    map[string]error{},
		DepsErrors:   map[string]error{},
		clock:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Add stores a task. A zero CreatedAt is filled in so insertion order is
// also creation order.
func (m *MockTracker) Add(task tracker.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.tick()
	}
	if task.Status == "" {
		task.Status = tracker.StatusTodo
	}
	m.Tasks[task.ID] = &task
}

// DependsOn records that id waits on other.
func (m *MockTracker) DependsOn(id, other string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dependencies[id] = append(m.Dependencies[id], tracker.Dependency{DependsOnID: other})
}

func (m *MockTracker) tick() time.Time {
	m.clock = m.clock.Add(time.Minute)
	return m.clock
}

func (m *MockTracker) ListTasksByStatus(ctx context.Context, status tracker.Status) ([]tracker.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if m.ListError != nil {
		return nil, m.ListError
	}
	var out []tracker.Task
	for _, t := range m.Tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	tracker.SortTasks(out)
	return out, nil
}

func (m *MockTracker) GetTask(ctx context.Context, id string) (*tracker.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.GetErrors[id]; err != nil {
		return nil, err
	}
	t, ok := m.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	out := *t
	return &out, nil
}

func (m *MockTracker) GetComments(ctx context.Context, id string) ([]tracker.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tracker.Comment(nil), m.Comments[id]...), nil
}

func (m *MockTracker) UpdateStatus(ctx context.Context, id string, status tracker.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateError != nil {
		return m.UpdateError
	}
	t, ok := m.Tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	t.Status = status
	m.History[id] = append(m.History[id], status)
	return nil
}

func (m *MockTracker) AddComment(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommentError != nil {
		return m.CommentError
	}
	c := tracker.Comment{
		ID:        fmt.Sprintf("c%d", len(m.Comments[id])+1),
		Text:      text,
		Author:    "taskrelay",
		CreatedAt: m.tick(),
	}
	m.Comments[id] = append(m.Comments[id], c)
	return nil
}

// Say adds a comment from a human author.
func (m *MockTracker) Say(id, author, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Comments[id] = append(m.Comments[id], tracker.Comment{
		ID:        fmt.Sprintf("c%d", len(m.Comments[id])+1),
		Text:      text,
		Author:    author,
		CreatedAt: m.tick(),
	})
}

func (m *MockTracker) GetDependencies(ctx context.Context, id string) ([]tracker.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.DepsErrors[id]; err != nil {
		return nil, err
	}
	return append([]tracker.Dependency(nil), m.Dependencies[id]...), nil
}

// Status returns the current status of id.
func (m *MockTracker) Status(id string) tracker.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Tasks[id]; ok {
		return t.Status
	}
	return ""
}

// SetStatus changes a status without recording it in History.
func (m *MockTracker) SetStatus(id string, status tracker.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Tasks[id]; ok {
		t.Status = status
	}
}

// CommentTexts returns the text of every comment on id.
func (m *MockTracker) CommentTexts(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tracker.CommentTexts(m.Comments[id])
}

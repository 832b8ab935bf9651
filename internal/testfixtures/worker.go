package testfixtures

import (
	"context"
	"sync"

	"github.com/mark3labs/taskrelay/internal/agent"
	"github.com/mark3labs/taskrelay/internal/outcome"
)

// MockWorker is an agent.Worker that returns queued results in order. The
// last result repeats once the queue is exhausted.
type MockWorker struct {
	mu sync.Mutex

	Results []agent.Result
	// OnRun is called before a result is returned, with the 1-based call
	// number. Use it to simulate edits through MockGit.
	OnRun func(call int, prompt string)

	Prompts []string
}

var _ agent.Worker = (*MockWorker)(nil)

// NewMockWorker queues results.
func NewMockWorker(results ...agent.Result) *MockWorker {
	return &MockWorker{Results: results}
}

func (m *MockWorker) Run(ctx context.Context, prompt string) (agent.Result, error) {
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	call := len(m.Prompts)
	var res agent.Result
	switch {
	case len(m.Results) == 0:
		res = agent.Result{Outcome: agent.OutcomeSuccess}
	case call <= len(m.Results):
		res = m.Results[call-1]
	default:
		res = m.Results[len(m.Results)-1]
	}
	onRun := m.OnRun
	m.mu.Unlock()

	if onRun != nil {
		onRun(call, prompt)
	}
	if err := ctx.Err(); err != nil {
		return agent.Result{Outcome: agent.OutcomeError, Err: err}, err
	}
	return res, nil
}

// Calls returns how many times Run was called.
func (m *MockWorker) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}

// LastPrompt returns the most recent prompt, or "".
func (m *MockWorker) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Prompts) == 0 {
		return ""
	}
	return m.Prompts[len(m.Prompts)-1]
}

// MockRecorder collects outcome records.
type MockRecorder struct {
	mu      sync.Mutex
	Records []outcome.Record
	Err     error
}

var _ outcome.Recorder = (*MockRecorder)(nil)

func (m *MockRecorder) Append(ctx context.Context, rec outcome.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Records = append(m.Records, rec)
	return nil
}

// GetRecords returns a copy of the collected records.
func (m *MockRecorder) GetRecords() []outcome.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outcome.Record(nil), m.Records...)
}

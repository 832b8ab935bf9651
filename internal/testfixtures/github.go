package testfixtures

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/taskrelay/internal/github"
)

// MockGitHub is an in-memory github.Port. URLs look like
// https://github.com/acme/app/pull/<n>.
type MockGitHub struct {
	mu sync.Mutex

	PRs map[string]*github.PR
	// MergeableSeq overrides mergeability per URL, one entry per View; the
	// last entry repeats.
	MergeableSeq map[string][]github.Mergeability

	ReviewsByURL map[string][]github.Review
	InlineByURL  map[string][]github.ReviewComment

	CreateError error
	ViewError   error
	MergeError  error

	CreateCalls int
	MergeCalls  int
	CloseCalls  int
	ReadyCalls  int
	EditCalls   int
	ViewCalls   int

	next int
}

var _ github.Port = (*MockGitHub)(nil)

// NewMockGitHub returns a host with no pull requests.
func NewMockGitHub() *MockGitHub {
	return &MockGitHub{
		PRs:          map[string]*github.PR{},
		MergeableSeq: map[string][]github.Mergeability{},
		ReviewsByURL: map[string][]github.Review{},
		InlineByURL:  map[string][]github.ReviewComment{},
	}
}

// Add registers an existing pull request and returns its URL.
func (m *MockGitHub) Add(head string, state github.State, mergeable github.Mergeability) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(head, state, mergeable, false)
}

func (m *MockGitHub) add(head string, state github.State, mergeable github.Mergeability, draft bool) string {
	m.next++
	url := fmt.Sprintf("https://github.com/acme/app/pull/%d", m.next)
	m.PRs[url] = &github.PR{
		URL:        url,
		Number:     m.next,
		State:      state,
		Mergeable:  mergeable,
		HeadBranch: head,
		IsDraft:    draft,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, m.next, 0, time.UTC),
	}
	return url
}

// Create fails when an open pull request already exists for the head branch.
func (m *MockGitHub) Create(ctx context.Context, opts github.CreateOpts) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.CreateError != nil {
		return "", m.CreateError
	}
	for _, pr := range m.PRs {
		if pr.HeadBranch == opts.Head && pr.State == github.StateOpen {
			return "", fmt.Errorf("a pull request for branch %q already exists", opts.Head)
		}
	}
	url := m.add(opts.Head, github.StateOpen, github.Mergeable, opts.Draft)
	m.PRs[url].Body = opts.Body
	return url, nil
}

func (m *MockGitHub) View(ctx context.Context, ref string) (*github.PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ViewCalls++
	if m.ViewError != nil {
		return nil, m.ViewError
	}
	pr, ok := m.PRs[ref]
	if !ok {
		return nil, fmt.Errorf("no pull requests found for %s", ref)
	}
	if seq := m.MergeableSeq[ref]; len(seq) > 0 {
		pr.Mergeable = seq[0]
		if len(seq) > 1 {
			m.MergeableSeq[ref] = seq[1:]
		}
	}
	out := *pr
	return &out, nil
}

func (m *MockGitHub) EditBody(ctx context.Context, url, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EditCalls++
	pr, ok := m.PRs[url]
	if !ok {
		return fmt.Errorf("no pull request %s", url)
	}
	pr.Body = body
	return nil
}

func (m *MockGitHub) Ready(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadyCalls++
	pr, ok := m.PRs[url]
	if !ok {
		return fmt.Errorf("no pull request %s", url)
	}
	pr.IsDraft = false
	return nil
}

func (m *MockGitHub) Merge(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MergeCalls++
	if m.MergeError != nil {
		return m.MergeError
	}
	pr, ok := m.PRs[url]
	if !ok || pr.State != github.StateOpen {
		return fmt.Errorf("pull request %s is not open", url)
	}
	pr.State = github.StateMerged
	return nil
}

func (m *MockGitHub) Close(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	pr, ok := m.PRs[url]
	if !ok {
		return fmt.Errorf("no pull request %s", url)
	}
	pr.State = github.StateClosed
	return nil
}

func (m *MockGitHub) ListByHead(ctx context.Context, branch string) ([]github.PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []github.PR
	for _, pr := range m.PRs {
		if pr.HeadBranch == branch && pr.State == github.StateOpen {
			out = append(out, *pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MockGitHub) Reviews(ctx context.Context, url string) ([]github.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReviewsByURL[url], nil
}

func (m *MockGitHub) InlineComments(ctx context.Context, url string) ([]github.ReviewComment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InlineByURL[url], nil
}

// Get returns a copy of the pull request at url.
func (m *MockGitHub) Get(url string) (github.PR, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.PRs[url]
	if !ok {
		return github.PR{}, false
	}
	return *pr, true
}

// OpenCount counts open pull requests.
func (m *MockGitHub) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, pr := range m.PRs {
		if pr.State == github.StateOpen {
			n++
		}
	}
	return n
}

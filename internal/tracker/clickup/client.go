// Package clickup implements tracker.Tracker against the ClickUp REST API v2.
package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

const (
	DefaultBaseURL = "https://api.clickup.com/api/v2"
	defaultRetries = 3
	defaultBackoff = time.Second
)

// Options configures a Client.
type Options struct {
	Token    string
	ListID   string
	BaseURL  string
	Statuses map[tracker.Status]string // lifecycle status -> ClickUp status name

	HTTPClient *http.Client
	// Limiter throttles requests. ClickUp allows 100 requests per minute on
	// most plans.
	Limiter    *rate.Limiter
	MaxRetries int
	Backoff    time.Duration
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client talks to one ClickUp list.
type Client struct {
	opts    Options
	reverse map[string]tracker.Status
	log     logger.Scoped
}

var _ tracker.Tracker = (*Client)(nil)

// New returns a Client. Missing options fall back to defaults.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Every(600*time.Millisecond), 5)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultRetries
	}
	if opts.Backoff == 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Statuses == nil {
		opts.Statuses = DefaultStatuses()
	}

	reverse := make(map[string]tracker.Status, len(opts.Statuses))
	for st, name := range opts.Statuses {
		reverse[strings.ToLower(name)] = st
	}

	return &Client{opts: opts, reverse: reverse, log: logger.For("clickup")}
}

// DefaultStatuses returns the lowercase, space-separated ClickUp names.
func DefaultStatuses() map[tracker.Status]string {
	m := make(map[tracker.Status]string, len(tracker.AllStatuses))
	for _, st := range tracker.AllStatuses {
		m[st] = strings.ToLower(strings.ReplaceAll(string(st), "_", " "))
	}
	m[tracker.StatusTodo] = "to do"
	return m
}

// apiTask mirrors the task fields read from ClickUp.
type apiTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TextContent string `json:"text_content"`
	Description string `json:"description"`
	DateCreated string `json:"date_created"` // unix millis as a string
	URL         string `json:"url"`
	Status      struct {
		Status string `json:"status"`
	} `json:"status"`
	Priority *struct {
		ID string `json:"id"`
	} `json:"priority"`
	Dependencies []struct {
		TaskID    string `json:"task_id"`
		DependsOn string `json:"depends_on"`
	} `json:"dependencies"`
}

type apiComment struct {
	ID          string `json:"id"`
	CommentText string `json:"comment_text"`
	Date        string `json:"date"`
	User        struct {
		Username string `json:"username"`
	} `json:"user"`
}

func (c *Client) toTask(a apiTask) tracker.Task {
	t := tracker.Task{
		ID:          a.ID,
		Title:       a.Name,
		Description: a.TextContent,
		CreatedAt:   parseMillis(a.DateCreated),
		Status:      c.reverse[strings.ToLower(a.Status.Status)],
		URL:         a.URL,
	}
	if t.Description == "" {
		t.Description = a.Description
	}
	if a.Priority != nil {
		if p, err := strconv.Atoi(a.Priority.ID); err == nil {
			t.Priority = &p
		}
	}
	return t
}

// ListTasksByStatus pages through the list, filtering on the mapped status.
func (c *Client) ListTasksByStatus(ctx context.Context, status tracker.Status) ([]tracker.Task, error) {
	name, ok := c.opts.Statuses[status]
	if !ok {
		return nil, fmt.Errorf("no ClickUp status mapped for %s", status)
	}

	var tasks []tracker.Task
	for page := 0; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("include_closed", "true")
		q.Set("subtasks", "true")
		q.Add("statuses[]", name)

		var resp struct {
			Tasks    []apiTask `json:"tasks"`
			LastPage bool      `json:"last_page"`
		}
		if err := c.do(ctx, http.MethodGet, "/list/"+url.PathEscape(c.opts.ListID)+"/task?"+q.Encode(), nil, &resp); err != nil {
			return nil, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, a := range resp.Tasks {
			t := c.toTask(a)
			// ClickUp status filters are case-insensitive; keep only exact mappings.
			if t.Status == status {
				tasks = append(tasks, t)
			}
		}
		if resp.LastPage || len(resp.Tasks) == 0 {
			break
		}
	}

	tracker.SortTasks(tasks)
	return tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*tracker.Task, error) {
	var a apiTask
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	t := c.toTask(a)
	return &t, nil
}

// GetComments returns comments oldest first. ClickUp returns newest first.
func (c *Client) GetComments(ctx context.Context, id string) ([]tracker.Comment, error) {
	var resp struct {
		Comments []apiComment `json:"comments"`
	}
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(id)+"/comment", nil, &resp); err != nil {
		return nil, fmt.Errorf("get comments for %s: %w", id, err)
	}

	comments := make([]tracker.Comment, 0, len(resp.Comments))
	for _, a := range resp.Comments {
		comments = append(comments, tracker.Comment{
			ID:        a.ID,
			Text:      a.CommentText,
			Author:    a.User.Username,
			CreatedAt: parseMillis(a.Date),
		})
	}
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

func (c *Client) UpdateStatus(ctx context.Context, id string, status tracker.Status) error {
	name, ok := c.opts.Statuses[status]
	if !ok {
		return fmt.Errorf("no ClickUp status mapped for %s", status)
	}
	body := map[string]string{"status": name}
	if err := c.do(ctx, http.MethodPut, "/task/"+url.PathEscape(id), body, nil); err != nil {
		return fmt.Errorf("update %s to %s: %w", id, status, err)
	}
	return nil
}

func (c *Client) AddComment(ctx context.Context, id, text string) error {
	body := map[string]any{"comment_text": text, "notify_all": false}
	if err := c.do(ctx, http.MethodPost, "/task/"+url.PathEscape(id)+"/comment", body, nil); err != nil {
		return fmt.Errorf("comment on %s: %w", id, err)
	}
	return nil
}

// GetDependencies returns the tasks id waits on.
func (c *Client) GetDependencies(ctx context.Context, id string) ([]tracker.Dependency, error) {
	var a apiTask
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, fmt.Errorf("get dependencies for %s: %w", id, err)
	}
	var deps []tracker.Dependency
	for _, d := range a.Dependencies {
		if d.TaskID == id && d.DependsOn != "" {
			deps = append(deps, tracker.Dependency{DependsOnID: d.DependsOn})
		}
	}
	return deps, nil
}

// do sends one request, retrying 429 and 5xx responses with exponential
// backoff. A Retry-After header overrides the computed delay.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	delay := c.opts.Backoff
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Warn("%s %s: %v (retry %d/%d in %s)", method, path, lastErr, attempt, c.opts.MaxRetries, delay)
			if err := c.opts.Sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}

		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", c.opts.Token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.opts.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%s", statusText(resp.StatusCode, data))
			if ra := retryAfter(resp.Header.Get("Retry-After")); ra > 0 {
				delay = ra
			}
			continue
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s", statusText(resp.StatusCode, data))
		}
		if readErr != nil {
			return fmt.Errorf("read response: %w", readErr)
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	return ierr.NewTransientError(method+" "+path, fmt.Errorf("failed after %d retries: %w", c.opts.MaxRetries, lastErr))
}

func statusText(code int, body []byte) string {
	var apiErr struct {
		Err   string `json:"err"`
		ECode string `json:"ECODE"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Err != "" {
		return fmt.Sprintf("clickup %d: %s (%s)", code, apiErr.Err, apiErr.ECode)
	}
	return fmt.Sprintf("clickup %d: %s", code, strings.TrimSpace(string(body)))
}

// retryAfter parses a Retry-After header in seconds.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package github drives pull requests through the gh CLI.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/taskrelay/internal/logger"
)

// State is the lifecycle state of a pull request.
type State string

const (
	StateOpen    State = "open"
	StateMerged  State = "merged"
	StateClosed  State = "closed"
	StateUnknown State = "unknown"
)

// Mergeability mirrors GitHub's mergeable field. UNKNOWN means GitHub is
// still computing it.
type Mergeability string

const (
	Mergeable    Mergeability = "MERGEABLE"
	Conflicting  Mergeability = "CONFLICTING"
	MergeUnknown Mergeability = "UNKNOWN"
)

// PR is the subset of pull request fields the relay reads.
type PR struct {
	URL        string
	Number     int
	State      State
	Mergeable  Mergeability
	Body       string
	HeadBranch string
	IsDraft    bool
	CreatedAt  time.Time
}

// Review is a submitted pull request review.
type Review struct {
	Author      string
	State       string // APPROVED, CHANGES_REQUESTED, COMMENTED
	Body        string
	SubmittedAt time.Time
}

// ReviewComment is an inline comment attached to a diff line.
type ReviewComment struct {
	Author    string
	Path      string
	Line      int
	Body      string
	CreatedAt time.Time
}

// CreateOpts are the parameters for opening a pull request.
type CreateOpts struct {
	Title string
	Body  string
	Base  string
	Head  string
	Draft bool
}

// Port is the set of pull request operations the sequencer needs.
type Port interface {
	Create(ctx context.Context, opts CreateOpts) (string, error)
	View(ctx context.Context, ref string) (*PR, error)
	EditBody(ctx context.Context, url, body string) error
	Ready(ctx context.Context, url string) error
	Merge(ctx context.Context, url string) error
	Close(ctx context.Context, url string) error
	ListByHead(ctx context.Context, branch string) ([]PR, error)
	Reviews(ctx context.Context, url string) ([]Review, error)
	InlineComments(ctx context.Context, url string) ([]ReviewComment, error)
}

var prURLPattern = regexp.MustCompile(`https://github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)

// ExtractURL returns the last pull request URL found across texts, or "".
// Texts are scanned in order so a later comment wins over an earlier one.
func ExtractURL(texts ...string) string {
	found := ""
	for _, t := range texts {
		matches := prURLPattern.FindAllString(t, -1)
		if len(matches) > 0 {
			found = matches[len(matches)-1]
		}
	}
	return found
}

// ParseURL splits a pull request URL into owner, repo and number.
func ParseURL(url string) (owner, repo string, number int, err error) {
	m := prURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", "", 0, fmt.Errorf("not a pull request URL: %q", url)
	}
	n, _ := strconv.Atoi(m[3])
	return m[1], m[2], n, nil
}

// CLI implements Port with the gh binary, run from the repository root.
type CLI struct {
	Bin     string // defaults to "gh"
	Dir     string
	Timeout time.Duration
}

// NewCLI returns a CLI rooted at dir.
func NewCLI(dir string, timeout time.Duration) *CLI {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CLI{Bin: "gh", Dir: dir, Timeout: timeout}
}

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	bin := c.Bin
	if bin == "" {
		bin = "gh"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("gh %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gh %s %s: %w: %s", args[0], args[1], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Create opens a pull request and returns its URL.
func (c *CLI) Create(ctx context.Context, opts CreateOpts) (string, error) {
	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--base", opts.Base,
		"--head", opts.Head,
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	url := ExtractURL(string(out))
	if url == "" {
		return "", fmt.Errorf("gh pr create: no URL in output %q", strings.TrimSpace(string(out)))
	}
	return url, nil
}

// ghPR mirrors the fields we request from gh's JSON output.
type ghPR struct {
	URL         string    `json:"url"`
	Number      int       `json:"number"`
	State       string    `json:"state"` // "OPEN", "MERGED", "CLOSED"
	Mergeable   string    `json:"mergeable"`
	Body        string    `json:"body"`
	HeadRefName string    `json:"headRefName"`
	IsDraft     bool      `json:"isDraft"`
	CreatedAt   time.Time `json:"createdAt"`
}

const prFields = "url,number,state,mergeable,body,headRefName,isDraft,createdAt"

func (p ghPR) toPR() PR {
	return PR{
		URL:        p.URL,
		Number:     p.Number,
		State:      ghState(p.State),
		Mergeable:  ghMergeable(p.Mergeable),
		Body:       p.Body,
		HeadBranch: p.HeadRefName,
		IsDraft:    p.IsDraft,
		CreatedAt:  p.CreatedAt,
	}
}

// View fetches a pull request by URL, number or branch.
func (c *CLI) View(ctx context.Context, ref string) (*PR, error) {
	out, err := c.run(ctx, "pr", "view", ref, "--json", prFields)
	if err != nil {
		return nil, err
	}
	var raw ghPR
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decode gh pr view: %w", err)
	}
	pr := raw.toPR()
	return &pr, nil
}

func (c *CLI) EditBody(ctx context.Context, url, body string) error {
	_, err := c.run(ctx, "pr", "edit", url, "--body", body)
	return err
}

func (c *CLI) Ready(ctx context.Context, url string) error {
	_, err := c.run(ctx, "pr", "ready", url)
	return err
}

// Merge squash-merges with admin override and deletes the remote branch.
func (c *CLI) Merge(ctx context.Context, url string) error {
	_, err := c.run(ctx, "pr", "merge", url, "--squash", "--admin", "--delete-branch")
	return err
}

func (c *CLI) Close(ctx context.Context, url string) error {
	_, err := c.run(ctx, "pr", "close", url, "--delete-branch")
	return err
}

// ListByHead returns open pull requests whose head is branch.
func (c *CLI) ListByHead(ctx context.Context, branch string) ([]PR, error) {
	out, err := c.run(ctx, "pr", "list", "--head", branch, "--state", "open", "--json", prFields)
	if err != nil {
		return nil, err
	}
	var raw []ghPR
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decode gh pr list: %w", err)
	}
	prs := make([]PR, 0, len(raw))
	for _, p := range raw {
		prs = append(prs, p.toPR())
	}
	return prs, nil
}

type ghReviews struct {
	Reviews []struct {
		Author struct {
			Login string `json:"login"`
		} `json:"author"`
		State       string    `json:"state"`
		Body        string    `json:"body"`
		SubmittedAt time.Time `json:"submittedAt"`
	} `json:"reviews"`
}

func (c *CLI) Reviews(ctx context.Context, url string) ([]Review, error) {
	out, err := c.run(ctx, "pr", "view", url, "--json", "reviews")
	if err != nil {
		return nil, err
	}
	var raw ghReviews
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decode reviews: %w", err)
	}
	reviews := make([]Review, 0, len(raw.Reviews))
	for _, r := range raw.Reviews {
		reviews = append(reviews, Review{
			Author:      r.Author.Login,
			State:       r.State,
			Body:        r.Body,
			SubmittedAt: r.SubmittedAt,
		})
	}
	return reviews, nil
}

type ghComment struct {
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *CLI) InlineComments(ctx context.Context, url string) ([]ReviewComment, error) {
	owner, repo, n, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	out, err := c.run(ctx, "api", fmt.Sprintf("repos/%s/%s/pulls/%d/comments", owner, repo, n), "--paginate")
	if err != nil {
		return nil, err
	}
	// --paginate concatenates one JSON array per page.
	var raw []ghComment
	dec := json.NewDecoder(bytes.NewReader(out))
	for dec.More() {
		var page []ghComment
		if err := dec.Decode(&page); err != nil {
			return nil, fmt.Errorf("decode inline comments: %w", err)
		}
		raw = append(raw, page...)
	}
	comments := make([]ReviewComment, 0, len(raw))
	for _, rc := range raw {
		comments = append(comments, ReviewComment{
			Author:    rc.User.Login,
			Path:      rc.Path,
			Line:      rc.Line,
			Body:      rc.Body,
			CreatedAt: rc.CreatedAt,
		})
	}
	return comments, nil
}

// ghState maps GitHub PR state strings to State.
func ghState(s string) State {
	switch s {
	case "OPEN":
		return StateOpen
	case "MERGED":
		return StateMerged
	case "CLOSED":
		return StateClosed
	default:
		return StateUnknown
	}
}

func ghMergeable(s string) Mergeability {
	switch s {
	case "MERGEABLE":
		return Mergeable
	case "CONFLICTING":
		return Conflicting
	default:
		return MergeUnknown
	}
}

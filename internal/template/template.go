package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/taskrelay/internal/github"
	"github.com/mark3labs/taskrelay/internal/logger"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

// Kind selects which prompt to build.
type Kind string

const (
	KindNew      Kind = "new"
	KindFeedback Kind = "feedback"
	KindConflict Kind = "conflict"
)

// Variables holds the data to be injected into template placeholders.
type Variables struct {
	TaskID      string
	Title       string
	Description string
	Branch      string
	Base        string // base branch name
	PRURL       string
	Feedback    string // formatted review feedback
	Conflicts   string // formatted conflicted paths
	Hooks       string // pre_task hook output
	Extra       string
}

// Render replaces {{variable}} placeholders in template with actual values.
// Supports the following variables:
// - {{task_id}}, {{title}}, {{description}}
// - {{branch}}, {{base}}, {{pr_url}}
// - {{feedback}} - formatted review feedback (feedback prompt)
// - {{conflicts}} - conflicted paths, one per line (conflict prompt)
// - {{hooks}} - pre_task hook output (empty if none)
// - {{extra}} - extra instructions (empty if none)
func Render(template string, vars Variables) string {
	replacements := []string{
		"{{task_id}}", vars.TaskID,
		"{{title}}", vars.Title,
		"{{description}}", vars.Description,
		"{{branch}}", vars.Branch,
		"{{base}}", vars.Base,
		"{{pr_url}}", vars.PRURL,
		"{{feedback}}", vars.Feedback,
		"{{conflicts}}", vars.Conflicts,
		"{{hooks}}", vars.Hooks,
		"{{extra}}", vars.Extra,
	}
	return strings.NewReplacer(replacements...).Replace(template)
}

// LoadFromFile loads a template from a file.
// If the file doesn't exist or can't be read, returns an error.
func LoadFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template file %s: %w", path, err)
	}
	return string(data), nil
}

// Default returns the embedded template for kind.
func Default(kind Kind) (string, error) {
	switch kind {
	case KindNew:
		return NewTaskTemplate, nil
	case KindFeedback:
		return FeedbackTemplate, nil
	case KindConflict:
		return ConflictTemplate, nil
	default:
		return "", fmt.Errorf("unknown template kind %q", kind)
	}
}

// Builder renders prompts, preferring <Dir>/<kind>.md over the embedded
// template when such a file exists.
type Builder struct {
	Dir   string
	Extra string // appended via {{extra}} to every prompt
}

// GetTemplate returns the template content for kind.
func (b Builder) GetTemplate(kind Kind) (string, error) {
	if b.Dir != "" {
		path := filepath.Join(b.Dir, string(kind)+".md")
		content, err := LoadFromFile(path)
		if err == nil {
			logger.Debug("Using custom template: %s", path)
			return content, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return Default(kind)
}

// Build renders the prompt for kind.
func (b Builder) Build(kind Kind, vars Variables) (string, error) {
	content, err := b.GetTemplate(kind)
	if err != nil {
		logger.Error("Failed to get template: %v", err)
		return "", fmt.Errorf("failed to get template: %w", err)
	}
	if vars.Extra == "" {
		vars.Extra = b.Extra
	}
	if vars.Hooks != "" {
		vars.Hooks = "## Context\n" + strings.TrimSpace(vars.Hooks) + "\n"
	}
	if vars.Description == "" {
		vars.Description = "(no description provided)"
	}
	result := Render(content, vars)
	logger.Debug("Prompt rendered (%s): %d characters", kind, len(result))
	return result, nil
}

// Feedback groups everything reviewers said since the pull request opened.
type Feedback struct {
	Reviews  []github.Review
	Inline   []github.ReviewComment
	Comments []tracker.Comment // tracker comments after the PR link
}

// Empty reports whether there is nothing to act on.
func (f Feedback) Empty() bool {
	for _, r := range f.Reviews {
		if strings.TrimSpace(r.Body) != "" {
			return false
		}
	}
	for _, c := range f.Comments {
		if strings.TrimSpace(c.Text) != "" {
			return false
		}
	}
	return len(f.Inline) == 0
}

// FormatFeedback renders feedback for the {{feedback}} placeholder.
func FormatFeedback(f Feedback, now time.Time) string {
	if f.Empty() {
		return "No written feedback was left. Re-check the task description and the pull request diff, and finish any missing work."
	}

	var sb strings.Builder
	var reviews []github.Review
	for _, r := range f.Reviews {
		if strings.TrimSpace(r.Body) != "" {
			reviews = append(reviews, r)
		}
	}
	if len(reviews) > 0 {
		sb.WriteString("### Reviews\n")
		for _, r := range reviews {
			fmt.Fprintf(&sb, "- %s (%s, %s): %s\n", r.Author, strings.ToLower(r.State), formatTimeAgo(now.Sub(r.SubmittedAt)), oneLine(r.Body))
		}
	}
	if len(f.Inline) > 0 {
		sb.WriteString("### Inline comments\n")
		for _, c := range f.Inline {
			loc := c.Path
			if c.Line > 0 {
				loc = fmt.Sprintf("%s:%d", c.Path, c.Line)
			}
			fmt.Fprintf(&sb, "- %s (%s): %s\n", loc, c.Author, oneLine(c.Body))
		}
	}
	var comments []tracker.Comment
	for _, c := range f.Comments {
		if strings.TrimSpace(c.Text) != "" {
			comments = append(comments, c)
		}
	}
	if len(comments) > 0 {
		sb.WriteString("### Task comments\n")
		for _, c := range comments {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", c.Author, formatTimeAgo(now.Sub(c.CreatedAt)), oneLine(c.Text))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatConflicts renders conflicted paths for the {{conflicts}} placeholder.
func FormatConflicts(paths []string) string {
	var sb strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// formatTimeAgo formats a duration into a human-readable "time ago" string.
func formatTimeAgo(d time.Duration) string {
	if d < time.Minute {
		return "just now"
	} else if d < time.Hour {
		mins := int(d.Minutes())
		if mins == 1 {
			return "1min ago"
		}
		return fmt.Sprintf("%dmin ago", mins)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1hr ago"
		}
		return fmt.Sprintf("%dhr ago", hours)
	} else {
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

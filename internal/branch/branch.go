// Package branch derives git branch names from tasks. The name is the only
// link between a task and its git/PR state, so everything that needs to find
// a task's branch goes through a Namer.
package branch

import (
	"fmt"
	"strings"

	"github.com/gosimple/slug"
)

// MaxSlugLen caps the title portion of a branch name.
const MaxSlugLen = 40

// Namer builds and recognises branch names for one prefix/tag pair.
type Namer struct {
	Prefix string // e.g. "clickup"
	Tag    string // e.g. "CU"
}

// NewNamer returns a Namer, falling back to clickup/CU for empty values.
func NewNamer(prefix, tag string) Namer {
	if prefix == "" {
		prefix = "clickup"
	}
	if tag == "" {
		tag = "CU"
	}
	return Namer{Prefix: prefix, Tag: tag}
}

// Name returns "{prefix}/{tag}-{id}-{slug}".
func (n Namer) Name(taskID, title string) string {
	return n.TaskPrefix(taskID) + Slug(title)
}

// TaskPrefix returns the part of the name that depends only on the task ID.
// A task whose title changed is still found by matching on this prefix.
func (n Namer) TaskPrefix(taskID string) string {
	return fmt.Sprintf("%s/%s-%s-", n.Prefix, n.Tag, taskID)
}

// Owns reports whether branch belongs to taskID.
func (n Namer) Owns(branch, taskID string) bool {
	return strings.HasPrefix(branch, n.TaskPrefix(taskID))
}

// Pattern is a git ref glob matching every branch for taskID.
func (n Namer) Pattern(taskID string) string {
	return n.TaskPrefix(taskID) + "*"
}

// Find returns the branch from candidates that belongs to taskID, preferring
// the exact current name. Empty when none match.
func (n Namer) Find(candidates []string, taskID, title string) string {
	want := n.Name(taskID, title)
	found := ""
	for _, c := range candidates {
		c = strings.TrimSpace(strings.TrimPrefix(c, "* "))
		if c == want {
			return c
		}
		if found == "" && n.Owns(c, taskID) {
			found = c
		}
	}
	return found
}

// Slug lowercases title, collapses runs of non-alphanumerics into single
// hyphens and caps the result at MaxSlugLen without a trailing hyphen.
func Slug(title string) string {
	s := slug.Make(title)
	if len(s) > MaxSlugLen {
		s = s[:MaxSlugLen]
	}
	s = strings.Trim(s, "-")
	if s == "" {
		return "task"
	}
	return s
}

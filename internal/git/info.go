package git

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Info summarises a working tree for diagnostics.
type Info struct {
	Root   string // repository top level
	Branch string
	Hash   string // 7-char short hash
	Dirty  bool
	Ahead  int // commits ahead of upstream
	Behind int // commits behind upstream
}

// GetInfo returns repository information for dir, or nil if dir is not
// inside a git repository.
func GetInfo(dir string) (*Info, error) {
	root, err := runGit(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, nil
	}

	info := &Info{Root: root}

	if info.Branch, err = runGit(dir, "rev-parse", "--abbrev-ref", "HEAD"); err != nil {
		return nil, fmt.Errorf("failed to read branch: %w", err)
	}
	if info.Hash, err = runGit(dir, "rev-parse", "--short=7", "HEAD"); err != nil {
		return nil, fmt.Errorf("failed to read HEAD: %w", err)
	}

	status, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	info.Dirty = status != ""

	// No upstream is normal for fresh branches; leave ahead/behind at zero.
	counts, err := runGit(dir, "rev-list", "--left-right", "--count", "HEAD...@{upstream}")
	if err == nil {
		fields := strings.Fields(counts)
		if len(fields) == 2 {
			info.Ahead, _ = strconv.Atoi(fields[0])
			info.Behind, _ = strconv.Atoi(fields[1])
		}
	}

	return info, nil
}

// String renders the branch line doctor prints, e.g. "main @ 1a2b3c4 (2 ahead)".
func (i *Info) String() string {
	s := fmt.Sprintf("%s @ %s", i.Branch, i.Hash)
	var notes []string
	if i.Ahead > 0 {
		notes = append(notes, fmt.Sprintf("%d ahead", i.Ahead))
	}
	if i.Behind > 0 {
		notes = append(notes, fmt.Sprintf("%d behind", i.Behind))
	}
	if i.Dirty {
		notes = append(notes, "dirty")
	}
	if len(notes) > 0 {
		s += " (" + strings.Join(notes, ", ") + ")"
	}
	return s
}

// runGit runs git in dir and returns trimmed stdout.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

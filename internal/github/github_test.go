package github

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGH writes a shell script standing in for gh. It appends its argv to
// a log file and prints canned output chosen by the first two arguments.
func fakeGH(t *testing.T, responses map[string]string) (*CLI, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")

	var script strings.Builder
	script.WriteString("#!/bin/sh\n")
	script.WriteString("echo \"$@\" >> " + logPath + "\n")
	script.WriteString("case \"$1 $2\" in\n")
	for key, body := range responses {
		script.WriteString("  \"" + key + "\")\n    cat <<'JSON'\n" + body + "\nJSON\n    ;;\n")
	}
	script.WriteString("  *) echo \"unexpected: $*\" >&2; exit 1 ;;\nesac\n")

	bin := filepath.Join(dir, "gh")
	require.NoError(t, os.WriteFile(bin, []byte(script.String()), 0755))

	return &CLI{Bin: bin, Dir: dir, Timeout: 10 * time.Second}, logPath
}

func calls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestExtractURL_LastMatchWins(t *testing.T) {
	assert.Empty(t, ExtractURL("no links here"))
	assert.Equal(t,
		"https://github.com/acme/app/pull/12",
		ExtractURL(
			"PR opened: https://github.com/acme/app/pull/7",
			"unrelated",
			"Reopened as https://github.com/acme/app/pull/9 then https://github.com/acme/app/pull/12.",
		))
}

func TestParseURL(t *testing.T) {
	owner, repo, n, err := ParseURL("https://github.com/acme/my.app/pull/42")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "my.app", repo)
	assert.Equal(t, 42, n)

	_, _, _, err = ParseURL("https://gitlab.com/acme/app/-/merge_requests/1")
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	c, logPath := fakeGH(t, map[string]string{
		"pr create": "https://github.com/acme/app/pull/5",
	})

	url, err := c.Create(context.Background(), CreateOpts{
		Title: "CU-T1 Fix login", Body: "body", Base: "main", Head: "clickup/CU-T1-fix-login", Draft: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/app/pull/5", url)

	got := calls(t, logPath)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "--draft")
	assert.Contains(t, got[0], "--head clickup/CU-T1-fix-login")
}

func TestView_MapsStateAndMergeability(t *testing.T) {
	c, _ := fakeGH(t, map[string]string{
		"pr view": `{"url":"https://github.com/acme/app/pull/5","number":5,"state":"OPEN","mergeable":"CONFLICTING","body":"b","headRefName":"clickup/CU-T2-x","isDraft":false,"createdAt":"2026-01-02T03:04:05Z"}`,
	})

	pr, err := c.View(context.Background(), "https://github.com/acme/app/pull/5")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, pr.State)
	assert.Equal(t, Conflicting, pr.Mergeable)
	assert.Equal(t, "clickup/CU-T2-x", pr.HeadBranch)
	assert.Equal(t, 2026, pr.CreatedAt.Year())
}

func TestView_Failure(t *testing.T) {
	c, _ := fakeGH(t, map[string]string{})
	_, err := c.View(context.Background(), "https://github.com/acme/app/pull/5")
	assert.Error(t, err)
}

func TestMerge_UsesSquashAdmin(t *testing.T) {
	c, logPath := fakeGH(t, map[string]string{"pr merge": ""})
	require.NoError(t, c.Merge(context.Background(), "https://github.com/acme/app/pull/5"))
	assert.Equal(t,
		[]string{"pr merge https://github.com/acme/app/pull/5 --squash --admin --delete-branch"},
		calls(t, logPath))
}

func TestListByHead(t *testing.T) {
	c, _ := fakeGH(t, map[string]string{
		"pr list": `[{"url":"https://github.com/acme/app/pull/3","number":3,"state":"OPEN","mergeable":"MERGEABLE"}]`,
	})
	prs, err := c.ListByHead(context.Background(), "clickup/CU-T1-fix-login")
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, Mergeable, prs[0].Mergeable)
}

func TestReviewsAndInlineComments(t *testing.T) {
	c, logPath := fakeGH(t, map[string]string{
		"pr view": `{"reviews":[{"author":{"login":"ana"},"state":"CHANGES_REQUESTED","body":"please rename","submittedAt":"2026-01-02T03:04:05Z"}]}`,
		"api repos/acme/app/pulls/5/comments": `[{"user":{"login":"ana"},"path":"a.go","line":3,"body":"nit"}][{"user":{"login":"bo"},"path":"b.go","line":9,"body":"typo"}]`,
	})
	ctx := context.Background()

	reviews, err := c.Reviews(ctx, "https://github.com/acme/app/pull/5")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "ana", reviews[0].Author)
	assert.Equal(t, "please rename", reviews[0].Body)

	comments, err := c.InlineComments(ctx, "https://github.com/acme/app/pull/5")
	require.NoError(t, err)
	require.Len(t, comments, 2, "paginated pages must be concatenated")
	assert.Equal(t, "b.go", comments[1].Path)
	assert.Equal(t, 9, comments[1].Line)

	assert.Len(t, calls(t, logPath), 2)
}

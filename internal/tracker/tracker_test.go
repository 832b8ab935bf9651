package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prio(n int) *int { return &n }

func TestSortTasks(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []Task{
		{ID: "none-old", CreatedAt: base},
		{ID: "normal-new", Priority: prio(3), CreatedAt: base.Add(2 * time.Hour)},
		{ID: "urgent", Priority: prio(1), CreatedAt: base.Add(5 * time.Hour)},
		{ID: "normal-old", Priority: prio(3), CreatedAt: base.Add(time.Hour)},
	}

	SortTasks(tasks)

	var ids []string
	for _, tk := range tasks {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"urgent", "normal-old", "normal-new", "none-old"}, ids)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{
		"todo":          StatusTodo,
		"In Progress":   StatusInProgress,
		"require_input": StatusRequireInput,
		" COMPLETED ":   StatusCompleted,
	} {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStatus("archived")
	assert.Error(t, err)
}

func TestCommentTexts(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, CommentTexts([]Comment{{Text: "a"}, {Text: "b"}}))
	assert.Empty(t, CommentTexts(nil))
}

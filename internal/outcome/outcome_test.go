package outcome

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/mark3labs/taskrelay/internal/errors"
	inats "github.com/mark3labs/taskrelay/internal/nats"
	"github.com/mark3labs/taskrelay/internal/tracker"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	emb, err := inats.Start(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = emb.Close() })

	s, err := NewStore(context.Background(), emb.JS)
	require.NoError(t, err)
	return s
}

func TestNewRecord(t *testing.T) {
	now := time.Now()
	a := NewRecord("T1", now)
	b := NewRecord("T1", now)
	assert.NotEmpty(t, a.RunID)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, "T1", a.TaskID)
}

func TestRecord_String(t *testing.T) {
	rec := Record{
		TaskID:      "T1",
		FinalStatus: tracker.StatusInReview,
		Duration:    90*time.Second + 300*time.Millisecond,
		StartedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local),
	}
	assert.Equal(t, "2026-03-01 09:00  T1           IN_REVIEW         1m30s", rec.String())

	rec.ErrorCategory = ierr.CategoryPush
	rec.Error = "rejected"
	assert.True(t, strings.HasSuffix(rec.String(), "  [push] rejected"))
}

func TestStore_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"T1", "T2", "T3"} {
		rec := NewRecord(id, base.Add(time.Duration(i)*time.Minute))
		rec.FinalStatus = tracker.StatusInReview
		rec.Duration = 90 * time.Second
		require.NoError(t, s.Append(ctx, rec))
	}
	blocked := NewRecord("T4", base.Add(time.Hour))
	blocked.FinalStatus = tracker.StatusBlocked
	blocked.ErrorCategory = ierr.CategoryConflict
	blocked.Error = "unresolved conflicts in a.txt, b.txt"
	require.NoError(t, s.Append(ctx, blocked))

	recs, err = s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "T4", recs[0].TaskID, "newest first")
	assert.Equal(t, ierr.CategoryConflict, recs[0].ErrorCategory)
	assert.Equal(t, "T3", recs[1].TaskID)
	assert.Equal(t, 90*time.Second, recs[1].Duration)

	recs, err = s.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestStore_ForTask(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	first := NewRecord("86b.x1", start)
	first.FinalStatus = tracker.StatusBlocked
	second := NewRecord("86b.x1", start.Add(time.Hour))
	second.FinalStatus = tracker.StatusInReview
	other := NewRecord("T9", start)

	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Append(ctx, other))
	require.NoError(t, s.Append(ctx, second))

	recs, err := s.ForTask(ctx, "86b.x1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, tracker.StatusBlocked, recs[0].FinalStatus)
	assert.Equal(t, tracker.StatusInReview, recs[1].FinalStatus)

	recs, err = s.ForTask(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSubjectForTask(t *testing.T) {
	assert.Equal(t, "taskrelay.outcome.T1", inats.SubjectForTask("T1"))
	assert.Equal(t, "taskrelay.outcome.a_b_c", inats.SubjectForTask("a.b*c"))
}

package lock

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChecker treats the listed PIDs as live taskrelay processes.
type fakeChecker struct {
	alive   map[int]bool
	foreign map[int]bool // alive but not taskrelay
}

func (f fakeChecker) Alive(pid int) bool       { return f.alive[pid] || f.foreign[pid] }
func (f fakeChecker) BelongsToUs(pid int) bool { return !f.foreign[pid] }

func writeLock(t *testing.T, path string, pid int) {
	t.Helper()
	data, err := json.Marshal(Info{PID: pid, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func readLock(t *testing.T, path string) Info {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var info Info
	require.NoError(t, json.Unmarshal(data, &info))
	return info
}

func TestAcquire_NoLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".taskrelay", "taskrelay.lock")
	g := New(path, WithPID(100), WithProcessChecker(fakeChecker{}))

	ok, err := g.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)

	info := readLock(t, path)
	assert.Equal(t, 100, info.PID)
	assert.False(t, info.StartedAt.IsZero())
}

func TestAcquire_TwoLiveOwners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.lock")
	checker := fakeChecker{alive: map[int]bool{100: true, 200: true}}

	first := New(path, WithPID(100), WithProcessChecker(checker))
	second := New(path, WithPID(200), WithProcessChecker(checker))

	ok, err := first.Acquire()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire()
	require.NoError(t, err)
	assert.False(t, ok, "second live process must not acquire")
	assert.Equal(t, 100, readLock(t, path).PID, "lock must still name the first owner")
}

func TestAcquire_DeadOwnerIsReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.lock")
	writeLock(t, path, 4242)

	g := New(path, WithPID(100), WithProcessChecker(fakeChecker{alive: map[int]bool{100: true}}))
	ok, err := g.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100, readLock(t, path).PID)
}

func TestAcquire_ForeignProcessIsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.lock")
	writeLock(t, path, 300)

	g := New(path, WithPID(100), WithProcessChecker(fakeChecker{foreign: map[int]bool{300: true}}))
	status, err := g.Inspect()
	require.NoError(t, err)
	assert.Equal(t, StateStale, status.State)
	assert.Contains(t, status.Reason, "not a taskrelay process")

	ok, err := g.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquire_CorruptLockIsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.lock")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	g := New(path, WithPID(100), WithProcessChecker(fakeChecker{}))
	ok, err := g.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease(t *testing.T) {
	t.Run("removes own lock", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "taskrelay.lock")
		g := New(path, WithPID(100), WithProcessChecker(fakeChecker{}))
		ok, err := g.Acquire()
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, g.Release())
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("leaves another owner's lock", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "taskrelay.lock")
		writeLock(t, path, 200)

		g := New(path, WithPID(100), WithProcessChecker(fakeChecker{}))
		require.NoError(t, g.Release())
		assert.Equal(t, 200, readLock(t, path).PID)
	})

	t.Run("missing file is fine", func(t *testing.T) {
		g := New(filepath.Join(t.TempDir(), "taskrelay.lock"), WithPID(100))
		assert.NoError(t, g.Release())
	})
}

func TestCleanStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.lock")
	checker := fakeChecker{alive: map[int]bool{200: true}}
	g := New(path, WithPID(100), WithProcessChecker(checker))

	removed, err := g.CleanStale()
	require.NoError(t, err)
	assert.False(t, removed, "absent lock is not stale")

	writeLock(t, path, 200)
	removed, err = g.CleanStale()
	require.NoError(t, err)
	assert.False(t, removed, "live owner must be left alone")

	writeLock(t, path, 999)
	removed, err = g.CleanStale()
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// TestOSProcessChecker exercises real processes: a running child is alive,
// and once it has been reaped its PID no longer is.
func TestOSProcessChecker(t *testing.T) {
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	cmd := exec.Command(sleepPath, "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	checker := OSProcessChecker{Name: "sleep"}
	assert.True(t, checker.Alive(pid))
	assert.True(t, checker.BelongsToUs(pid))

	path := filepath.Join(t.TempDir(), "taskrelay.lock")
	writeLock(t, path, pid)
	g := New(path, WithProcessChecker(checker))
	ok, err := g.Acquire()
	require.NoError(t, err)
	assert.False(t, ok, "live child owns the lock")

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	assert.False(t, checker.Alive(pid))
	ok, err = g.Acquire()
	require.NoError(t, err)
	assert.True(t, ok, "dead owner's lock must be reclaimed")
}

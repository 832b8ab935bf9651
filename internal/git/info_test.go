package git

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetInfo_NonGitDir(t *testing.T) {
	info, err := GetInfo(t.TempDir())
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info != nil {
		t.Error("Expected nil for non-git directory")
	}
}

func TestGetInfo_NoUpstream(t *testing.T) {
	dir := initRepo(t)

	info, err := GetInfo(dir)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info == nil {
		t.Fatal("Expected info, got nil")
	}

	// Ahead/behind should be 0 when no upstream is configured
	if info.Ahead != 0 || info.Behind != 0 {
		t.Errorf("Expected 0/0 with no upstream, got %d/%d", info.Ahead, info.Behind)
	}
	if info.Branch != "main" {
		t.Errorf("Expected branch main, got %s", info.Branch)
	}
	if len(info.Hash) != 7 {
		t.Errorf("Expected 7-char hash, got %q", info.Hash)
	}
	if info.Dirty {
		t.Error("Expected clean tree")
	}
}

func TestGetInfo_DirtyAndSubdir(t *testing.T) {
	dir := initRepo(t)
	sub := filepath.Join(dir, "services", "api")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "x.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	info, err := GetInfo(sub)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if !info.Dirty {
		t.Error("Expected dirty tree")
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(info.Root)
	if got != want {
		t.Errorf("Expected root %s, got %s", want, got)
	}
}

func TestInfo_String(t *testing.T) {
	info := &Info{Branch: "main", Hash: "1a2b3c4"}
	if got := info.String(); got != "main @ 1a2b3c4" {
		t.Errorf("got %q", got)
	}

	info.Ahead, info.Behind, info.Dirty = 2, 1, true
	if got := info.String(); got != "main @ 1a2b3c4 (2 ahead, 1 behind, dirty)" {
		t.Errorf("got %q", got)
	}
}

// initRepo creates a repository on branch main with one empty commit.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustGit(t, dir, "init", "--initial-branch=main")
	mustGit(t, dir, "config", "user.email", "test@test.com")
	mustGit(t, dir, "config", "user.name", "Test")
	mustGit(t, dir, "config", "commit.gpgsign", "false")
	mustGit(t, dir, "commit", "--allow-empty", "-m", "initial")
	return dir
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := runGit(dir, args...)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return out
}

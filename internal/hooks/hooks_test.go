package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecuteAllPiped(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	vars := Variables{Task: "T1", Branch: "clickup/CU-T1-fix-login"}

	tests := []struct {
		name     string
		hooks    []*HookConfig
		expected string
	}{
		{
			name:     "no hooks",
			hooks:    []*HookConfig{},
			expected: "",
		},
		{
			name: "single hook with pipe_output true",
			hooks: []*HookConfig{
				{Command: "echo 'piped'", Timeout: 5, PipeOutput: true},
			},
			expected: "piped\n",
		},
		{
			name: "single hook with pipe_output false",
			hooks: []*HookConfig{
				{Command: "echo 'not piped'", Timeout: 5, PipeOutput: false},
			},
			expected: "",
		},
		{
			name: "multiple hooks mixed pipe_output",
			hooks: []*HookConfig{
				{Command: "echo 'first piped'", Timeout: 5, PipeOutput: true},
				{Command: "echo 'not piped'", Timeout: 5, PipeOutput: false},
				{Command: "echo 'second piped'", Timeout: 5, PipeOutput: true},
			},
			expected: "first piped\n\nsecond piped\n",
		},
		{
			name: "all hooks with pipe_output false",
			hooks: []*HookConfig{
				{Command: "echo 'first'", Timeout: 5, PipeOutput: false},
				{Command: "echo 'second'", Timeout: 5, PipeOutput: false},
			},
			expected: "",
		},
		{
			name: "all hooks with pipe_output true",
			hooks: []*HookConfig{
				{Command: "echo 'first'", Timeout: 5, PipeOutput: true},
				{Command: "echo 'second'", Timeout: 5, PipeOutput: true},
			},
			expected: "first\n\nsecond\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := ExecuteAllPiped(ctx, tt.hooks, workDir, vars)
			if err != nil {
				t.Fatalf("ExecuteAllPiped() error = %v", err)
			}
			if output != tt.expected {
				t.Errorf("ExecuteAllPiped() output = %q, expected %q", output, tt.expected)
			}
		})
	}
}

func TestExecuteAllPiped_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	workDir := t.TempDir()
	vars := Variables{Task: "T1", Branch: "clickup/CU-T1-fix-login"}
	hooks := []*HookConfig{
		{Command: "echo 'test'", Timeout: 5, PipeOutput: true},
	}

	_, err := ExecuteAllPiped(ctx, hooks, workDir, vars)
	if err == nil {
		t.Error("ExecuteAllPiped() expected error for cancelled context, got nil")
	}
}

func TestExecute_ExpandsVariables(t *testing.T) {
	hook := &HookConfig{Command: "echo {{task}} on {{branch}}"}
	out, err := Execute(context.Background(), hook, t.TempDir(), Variables{Task: "T1", Branch: "clickup/CU-T1-x"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "T1 on clickup/CU-T1-x\n" {
		t.Errorf("Execute() output = %q", out)
	}
}

func TestExecute_FailureDegrades(t *testing.T) {
	hook := &HookConfig{Command: "echo partial; echo boom >&2; exit 3"}
	out, err := Execute(context.Background(), hook, t.TempDir(), Variables{})
	if err != nil {
		t.Fatalf("failing hooks must not return an error, got %v", err)
	}
	if !strings.Contains(out, "[Hook command failed") || !strings.Contains(out, "boom") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestExecute_Timeout(t *testing.T) {
	hook := &HookConfig{Command: "sleep 5", Timeout: 1}
	out, err := Execute(context.Background(), hook, t.TempDir(), Variables{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out, "timed out") {
		t.Errorf("expected timeout marker, got %q", out)
	}
}

func TestExecuteAll_RunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	hooks := []*HookConfig{
		{Command: "echo {{task}} > merged.txt"},
		nil,
		{Command: ""},
	}
	if err := ExecuteAll(context.Background(), hooks, dir, Variables{Task: "T2"}); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "merged.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "T2\n" {
		t.Errorf("hook wrote %q", data)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir, "")
	if err != nil || cfg != nil {
		t.Fatalf("missing file must yield nil, nil; got %v, %v", cfg, err)
	}

	content := `version: 1
hooks:
  pre_task:
    - command: "git log -5 --oneline"
      pipe_output: true
  post_merge:
    - command: "./notify.sh {{task}}"
      timeout: 10
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(dir, "")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(cfg.Hooks.PreTask) != 1 || !cfg.Hooks.PreTask[0].PipeOutput {
		t.Errorf("pre_task not parsed: %+v", cfg.Hooks.PreTask)
	}
	if len(cfg.Hooks.PostMerge) != 1 || cfg.Hooks.PostMerge[0].Timeout != 10 {
		t.Errorf("post_merge not parsed: %+v", cfg.Hooks.PostMerge)
	}

	if err := os.WriteFile(filepath.Join(dir, "bad.yml"), []byte("hooks: ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(dir, "bad.yml"); err == nil {
		t.Error("expected parse error")
	}
}

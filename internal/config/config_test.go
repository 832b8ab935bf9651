package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// isolate points XDG and the working directory at a fresh temp dir and
// clears environment overrides that would leak in from the developer's shell.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	origWd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Failed to change to temp dir: %v", err)
	}

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "config"))
	for _, env := range []string{
		"TASKRELAY_MODEL", "TASKRELAY_BASE_BRANCH", "TASKRELAY_AUTO_APPROVE",
		"TASKRELAY_CLICKUP_TOKEN", "CLICKUP_API_TOKEN", "TASKRELAY_CLICKUP_LIST_ID",
		"CLICKUP_LIST_ID", "TASKRELAY_WORK_DIR", "TASKRELAY_DATA_DIR", "TASKRELAY_POLL_INTERVAL",
	} {
		t.Setenv(env, "")
		_ = os.Unsetenv(env)
	}
	return tmpDir
}

func TestGlobalPath(t *testing.T) {
	tests := []struct {
		name        string
		xdgConfig   string
		wantContain string
	}{
		{
			name:        "with XDG_CONFIG_HOME set",
			xdgConfig:   "/custom/config",
			wantContain: "/custom/config/taskrelay/taskrelay.yml",
		},
		{
			name:        "without XDG_CONFIG_HOME",
			xdgConfig:   "",
			wantContain: ".config/taskrelay/taskrelay.yml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XDG_CONFIG_HOME", tt.xdgConfig)

			got := GlobalPath()
			if tt.xdgConfig != "" {
				if got != tt.wantContain {
					t.Errorf("GlobalPath() = %v, want %v", got, tt.wantContain)
				}
				return
			}
			if !filepath.IsAbs(got) {
				t.Errorf("GlobalPath() should return absolute path, got %v", got)
			}
			if !strings.HasSuffix(got, tt.wantContain) {
				t.Errorf("GlobalPath() = %v, want suffix %v", got, tt.wantContain)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	tmpDir := isolate(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q, want main", cfg.BaseBranch)
	}
	if cfg.BranchPrefix != "clickup" || cfg.BranchTag != "CU" {
		t.Errorf("branch naming defaults = %q/%q", cfg.BranchPrefix, cfg.BranchTag)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want 1m", cfg.PollInterval)
	}
	if cfg.PushRetries != 4 || cfg.PushBackoff != 2*time.Second {
		t.Errorf("push retry defaults = %d/%v", cfg.PushRetries, cfg.PushBackoff)
	}
	if cfg.AutoApprove {
		t.Error("AutoApprove should default to false")
	}
	if cfg.ClickUp.Statuses.InReview != "in review" {
		t.Errorf("InReview status = %q", cfg.ClickUp.Statuses.InReview)
	}

	wd, _ := filepath.EvalSymlinks(cfg.WorkDir)
	want, _ := filepath.EvalSymlinks(tmpDir)
	if wd != want {
		t.Errorf("WorkDir = %q, want %q", wd, want)
	}
}

func TestLoad_Precedence(t *testing.T) {
	isolate(t)

	global := Default()
	global.BaseBranch = "develop"
	global.PollInterval = 30 * time.Second
	global.ClickUp.ListID = "global-list"
	if err := WriteGlobal(global); err != nil {
		t.Fatalf("WriteGlobal() error = %v", err)
	}

	if err := os.WriteFile(ProjectPath(), []byte("base_branch: trunk\nclickup:\n  list_id: project-list\n"), 0644); err != nil {
		t.Fatalf("failed to write project config: %v", err)
	}

	t.Setenv("CLICKUP_API_TOKEN", "pk_env")
	t.Setenv("TASKRELAY_AUTO_APPROVE", "true")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("base-branch", "", "")
	flags.String("unrelated", "", "")
	if err := flags.Parse([]string{"--base-branch", "release"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BaseBranch != "release" {
		t.Errorf("flag should win: BaseBranch = %q", cfg.BaseBranch)
	}
	if cfg.ClickUp.ListID != "project-list" {
		t.Errorf("project config should override global: ListID = %q", cfg.ClickUp.ListID)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("global config should apply: PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ClickUp.Token != "pk_env" {
		t.Errorf("token should come from CLICKUP_API_TOKEN, got %q", cfg.ClickUp.Token)
	}
	if !cfg.AutoApprove {
		t.Error("TASKRELAY_AUTO_APPROVE should enable auto approve")
	}
}

func TestWriteProject_OmitsToken(t *testing.T) {
	isolate(t)

	cfg := Default()
	cfg.ClickUp.Token = "pk_secret"
	cfg.ClickUp.ListID = "901"
	if err := WriteProject(cfg); err != nil {
		t.Fatalf("WriteProject() error = %v", err)
	}

	data, err := os.ReadFile(ProjectPath())
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	content := string(data)

	for _, field := range []string{"base_branch: main", "poll_interval: 1m0s", "list_id: \"901\"", "worker_command: claude"} {
		if !strings.Contains(content, field) {
			t.Errorf("Config file missing expected field: %s\nContent:\n%s", field, content)
		}
	}
	if strings.Contains(content, "pk_secret") {
		t.Error("token must not be written to disk")
	}
	if cfg.ClickUp.Token != "pk_secret" {
		t.Error("WriteProject must not mutate the caller's config")
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.ClickUp.Token = "pk"
	valid.ClickUp.ListID = "1"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.ClickUp.Token = "" }, "clickup.token"},
		{"missing list", func(c *Config) { c.ClickUp.ListID = "" }, "clickup.list_id"},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"negative retries", func(c *Config) { c.PushRetries = -1 }, "push_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLockPath(t *testing.T) {
	cfg := Default()
	cfg.WorkDir = "/repo/sub"
	if got := cfg.LockPath(); got != "/repo/sub/.taskrelay/taskrelay.lock" {
		t.Errorf("LockPath() = %s", got)
	}

	cfg.DataDir = "/var/lib/taskrelay"
	if got := cfg.NATSDir(); got != "/var/lib/taskrelay/nats" {
		t.Errorf("NATSDir() = %s", got)
	}
	if got := cfg.TemplatesDir(); got != "/var/lib/taskrelay/templates" {
		t.Errorf("TemplatesDir() = %s", got)
	}
}

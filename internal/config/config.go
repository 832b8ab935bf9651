// Package config provides centralized configuration management using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ierr "github.com/mark3labs/taskrelay/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for taskrelay.
type Config struct {
	WorkDir          string        `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
	DataDir          string        `mapstructure:"data_dir" yaml:"data_dir"`
	BaseBranch       string        `mapstructure:"base_branch" yaml:"base_branch"`
	Remote           string        `mapstructure:"remote" yaml:"remote"`
	BranchPrefix     string        `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	BranchTag        string        `mapstructure:"branch_tag" yaml:"branch_tag"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RelaunchInterval time.Duration `mapstructure:"relaunch_interval" yaml:"relaunch_interval"`
	WorkerTimeout    time.Duration `mapstructure:"worker_timeout" yaml:"worker_timeout"`
	GitTimeout       time.Duration `mapstructure:"git_timeout" yaml:"git_timeout"`
	PushRetries      int           `mapstructure:"push_retries" yaml:"push_retries"`
	PushBackoff      time.Duration `mapstructure:"push_backoff" yaml:"push_backoff"`
	AutoApprove      bool          `mapstructure:"auto_approve" yaml:"auto_approve"`
	Model            string        `mapstructure:"model" yaml:"model,omitempty"`
	WorkerCommand    string        `mapstructure:"worker_command" yaml:"worker_command"`
	LogLevel         string        `mapstructure:"log_level" yaml:"log_level"`
	LogFile          string        `mapstructure:"log_file" yaml:"log_file,omitempty"`
	HooksFile        string        `mapstructure:"hooks_file" yaml:"hooks_file"`
	ClickUp          ClickUp       `mapstructure:"clickup" yaml:"clickup"`
}

// ClickUp holds tracker connection settings.
type ClickUp struct {
	Token    string   `mapstructure:"token" yaml:"token,omitempty"`
	ListID   string   `mapstructure:"list_id" yaml:"list_id"`
	BaseURL  string   `mapstructure:"base_url" yaml:"base_url"`
	Statuses Statuses `mapstructure:"statuses" yaml:"statuses"`
}

// Statuses maps each lifecycle state to the tracker's status name.
type Statuses struct {
	Todo         string `mapstructure:"todo" yaml:"todo"`
	InProgress   string `mapstructure:"in_progress" yaml:"in_progress"`
	InReview     string `mapstructure:"in_review" yaml:"in_review"`
	Approved     string `mapstructure:"approved" yaml:"approved"`
	RequireInput string `mapstructure:"require_input" yaml:"require_input"`
	Blocked      string `mapstructure:"blocked" yaml:"blocked"`
	Completed    string `mapstructure:"completed" yaml:"completed"`
}

var defaults = map[string]any{
	"data_dir":                       ".taskrelay",
	"base_branch":                    "main",
	"remote":                         "origin",
	"branch_prefix":                  "clickup",
	"branch_tag":                     "CU",
	"poll_interval":                  "60s",
	"relaunch_interval":              "6h",
	"worker_timeout":                 "30m",
	"git_timeout":                    "2m",
	"push_retries":                   4,
	"push_backoff":                   "2s",
	"auto_approve":                   false,
	"model":                          "",
	"worker_command":                 "claude",
	"log_level":                      "info",
	"log_file":                       "",
	"hooks_file":                     ".taskrelay.hooks.yml",
	"clickup.base_url":               "https://api.clickup.com/api/v2",
	"clickup.statuses.todo":          "to do",
	"clickup.statuses.in_progress":   "in progress",
	"clickup.statuses.in_review":     "in review",
	"clickup.statuses.approved":      "approved",
	"clickup.statuses.require_input": "require input",
	"clickup.statuses.blocked":       "blocked",
	"clickup.statuses.completed":     "completed",
}

// envBindings lists keys with explicit environment variables. Keys not listed
// are still reachable through AutomaticEnv with the TASKRELAY_ prefix.
var envBindings = map[string][]string{
	"work_dir":        {"TASKRELAY_WORK_DIR"},
	"data_dir":        {"TASKRELAY_DATA_DIR"},
	"base_branch":     {"TASKRELAY_BASE_BRANCH"},
	"auto_approve":    {"TASKRELAY_AUTO_APPROVE"},
	"model":           {"TASKRELAY_MODEL"},
	"log_level":       {"TASKRELAY_LOG_LEVEL"},
	"log_file":        {"TASKRELAY_LOG_FILE"},
	"poll_interval":   {"TASKRELAY_POLL_INTERVAL"},
	"clickup.token":   {"TASKRELAY_CLICKUP_TOKEN", "CLICKUP_API_TOKEN"},
	"clickup.list_id": {"TASKRELAY_CLICKUP_LIST_ID", "CLICKUP_LIST_ID"},
}

// Load loads configuration with full precedence:
// CLI flags > ENV vars > project config > XDG global config > defaults
//
// Flags are matched to keys by name with dashes replaced by underscores
// (--base-branch sets base_branch). flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("taskrelay")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("TASKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	globalPath := GlobalPath()
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	projectPath := ProjectPath()
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := defaults[key]; !known && key != "work_dir" {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("binding flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkDir = wd
	}

	return &cfg, nil
}

// Default returns a config populated with defaults only, used by setup.
func Default() *Config {
	return &Config{
		DataDir:          ".taskrelay",
		BaseBranch:       "main",
		Remote:           "origin",
		BranchPrefix:     "clickup",
		BranchTag:        "CU",
		PollInterval:     60 * time.Second,
		RelaunchInterval: 6 * time.Hour,
		WorkerTimeout:    30 * time.Minute,
		GitTimeout:       2 * time.Minute,
		PushRetries:      4,
		PushBackoff:      2 * time.Second,
		WorkerCommand:    "claude",
		LogLevel:         "info",
		HooksFile:        ".taskrelay.hooks.yml",
		ClickUp: ClickUp{
			BaseURL: "https://api.clickup.com/api/v2",
			Statuses: Statuses{
				Todo:         "to do",
				InProgress:   "in progress",
				InReview:     "in review",
				Approved:     "approved",
				RequireInput: "require input",
				Blocked:      "blocked",
				Completed:    "completed",
			},
		},
	}
}

// Validate reports settings a run cannot start without.
func (c *Config) Validate() error {
	multiErr := &ierr.MultiError{}
	if c.ClickUp.Token == "" {
		multiErr.Append(ierr.NewConfigError("clickup.token", fmt.Errorf("not set (use CLICKUP_API_TOKEN)")))
	}
	if c.ClickUp.ListID == "" {
		multiErr.Append(ierr.NewConfigError("clickup.list_id", fmt.Errorf("not set")))
	}
	if c.BaseBranch == "" {
		multiErr.Append(ierr.NewConfigError("base_branch", fmt.Errorf("must not be empty")))
	}
	if c.PollInterval <= 0 {
		multiErr.Append(ierr.NewConfigError("poll_interval", fmt.Errorf("must be positive, got %s", c.PollInterval)))
	}
	if c.PushRetries < 0 {
		multiErr.Append(ierr.NewConfigError("push_retries", fmt.Errorf("must be >= 0, got %d", c.PushRetries)))
	}
	return multiErr.ErrorOrNil()
}

// LockPath returns the path of the concurrency guard file.
func (c *Config) LockPath() string {
	return filepath.Join(c.dataDirAbs(), "taskrelay.lock")
}

// NATSDir returns the JetStream storage directory for outcome records.
func (c *Config) NATSDir() string {
	return filepath.Join(c.dataDirAbs(), "nats")
}

// TemplatesDir returns the directory searched for custom prompt templates.
func (c *Config) TemplatesDir() string {
	return filepath.Join(c.dataDirAbs(), "templates")
}

func (c *Config) dataDirAbs() string {
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir
	}
	return filepath.Join(c.WorkDir, c.DataDir)
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/taskrelay/taskrelay.yml or $XDG_CONFIG_HOME/taskrelay/taskrelay.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskrelay", "taskrelay.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "taskrelay", "taskrelay.yml")
}

// ProjectPath returns the project-local config path.
func ProjectPath() string {
	return "taskrelay.yml"
}

// WriteGlobal writes the config to the XDG global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return write(path, cfg)
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	return write(ProjectPath(), cfg)
}

func write(path string, cfg *Config) error {
	// Tokens belong in the environment, never on disk.
	out := *cfg
	out.ClickUp.Token = ""

	data, err := yaml.Marshal(toFile(&out))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// fileConfig mirrors Config with durations rendered as strings so the
// written YAML stays readable ("60s" rather than 60000000000).
type fileConfig struct {
	WorkDir          string  `yaml:"work_dir,omitempty"`
	DataDir          string  `yaml:"data_dir"`
	BaseBranch       string  `yaml:"base_branch"`
	Remote           string  `yaml:"remote"`
	BranchPrefix     string  `yaml:"branch_prefix"`
	BranchTag        string  `yaml:"branch_tag"`
	PollInterval     string  `yaml:"poll_interval"`
	RelaunchInterval string  `yaml:"relaunch_interval"`
	WorkerTimeout    string  `yaml:"worker_timeout"`
	GitTimeout       string  `yaml:"git_timeout"`
	PushRetries      int     `yaml:"push_retries"`
	PushBackoff      string  `yaml:"push_backoff"`
	AutoApprove      bool    `yaml:"auto_approve"`
	Model            string  `yaml:"model,omitempty"`
	WorkerCommand    string  `yaml:"worker_command"`
	LogLevel         string  `yaml:"log_level"`
	LogFile          string  `yaml:"log_file,omitempty"`
	HooksFile        string  `yaml:"hooks_file"`
	ClickUp          ClickUp `yaml:"clickup"`
}

func toFile(c *Config) fileConfig {
	return fileConfig{
		WorkDir:          c.WorkDir,
		DataDir:          c.DataDir,
		BaseBranch:       c.BaseBranch,
		Remote:           c.Remote,
		BranchPrefix:     c.BranchPrefix,
		BranchTag:        c.BranchTag,
		PollInterval:     c.PollInterval.String(),
		RelaunchInterval: c.RelaunchInterval.String(),
		WorkerTimeout:    c.WorkerTimeout.String(),
		GitTimeout:       c.GitTimeout.String(),
		PushRetries:      c.PushRetries,
		PushBackoff:      c.PushBackoff.String(),
		AutoApprove:      c.AutoApprove,
		Model:            c.Model,
		WorkerCommand:    c.WorkerCommand,
		LogLevel:         c.LogLevel,
		LogFile:          c.LogFile,
		HooksFile:        c.HooksFile,
		ClickUp:          c.ClickUp,
	}
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package hooks

// Config is the top-level configuration for hooks loaded from .taskrelay.hooks.yml.
type Config struct {
	Version int         `yaml:"version"`
	Hooks   HooksConfig `yaml:"hooks"`
}

// HooksConfig contains all hook configurations.
type HooksConfig struct {
	// PreTask runs before every worker invocation; piped output is added to the prompt.
	PreTask []*HookConfig `yaml:"pre_task"`
	// PostMerge runs after a pull request is merged. Output is only logged.
	PostMerge []*HookConfig `yaml:"post_merge"`
}

// HookConfig defines a single hook's configuration.
type HookConfig struct {
	Command    string `yaml:"command"`
	Timeout    int    `yaml:"timeout"`     // seconds, default 30
	PipeOutput bool   `yaml:"pipe_output"` // include output in the prompt
}

// DefaultTimeout is the default timeout for hook execution in seconds.
const DefaultTimeout = 30

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds Artifice's settings, loaded from a YAML init file. Field
// names mirror the keys a user would write in that file; any key present
// in the file but not named here is preserved verbatim in Custom rather
// than rejected, so forward-compatible or provider-specific keys survive
// a round trip even though this struct doesn't know about them yet.
type Config struct {
	Assistant    string                 `yaml:"assistant"`
	Assistants   map[string]AgentConfig `yaml:"assistants"`
	SystemPrompt string                 `yaml:"system_prompt"`
	PromptPrefix string                 `yaml:"prompt_prefix"`

	ThinkingBudget int    `yaml:"thinking_budget"`
	OllamaHost     string `yaml:"ollama_host"`
	Banner         string `yaml:"banner"`

	PythonMarkdown    bool `yaml:"python_markdown"`
	AssistantMarkdown bool `yaml:"assistant_markdown"`
	ShellMarkdown     bool `yaml:"shell_markdown"`

	AutoSendToAssistant bool   `yaml:"auto_send_to_assistant"`
	ShellInitScript     string `yaml:"shell_init_script"`

	TmuxTarget        string `yaml:"tmux_target"`
	TmuxPromptPattern string `yaml:"tmux_prompt_pattern"`
	TmuxEchoExitCode  bool   `yaml:"tmux_echo_exit_code"`

	SaveSessions bool   `yaml:"save_sessions"`
	SessionsDir  string `yaml:"sessions_dir"`

	Exec ExecConfig `yaml:"exec"`
	Obs  ObsConfig  `yaml:"observability"`

	// Custom holds every YAML key not named above, verbatim, keyed by its
	// top-level name. Mirrors the known_keys / _custom split in the
	// original Python configuration loader: unknown keys are never an
	// error, just passed through.
	Custom map[string]any `yaml:"-"`
}

// ExecConfig governs the run_cli tool's process limits and binary
// blocklist; the fenced-code executors in internal/execution do not read it.
type ExecConfig struct {
	MaxCommandSeconds int      `yaml:"max_command_seconds"`
	BlockBinaries     []string `yaml:"block_binaries"`
}

// AgentConfig is one entry of the top-level "assistants" mapping: a named
// provider binding the active assistant name selects. API credentials are
// read from the provider's usual environment variable, not from this
// struct, so init.yaml never needs to hold a secret.
type AgentConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	ContextWindow int    `yaml:"context_window"`
	UseTools      bool   `yaml:"use_tools"`
	BaseURL       string `yaml:"base_url"`
}

// AnthropicConfig configures internal/llm/anthropic.Client.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	PromptCache AnthropicPromptCacheConfig
	ExtraParams map[string]any
}

// AnthropicPromptCacheConfig controls which message segments get
// Anthropic prompt-caching breakpoints.
type AnthropicPromptCacheConfig struct {
	Enabled      bool
	CacheSystem  bool
	CacheTools   bool
	CacheMessages bool
}

// OpenAIConfig configures internal/llm/openai.Client. API selects which
// OpenAI-compatible surface to speak: "completions" (default) or
// "responses".
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	API         string
	ExtraParams map[string]any
	LogPayloads bool
}

// GoogleConfig configures internal/llm/google.Client.
type GoogleConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int
}

// ObsConfig governs OpenTelemetry export, consumed by
// observability.InitOTel.
type ObsConfig struct {
	OTLP            string `yaml:"otlp"`
	ServiceName     string `yaml:"service_name"`
	ServiceVersion  string `yaml:"service_version"`
	Environment     string `yaml:"environment"`
	LogPath         string `yaml:"log_path"`
	LogLevel        string `yaml:"log_level"`
}

// knownKeys are the top-level YAML keys this struct understands. Anything
// else found in the file lands in Config.Custom instead of being dropped
// or erroring, exactly as original_source/config.py's load_config does
// with its own known_keys set.
var knownKeys = map[string]struct{}{
	"assistant": {}, "assistants": {}, "system_prompt": {}, "prompt_prefix": {},
	"thinking_budget": {}, "ollama_host": {}, "banner": {},
	"python_markdown": {}, "assistant_markdown": {}, "shell_markdown": {},
	"auto_send_to_assistant": {}, "shell_init_script": {},
	"tmux_target": {}, "tmux_prompt_pattern": {}, "tmux_echo_exit_code": {},
	"save_sessions": {}, "sessions_dir": {},
	"exec": {}, "observability": {},
}

// Default returns a Config with the same defaults load_config applies
// when a key is absent from the file.
func Default() *Config {
	return &Config{
		Assistant:         "anthropic",
		ThinkingBudget:    0,
		OllamaHost:        "http://localhost:11434",
		PythonMarkdown:    true,
		AssistantMarkdown: true,
		ShellMarkdown:     false,
		TmuxPromptPattern: `^\$ `,
		SessionsDir:       "~/.artifice/sessions",
		Exec: ExecConfig{
			MaxCommandSeconds: 30,
		},
		Obs: ObsConfig{
			ServiceName: "artifice",
			LogLevel:    "info",
		},
		Custom: map[string]any{},
	}
}

// Load reads path (or, if empty, $XDG_CONFIG_HOME/artifice/init.yaml,
// falling back to ~/.config/artifice/init.yaml), applying values on top
// of Default(). A missing file is not an error: Default() is returned
// unchanged, matching a fresh install with no init.yaml yet.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		path, err = defaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	for key, val := range raw {
		if _, known := knownKeys[key]; !known {
			cfg.Custom[key] = val
		}
	}

	return cfg, nil
}

func defaultConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "artifice", "init.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "artifice", "init.yaml"), nil
}

// Get returns a custom (unknown-key) value by name and whether it was
// present.
func (c *Config) Get(key string) (any, bool) {
	v, ok := c.Custom[key]
	return v, ok
}

// Set stores a custom value, used the same way original_source/config.py's
// config.set() is used for keys outside the known set.
func (c *Config) Set(key string, value any) {
	if c.Custom == nil {
		c.Custom = map[string]any{}
	}
	c.Custom[key] = value
}

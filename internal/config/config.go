// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the assistant configuration.
type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	LLM        LLMConfig        `toml:"llm"`
	Limits     LimitsConfig     `toml:"limits"`     // Loop guard ceilings
	Workflow   WorkflowConfig   `toml:"workflow"`   // Multi-step execution settings
	Storage    StorageConfig    `toml:"storage"`    // Persistent storage settings
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Perception PerceptionConfig `toml:"perception"` // Filesystem/git watchers
	Pipelines  PipelinesConfig  `toml:"pipelines"`
}

// AgentConfig contains agent identification settings.
type AgentConfig struct {
	ID        string `toml:"id"`
	Workspace string `toml:"workspace"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	MaxRetries   int    `toml:"max_retries"`   // Max retry attempts (default 5)
	RetryBackoff string `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// LimitsConfig contains the loop guard ceilings.
type LimitsConfig struct {
	MaxConsecutiveCalls int     `toml:"max_consecutive_calls"` // Same tool back to back (default 3)
	MaxTotalCalls       int     `toml:"max_total_calls"`       // Per run, all tools (default 15)
	RepetitionWindow    int     `toml:"repetition_window"`     // W; detector scans last 2*W records (default 5)
	RepetitionThreshold int     `toml:"repetition_threshold"`  // Identical (tool,input) pairs to flag (default 3)
	BurstCalls          int     `toml:"burst_calls"`           // Calls within burst window to flag (default 3)
	BurstWindowMS       int     `toml:"burst_window_ms"`       // Burst window size (default 1000)
	SimilarityThreshold float64 `toml:"similarity_threshold"`  // Jaccard cutoff for "no progress" (default 0.7)
	MemorySize          int     `toml:"memory_size"`           // Short-term memory entries (default 20)
}

// WorkflowConfig contains multi-step workflow settings.
type WorkflowConfig struct {
	StateDir        string `toml:"state_dir"`        // Where plan state JSON lives
	MaxReplans      int    `toml:"max_replans"`      // Replans per run before giving up (default 2)
	Postconditions  string `toml:"postconditions"`   // "optimistic" (default) or "strict"
	StatusCheckTool string `toml:"status_check_tool"` // Tool used for loop-break redirects (default git_status)
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path       string `toml:"path"`        // Base directory for runs, workflows, sessions
	SessionLog bool   `toml:"session_log"` // true = record sessions to SQLite
	MaxRuns    int    `toml:"max_runs"`    // Recorded runs kept on disk (default 50, 0 = unlimited)
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
	Insecure bool   `toml:"insecure"` // Disable TLS (default false)
}

// PerceptionConfig contains watcher settings.
type PerceptionConfig struct {
	Enabled    bool     `toml:"enabled"`
	Paths      []string `toml:"paths"`       // Extra directories to watch besides the workspace
	DebounceMS int      `toml:"debounce_ms"` // Event coalescing window (default 500)
}

// PipelinesConfig points at the pipeline definitions file.
type PipelinesConfig struct {
	File string `toml:"file"` // YAML pipeline definitions (default pipelines.yaml)
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Limits: LimitsConfig{
			MaxConsecutiveCalls: 3,
			MaxTotalCalls:       15,
			RepetitionWindow:    5,
			RepetitionThreshold: 3,
			BurstCalls:          3,
			BurstWindowMS:       1000,
			SimilarityThreshold: 0.7,
			MemorySize:          20,
		},
		Workflow: WorkflowConfig{
			MaxReplans:      2,
			Postconditions:  "optimistic",
			StatusCheckTool: "git_status",
		},
		Storage: StorageConfig{
			Path:       "~/.local/termagent",
			SessionLog: true,
			MaxRuns:    50,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Perception: PerceptionConfig{
			DebounceMS: 500,
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from termagent.toml in the current directory,
// falling back to defaults when the file does not exist. A .env file alongside
// it is loaded into the environment first so api_key_env lookups resolve.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	// Missing .env is fine; only surface real parse failures.
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	path := filepath.Join(cwd, "termagent.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	default:
		return ""
	}
}

// StoragePath expands the configured storage path.
func (c *Config) StoragePath() string {
	path := c.Storage.Path
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}

// WorkflowStateDir returns the workflow state directory, defaulting to a
// subdirectory of the storage path.
func (c *Config) WorkflowStateDir() string {
	if c.Workflow.StateDir != "" {
		return c.Workflow.StateDir
	}
	return filepath.Join(c.StoragePath(), "workflows")
}

// RunsDir returns the trace runs directory under the storage path.
func (c *Config) RunsDir() string {
	return filepath.Join(c.StoragePath(), "runs")
}

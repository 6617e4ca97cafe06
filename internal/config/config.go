package config

import (
	"fmt"
	"time"

	"github.com/harun/switchboard/pkg/gateway"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

// Config represents the main switchboard configuration
type Config struct {
	// Gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Agent registry
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Shared session store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Workers
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds the client-facing gateway settings
type GatewayConfig struct {
	Port           int    `json:"port" mapstructure:"port"`
	ClientSecret   string `json:"client_secret" mapstructure:"client_secret"`
	RegistrySecret string `json:"registry_secret" mapstructure:"registry_secret"`

	DefaultAgent          string            `json:"default_agent" mapstructure:"default_agent"`
	PostVerificationAgent string            `json:"post_verification_agent" mapstructure:"post_verification_agent"`
	VerificationTool      string            `json:"verification_tool" mapstructure:"verification_tool"`
	WorkflowAgents        map[string]string `json:"workflow_agents" mapstructure:"workflow_agents"`
	HandoffAgents         map[string]string `json:"handoff_agents" mapstructure:"handoff_agents"`
	NudgeOnHandoff        bool              `json:"nudge_on_handoff" mapstructure:"nudge_on_handoff"`
	IntentKeywords        []string          `json:"intent_keywords" mapstructure:"intent_keywords"`

	Timers              gateway.Timers `json:"timers" mapstructure:"timers"`
	SessionTTL          time.Duration  `json:"session_ttl" mapstructure:"session_ttl"`
	StoreTimeout        time.Duration  `json:"store_timeout" mapstructure:"store_timeout"`
	TranscriptCacheSize int            `json:"transcript_cache_size" mapstructure:"transcript_cache_size"`
	MonitorInterval     time.Duration  `json:"monitor_interval" mapstructure:"monitor_interval"`
	ShutdownTimeout     time.Duration  `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// RegistryConfig holds agent registry settings
type RegistryConfig struct {
	StalenessThreshold time.Duration `json:"staleness_threshold" mapstructure:"staleness_threshold"`
}

// StoreConfig selects and tunes the session store
type StoreConfig struct {
	Driver         string        `json:"driver" mapstructure:"driver"` // memory, sqlite
	Path           string        `json:"path" mapstructure:"path"`
	RetryAttempts  int           `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay" mapstructure:"retry_max_delay"`
	SweepSchedule  string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// AgentConfig describes one worker process
type AgentConfig struct {
	ID                string        `json:"id" mapstructure:"id"`
	Role              string        `json:"role" mapstructure:"role"` // default, verification or empty
	Port              int           `json:"port" mapstructure:"port"`
	URL               string        `json:"url" mapstructure:"url"`
	GatewayURL        string        `json:"gateway_url" mapstructure:"gateway_url"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	Capabilities      []string      `json:"capabilities" mapstructure:"capabilities"`

	Persona           string   `json:"persona" mapstructure:"persona"`
	SystemPrompt      string   `json:"system_prompt" mapstructure:"system_prompt"`
	NextAgent         string   `json:"next_agent" mapstructure:"next_agent"`
	HandoffTargets    []string `json:"handoff_targets" mapstructure:"handoff_targets"`
	ReturnTarget      string   `json:"return_target" mapstructure:"return_target"`
	VerificationTool  string   `json:"verification_tool" mapstructure:"verification_tool"`
	IdentifyingFields []string `json:"identifying_fields" mapstructure:"identifying_fields"`
	WorkflowsDir      string   `json:"workflows_dir" mapstructure:"workflows_dir"`

	Tools         []ToolConfig        `json:"tools" mapstructure:"tools"`
	Backend       BackendConfig       `json:"backend" mapstructure:"backend"`
	ToolTimeout   time.Duration       `json:"tool_timeout" mapstructure:"tool_timeout"`
	MaxToolRounds int                 `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	MemoryTTL     time.Duration       `json:"memory_ttl" mapstructure:"memory_ttl"`
	Limits        toolexecutor.Limits `json:"limits" mapstructure:"limits"`

	Model      ModelConfig      `json:"model" mapstructure:"model"`
	Classifier ClassifierConfig `json:"classifier" mapstructure:"classifier"`
}

// ToolConfig declares a domain tool offered to the model and served by the backend
type ToolConfig struct {
	Name        string            `json:"name" mapstructure:"name"`
	Description string            `json:"description" mapstructure:"description"`
	Parameters  []ParameterConfig `json:"parameters" mapstructure:"parameters"`
}

// ParameterConfig is one tool input field
type ParameterConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	Type        string `json:"type" mapstructure:"type"`
	Description string `json:"description" mapstructure:"description"`
	Required    bool   `json:"required" mapstructure:"required"`
}

// BackendConfig points domain and verification tools at an HTTP endpoint
type BackendConfig struct {
	URL     string            `json:"url" mapstructure:"url"`
	APIKey  string            `json:"api_key" mapstructure:"api_key"`
	Timeout time.Duration     `json:"timeout" mapstructure:"timeout"`
	Headers map[string]string `json:"headers" mapstructure:"headers"`
}

// ModelConfig selects the LLM behind a worker
type ModelConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // anthropic, openai
	Name      string `json:"name" mapstructure:"name"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// ClassifierConfig enables LLM resolution of workflow decision nodes
type ClassifierConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Model   string `json:"model" mapstructure:"model"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Format    string `json:"format" mapstructure:"format"` // console, json
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Model providers
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:                8080,
			DefaultAgent:        "triage",
			VerificationTool:    "perform_idv_check",
			WorkflowAgents:      map[string]string{},
			HandoffAgents:       map[string]string{},
			Timers:              gateway.DefaultTimers(),
			SessionTTL:          30 * time.Minute,
			StoreTimeout:        5 * time.Second,
			TranscriptCacheSize: 256,
			MonitorInterval:     10 * time.Second,
			ShutdownTimeout:     15 * time.Second,
		},
		Registry: RegistryConfig{
			StalenessThreshold: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:         DriverMemory,
			RetryAttempts:  5,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  10 * time.Second,
			SweepSchedule:  "@every 1m",
		},
		Agents: []AgentConfig{},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "console",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// withDefaults fills the per-agent zero values
func (a AgentConfig) withDefaults() AgentConfig {
	if a.HeartbeatInterval <= 0 {
		a.HeartbeatInterval = 10 * time.Second
	}
	if a.URL == "" && a.Port > 0 {
		a.URL = fmt.Sprintf("http://127.0.0.1:%d", a.Port)
	}
	if a.MemoryTTL <= 0 {
		a.MemoryTTL = time.Hour
	}
	if a.ToolTimeout <= 0 {
		a.ToolTimeout = 30 * time.Second
	}
	if a.Limits == (toolexecutor.Limits{}) {
		a.Limits = toolexecutor.DefaultLimits()
	}
	if a.Model.MaxTokens <= 0 {
		a.Model.MaxTokens = 1024
	}
	return a
}

// Agent returns the worker config with the given id
func (c *Config) Agent(id string) (AgentConfig, error) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, nil
		}
	}
	return AgentConfig{}, fmt.Errorf("agent %q not found in config", id)
}

package config

import (
	"encoding/json"
	"errors"
)

// Config represents the main cadence configuration
type Config struct {
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	AI      AIConfig      `json:"ai" mapstructure:"ai"`
	Store   StoreConfig   `json:"store" mapstructure:"store"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port                  int    `json:"port" mapstructure:"port"`
	Host                  string `json:"host" mapstructure:"host"`
	SharedSecret          string `json:"shared_secret" mapstructure:"shared_secret"`
	StreamTimeoutSeconds  int    `json:"stream_timeout_seconds" mapstructure:"stream_timeout_seconds"`
	RateLimitPerMinute    int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
}

// AgentConfig holds the turn pipeline settings
type AgentConfig struct {
	Provider           string   `json:"provider" mapstructure:"provider"`
	Model              string   `json:"model" mapstructure:"model"`
	Temperature        float64  `json:"temperature" mapstructure:"temperature"`
	TopP               float64  `json:"top_p" mapstructure:"top_p"`
	ContextWindow      int      `json:"context_window" mapstructure:"context_window"`
	MaxTokens          int      `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations      int      `json:"max_iterations" mapstructure:"max_iterations"`
	MaxConcurrentTurns int      `json:"max_concurrent_turns" mapstructure:"max_concurrent_turns"`
	TurnTimeoutSeconds int      `json:"turn_timeout_seconds" mapstructure:"turn_timeout_seconds"`
	Tools              []string `json:"tools" mapstructure:"tools"`
	PromptsFile        string   `json:"prompts_file" mapstructure:"prompts_file"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles   []AIProfile `json:"profiles" mapstructure:"profiles"`
	MaxRetries int         `json:"max_retries" mapstructure:"max_retries"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, memory
	Path   string `json:"path" mapstructure:"path"`
}

// ToolsConfig holds tool gateway policy and limits
type ToolsConfig struct {
	Allow          []string `json:"allow" mapstructure:"allow"`
	Deny           []string `json:"deny" mapstructure:"deny"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes int      `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// TracingConfig toggles OpenTelemetry
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:                  8080,
			Host:                  "127.0.0.1",
			StreamTimeoutSeconds:  300,
			RateLimitPerMinute:    60,
			MaxConcurrentRequests: 10,
		},
		Agent: AgentConfig{
			Provider:           "anthropic",
			Model:              "claude-sonnet-4-20250514",
			Temperature:        0.7,
			TopP:               1.0,
			ContextWindow:      200000,
			MaxTokens:          4096,
			MaxIterations:      30,
			MaxConcurrentTurns: 4,
			TurnTimeoutSeconds: 600,
			Tools:              []string{"current_time", "calculator", "echo"},
		},
		AI: AIConfig{
			Profiles:   []AIProfile{},
			MaxRetries: 3,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Tools: ToolsConfig{
			Allow:          []string{"*"},
			Deny:           []string{},
			TimeoutSeconds: 30,
			MaxOutputBytes: 10240,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "cadence",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid for serving turns
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

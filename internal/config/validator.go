package config

import (
	"fmt"
	"strings"
)

var (
	validProviders    = []string{"anthropic", "openai", "gemini"}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validStoreDrivers = []string{"sqlite", "memory"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(provider string) error {
	if !contains(validProviders, provider) {
		return fmt.Errorf("invalid provider %q (must be one of: %s)", provider, strings.Join(validProviders, ", "))
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateTopP validates nucleus sampling value
func (v *Validator) ValidateTopP(topP float64) error {
	if topP < 0 || topP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %f", topP)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !contains(validLogLevels, level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLogLevels, ", "))
	}
	return nil
}

// ValidateStoreDriver validates the persistence driver
func (v *Validator) ValidateStoreDriver(driver string) error {
	if !contains(validStoreDrivers, driver) {
		return fmt.Errorf("invalid store driver: %s (must be one of: %s)", driver, strings.Join(validStoreDrivers, ", "))
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if len(cfg.AI.Profiles) == 0 {
		errs = append(errs, fmt.Errorf("no AI credentials configured: at least one AI profile is required"))
	}
	for i, profile := range cfg.AI.Profiles {
		if profile.ID == "" {
			errs = append(errs, fmt.Errorf("AI profile %d: id is required", i))
		}
		if err := v.ValidateProvider(profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}
	if cfg.AI.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("ai.max_retries must be >= 0"))
	}

	if err := v.ValidateProvider(cfg.Agent.Provider); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if strings.TrimSpace(cfg.Agent.Model) == "" {
		errs = append(errs, fmt.Errorf("agent: model is required"))
	}
	if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if err := v.ValidateTopP(cfg.Agent.TopP); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be > 0"))
	}
	if cfg.Agent.MaxConcurrentTurns <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_concurrent_turns must be > 0"))
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.StreamTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("gateway.stream_timeout_seconds must be >= 0"))
	}

	if err := v.ValidateStoreDriver(cfg.Store.Driver); err != nil {
		errs = append(errs, err)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required for the sqlite driver"))
	}

	if cfg.Tools.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}
	if cfg.Tools.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("tools.max_output_bytes must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CADENCE"

// envBoundKeys are the settings overridable from CADENCE_* variables even
// when the config file does not mention them.
var envBoundKeys = []string{
	"data_dir",
	"logging.level",
	"logging.file",
	"logging.pretty",
	"gateway.host",
	"gateway.port",
	"gateway.shared_secret",
	"gateway.stream_timeout_seconds",
	"agent.provider",
	"agent.model",
	"agent.temperature",
	"agent.max_iterations",
	"agent.max_concurrent_turns",
	"agent.prompts_file",
	"store.driver",
	"store.path",
	"tracing.enabled",
}

// providerKeyEnv maps providers to the env keys used when no profiles are
// configured (CADENCE_ANTHROPIC_API_KEY and friends).
var providerKeyEnv = map[string]string{
	"anthropic": "anthropic_api_key",
	"openai":    "openai_api_key",
	"gemini":    "gemini_api_key",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (if present), applies CADENCE_* overrides and
// fills derived paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envBoundKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.AI.Profiles) == 0 {
		cfg.AI.Profiles = profilesFromEnv(v)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".cadence")
	}

	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "cadence.db")
	}

	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cadence", "cadence.yaml")
}

func profilesFromEnv(v *viper.Viper) []AIProfile {
	providers := make([]string, 0, len(providerKeyEnv))
	for provider := range providerKeyEnv {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	var profiles []AIProfile
	for _, provider := range providers {
		key := v.GetString(providerKeyEnv[provider])
		if key == "" {
			continue
		}
		profiles = append(profiles, AIProfile{
			ID:       provider + "-env",
			Provider: provider,
			APIKey:   key,
			Priority: len(profiles) + 1,
		})
	}
	return profiles
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

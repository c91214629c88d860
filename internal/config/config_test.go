package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Store.Path = "/tmp/cadence.db"
	cfg.AI.Profiles = []AIProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 1},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30, cfg.Agent.MaxIterations)
	assert.Equal(t, "anthropic", cfg.Agent.Provider)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, []string{"*"}, cfg.Tools.Allow)
}

func TestConfigValidate(t *testing.T) {
	t.Run("should accept a complete config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("should require an AI profile", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles = nil

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI credentials configured")
	})

	t.Run("should report every problem at once", func(t *testing.T) {
		cfg := validConfig()
		cfg.Agent.MaxIterations = 0
		cfg.Store.Driver = "postgres"
		cfg.Logging.Level = "loud"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.max_iterations")
		assert.Contains(t, err.Error(), "invalid store driver")
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("should require a sqlite path", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Path = ""

		assert.ErrorContains(t, cfg.Validate(), "store.path")
	})
}

func TestConfigString(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.SharedSecret = "topsecret"

	out := cfg.String()

	assert.NotContains(t, out, "sk-ant-test")
	assert.NotContains(t, out, "topsecret")
	assert.Contains(t, out, `"api_key": "***"`)
	assert.Equal(t, "sk-ant-test", cfg.AI.Profiles[0].APIKey)
}

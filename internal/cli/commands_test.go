package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/cadence/internal/daemon"
)

func TestStatusCommand(t *testing.T) {
	t.Run("should report a stopped daemon", func(t *testing.T) {
		path, _ := writeConfig(t, "")

		out, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("should report a running daemon", func(t *testing.T) {
		path, dataDir := writeConfig(t, "")
		require.NoError(t, os.MkdirAll(dataDir, 0755))
		pidFile := daemon.PIDFilePath(dataDir)
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

		out, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Gateway: unreachable")
	})
}

func TestStopCommand(t *testing.T) {
	path, _ := writeConfig(t, "")

	_, err := execute(t, "stop", "--config", path)
	assert.ErrorContains(t, err, "daemon is not running")

	flag := stopCmd.Flags().Lookup("timeout")
	require.NotNil(t, flag)
	assert.Equal(t, "30", flag.DefValue)
}

func TestStartCommand(t *testing.T) {
	t.Run("should refuse when a daemon owns the PID file", func(t *testing.T) {
		path, dataDir := writeConfig(t, "")
		require.NoError(t, os.MkdirAll(dataDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, daemon.PIDFileName), []byte(strconv.Itoa(os.Getpid())), 0644))

		_, err := execute(t, "start", "--config", path)
		assert.ErrorContains(t, err, "already running")
	})

	t.Run("should reject an invalid configuration", func(t *testing.T) {
		path, _ := writeConfig(t, "agent:\n  temperature: 5\n")

		_, err := execute(t, "start", "--config", path)
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestToolsCommand(t *testing.T) {
	path, _ := writeConfig(t, "tools:\n  allow: [\"*\"]\n  deny: [http_get]\nagent:\n  tools: [echo]\n")

	out, err := execute(t, "tools", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "* echo")
	assert.Contains(t, out, "  calculator")
	assert.NotContains(t, out, "http_get")
}

func TestConfigCommands(t *testing.T) {
	t.Run("should mask secrets", func(t *testing.T) {
		path, _ := writeConfig(t, "")

		out, err := execute(t, "config", "show", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, `"api_key": "***"`)
		assert.NotContains(t, out, "sk-ant-test-key")
	})

	t.Run("should validate", func(t *testing.T) {
		path, _ := writeConfig(t, "")
		out, err := execute(t, "config", "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")

		bad, _ := writeConfig(t, "agent:\n  max_iterations: 0\n")
		_, err = execute(t, "config", "validate", "--config", bad)
		assert.ErrorContains(t, err, "max_iterations")
	})
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h0m1s", formatDuration(time.Hour+time.Second))
}

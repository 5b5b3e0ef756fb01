package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "attache.db", cfg.DatabaseURL)
	assert.Equal(t, "anthropic", cfg.AIProvider)
	assert.Equal(t, 25, cfg.MaxTurns)
	assert.Equal(t, 50, cfg.HistoryWindow)
	assert.Equal(t, int64(4096), cfg.MaxTokens)
	assert.Empty(t, cfg.MCPServers)
}

func TestLoad_APIKeyFromEnv(t *testing.T) {
	resetViper(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.AnthropicAPIKey)
}

func TestLoad_MCPServers(t *testing.T) {
	resetViper(t)
	viper.Set("mcp_servers", map[string]interface{}{
		"github": map[string]interface{}{
			"command": "npx",
			"args":    []string{"-y", "@modelcontextprotocol/server-github"},
			"env":     map[string]string{"GITHUB_TOKEN": "t"},
		},
		"filesystem": map[string]interface{}{
			"command": "npx",
			"args":    []string{"-y", "@modelcontextprotocol/server-filesystem", "."},
		},
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.MCPServers, 2)

	// Sorted by name for deterministic routing
	assert.Equal(t, "filesystem", cfg.MCPServers[0].Name)
	assert.Equal(t, "github", cfg.MCPServers[1].Name)
	assert.Equal(t, "npx", cfg.MCPServers[0].Command)
	assert.Equal(t, "t", cfg.MCPServers[1].Env["GITHUB_TOKEN"])
}

func TestLoad_MCPServerMissingCommand(t *testing.T) {
	resetViper(t)
	viper.Set("mcp_servers", map[string]interface{}{
		"broken": map[string]interface{}{
			"args": []string{"whatever"},
		},
	})

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no command")
}

func TestLoad_RejectsNonPositiveLimits(t *testing.T) {
	resetViper(t)
	viper.Set("max_turns", 0)

	_, err := Load()
	require.Error(t, err)

	resetViper(t)
	viper.Set("history_window", -1)

	_, err = Load()
	require.Error(t, err)
}

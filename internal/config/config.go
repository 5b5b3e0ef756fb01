package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"
)

// MCPServerConfig describes one MCP server process the gateway may launch
// over stdio.
type MCPServerConfig struct {
	Name    string            `mapstructure:"-"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

type Config struct {
	DatabaseURL     string
	AIProvider      string
	AIModel         string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	SystemPrompt    string
	Username        string
	MaxTurns        int
	HistoryWindow   int
	MaxTokens       int64
	Debug           bool
	MCPServers      []MCPServerConfig
}

// SetDefaults registers configuration defaults. Called once before Load,
// normally from the CLI's cobra.OnInitialize hook.
func SetDefaults() {
	viper.SetDefault("database_url", "attache.db")
	viper.SetDefault("ai_provider", "anthropic")
	viper.SetDefault("ai_model", "claude-sonnet-4-20250514")
	viper.SetDefault("max_turns", 25)
	viper.SetDefault("history_window", 50)
	viper.SetDefault("max_tokens", 4096)
	viper.SetDefault("username", defaultUsername())
}

// Load materializes the configuration from viper (config file plus
// ATTACHE_* environment variables bound by the CLI).
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     viper.GetString("database_url"),
		AIProvider:      viper.GetString("ai_provider"),
		AIModel:         viper.GetString("ai_model"),
		AnthropicAPIKey: firstNonEmpty(viper.GetString("anthropic_api_key"), os.Getenv("ANTHROPIC_API_KEY")),
		OpenAIAPIKey:    firstNonEmpty(viper.GetString("openai_api_key"), os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:   viper.GetString("openai_base_url"),
		SystemPrompt:    viper.GetString("system_prompt"),
		Username:        viper.GetString("username"),
		MaxTurns:        viper.GetInt("max_turns"),
		HistoryWindow:   viper.GetInt("history_window"),
		MaxTokens:       viper.GetInt64("max_tokens"),
		Debug:           viper.GetBool("debug"),
	}

	servers, err := loadMCPServers()
	if err != nil {
		return nil, fmt.Errorf("failed to load mcp_servers config: %w", err)
	}
	cfg.MCPServers = servers

	if cfg.MaxTurns <= 0 {
		return nil, fmt.Errorf("max_turns must be positive, got %d", cfg.MaxTurns)
	}
	if cfg.HistoryWindow <= 0 {
		return nil, fmt.Errorf("history_window must be positive, got %d", cfg.HistoryWindow)
	}

	return cfg, nil
}

// loadMCPServers reads the mcp_servers map keyed by server name:
//
//	mcp_servers:
//	  filesystem:
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-filesystem", "."]
func loadMCPServers() ([]MCPServerConfig, error) {
	raw := map[string]MCPServerConfig{}
	if err := viper.UnmarshalKey("mcp_servers", &raw); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]MCPServerConfig, 0, len(raw))
	for _, name := range names {
		server := raw[name]
		server.Name = name
		if server.Command == "" {
			return nil, fmt.Errorf("mcp server %q has no command", name)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ConfigDir returns the directory holding config.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "attache")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".attache"
	}
	return filepath.Join(home, ".config", "attache")
}

func defaultUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

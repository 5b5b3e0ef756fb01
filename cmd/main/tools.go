package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"attache/internal/config"
	"attache/internal/gateway"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools advertised by the configured MCP servers",
	RunE:  runTools,
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.MCPServers) == 0 {
		fmt.Println("No MCP servers configured (add mcp_servers to config.yaml)")
		return nil
	}

	gw := gateway.New(cfg.MCPServers)
	defer gw.Close()

	capabilities, err := gw.ListCapabilities(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if len(capabilities) == 0 {
		fmt.Println("No tools available")
		return nil
	}

	currentServer := ""
	for _, capability := range capabilities {
		if capability.ServerName != currentServer {
			currentServer = capability.ServerName
			fmt.Printf("\n%s:\n", currentServer)
		}
		fmt.Printf("  %-28s %s\n", capability.Name, capability.Description)
	}
	fmt.Println()

	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"attache/internal/config"
	"attache/internal/logging"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "attache",
		Short: "Attache - conversational coding assistant with MCP tools",
		Long: `Attache is a CLI coding assistant. It talks to an LLM provider, executes
the tool calls the model requests through MCP servers, and keeps every
conversation in a local SQLite database so sessions survive restarts.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/attache/config.yaml)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(conversationsCmd)

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)

	chatCmd.Flags().StringP("conversation", "c", "", "Conversation ID to resume")
	chatCmd.Flags().Bool("debug", false, "Enable debug logging")
	conversationsListCmd.Flags().Int("limit", 20, "Maximum number of conversations to display")

	_ = viper.BindPFlag("debug", chatCmd.Flags().Lookup("debug"))

	config.SetDefaults()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.ConfigDir())
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("ATTACHE")
	viper.AutomaticEnv()

	// Missing config file is fine; env vars and defaults carry the rest
	_ = viper.ReadInConfig()
}

func initLogging() {
	logging.Initialize(viper.GetBool("debug"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

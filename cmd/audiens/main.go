package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
)

var (
	// Command-line flags
	configPath string
	serverPort int
	serverHost string

	// Global state shared by subcommands
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:   "audiens",
	Short: "Knowledge base and Amazon voice-of-customer analysis server",
	Long: `Audiens hosts multi-tenant knowledge base spaces with hybrid retrieval
and runs voice-of-customer analysis over crawled Amazon review, listing
and keyword data.`,
	PersistentPreRunE: loadConfiguration,
	// Running the bare binary starts the server.
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfiguration resolves config (defaults -> file -> env -> flags) and
// initializes the logger before any subcommand runs.
func loadConfiguration(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	// Auto-discover the config file when not specified
	if configPath == "" {
		if _, err := os.Stat("audiens.toml"); err == nil {
			configPath = "audiens.toml"
		}
	}

	var err error
	config, err = common.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if serverPort > 0 {
		config.Server.Port = serverPort
	}
	if serverHost != "" {
		config.Server.Host = serverHost
	}

	logger = common.InitLogger(config)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

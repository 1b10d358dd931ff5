package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
)

var (
	// Command-line flags
	configFiles []string
	serverPort  int
	serverHost  string
	serverURL   string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "formpilot",
	Short:         "Contact form outreach job runner",
	Long:          `FormPilot queues outreach jobs, finds each target site's contact form in a headless browser and submits it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Base URL of a running server (default from config host and port)")

	rootCmd.AddCommand(serveCmd, enqueueCmd, statusCmd, pauseCmd, resumeCmd, concurrencyCmd, versionCmd)
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile()

	if err := rootCmd.Execute(); err != nil {
		common.GetLogger().Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig resolves configuration: defaults -> files -> env -> flags, then the logger
func loadConfig() error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		for _, candidate := range []string{"formpilot.toml", "deployments/local/formpilot.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)
	logger = common.InitLogger(config)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("storage_path", config.Storage.Badger.Path).
		Str("log_level", config.Logging.Level).
		Msg("Resolved configuration")

	return nil
}

// apiBaseURL is the server the client subcommands talk to
func apiBaseURL() string {
	if serverURL != "" {
		return serverURL
	}
	return fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)
}

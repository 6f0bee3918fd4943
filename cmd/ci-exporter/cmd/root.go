// Package cmd holds the exporter's command line.
package cmd

import (
	"fmt"

	"github.com/ci-exporter/internal/config"
	"github.com/ci-exporter/internal/logging"
	"github.com/spf13/cobra"
)

var (
	providerFlag string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "ci-exporter",
	Short: "ci-exporter publishes CI job metrics from GitHub Actions or GitLab CI",
	Long: `ci-exporter polls a CI provider for recent pipeline jobs, keeps them in a
durable job store and exposes Prometheus metrics about them.

Common workflows:

  Serve metrics, polling on SYNC_INTERVAL:
    ci-exporter serve

  Run a single tick and print the exposition:
    ci-exporter tick

  Apply Postgres migrations:
    ci-exporter migrate up

Configuration is read from the environment and an optional .env file:
  CI_PROVIDER          github or gitlab (default: github)
  GITHUB_TOKEN         GitHub token, GITHUB_PROJECTS owner/repo list
  GITLAB_TOKEN         GitLab token, GITLAB_PROJECTS project id or path list
  STORE_DRIVER         sqlite or postgres (default: sqlite)
  SYNC_INTERVAL        tick interval (default: 30s)`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the environment, applies flag overrides, validates and
// initialises the global logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if providerFlag != "" {
		cfg.Provider.Name = providerFlag
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logging.WithFields(map[string]interface{}{
		"log_level":  cfg.Logging.Level,
		"log_format": cfg.Logging.Format,
		"provider":   cfg.Provider.Name,
	}).Info("Structured logging initialized")

	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "", "CI provider to poll, overrides CI_PROVIDER")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level, overrides LOG_LEVEL")
}

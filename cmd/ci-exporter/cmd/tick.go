package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/ci-exporter/internal/metrics"
	"github.com/spf13/cobra"
)

var reportFlag bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one tick and print the metrics exposition",
	Long: `Run a single fetch, store and project cycle against the configured provider,
then write the resulting Prometheus text exposition to stdout. With --report the
tick report is written as JSON instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exp, err := newExporter(ctx, cfg)
		if err != nil {
			return err
		}
		defer exp.Close()

		report, err := exp.engine.Tick(ctx, cfg.Projects())
		if err != nil {
			return err
		}

		if reportFlag {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		return metrics.WriteText(cmd.OutOrStdout(), exp.registry)
	},
}

func init() {
	tickCmd.Flags().BoolVar(&reportFlag, "report", false, "print the tick report as JSON instead of the exposition")
	rootCmd.AddCommand(tickCmd)
}

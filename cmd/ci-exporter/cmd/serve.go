package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ci-exporter/internal/api"
	"github.com/ci-exporter/internal/logging"
	"github.com/ci-exporter/internal/worker"
	"github.com/spf13/cobra"
)

var (
	shutdownTimeout time.Duration
	apiRPS          int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the provider on an interval and serve /metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.GetGlobalLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exp, err := newExporter(ctx, cfg)
		if err != nil {
			logger.WithError(err).Error("Failed to initialise exporter")
			return err
		}
		defer exp.Close()

		scheduler, err := worker.NewScheduler(&worker.SchedulerConfig{
			Updater:  exp.engine,
			Projects: cfg.Projects(),
			Interval: cfg.Sync.Interval,
		})
		if err != nil {
			return err
		}

		server := api.NewServer(&api.ServerConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
			APIRPS:       apiRPS,
		}, exp.registry, exp.engine, exp.store)

		serverErr := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()

		if err := scheduler.Start(ctx); err != nil {
			return err
		}

		logger.WithFields(map[string]interface{}{
			"host":     cfg.Server.Host,
			"port":     cfg.Server.Port,
			"interval": cfg.Sync.Interval.String(),
			"projects": len(cfg.Projects()),
		}).Info("Exporter started successfully")

		var runErr error
		select {
		case <-ctx.Done():
			logger.Info("Shutting down exporter...")
		case err := <-serverErr:
			logger.WithError(err).Error("Exposition server failed")
			runErr = err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Scheduler did not stop cleanly")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
			if runErr == nil {
				runErr = err
			}
		}

		logger.Info("Exporter exited")
		return runErr
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for the running tick and open requests to finish")
	serveCmd.Flags().IntVar(&apiRPS, "api-rps", 20, "requests per second allowed per client on /api, 0 disables the limit")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbtlens/dbtlens/pkg/api"
	"github.com/dbtlens/dbtlens/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and background indexer",
	Long: `Start the dbtlens API server. When indexing is enabled, dbt artifacts
are indexed in the background. Changes to the analytics section of the
config files are applied without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := api.NewServer(log, &cfg.API, cfg.Analytics)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	watchDone := make(chan struct{})

	go func() {
		defer close(watchDone)

		err := config.Watch(ctx, log, cfgFiles, func(next *config.Config) {
			if !cmd.Flags().Changed("log-level") {
				applyLogLevel(next.Global.LogLevel)
			}

			if err := srv.SetAnalytics(ctx, next.Analytics); err != nil {
				log.WithError(err).Error("Failed to apply analytics config")
			}
		})
		if err != nil {
			log.WithError(err).Warn("Config watcher stopped")
		}
	}()

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()
	<-watchDone

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dbtlens/dbtlens/pkg/api/indexer"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
	"github.com/dbtlens/dbtlens/pkg/api/storage"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one indexing pass over the configured storage and exit",
	Long: `Discover dbt invocations under every configured discovery path, write
new ones and ones that gained results since the last pass to the run store,
then exit. Exits non-zero when any invocation failed to index.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.ValidateIngest(); err != nil {
		return fmt.Errorf("validating ingest config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := runstore.NewStore(log, &cfg.API.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting run store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close run store")
		}
	}()

	reader, err := storage.NewReader(&cfg.API.Storage)
	if err != nil {
		return fmt.Errorf("creating storage reader: %w", err)
	}

	interval, err := cfg.API.Indexing.IntervalDuration()
	if err != nil {
		return err
	}

	stats := indexer.NewIndexer(
		log, store, reader, interval, cfg.API.Indexing.Concurrency,
	).RunPass(ctx)

	log.WithFields(logrus.Fields{
		"indexed":   stats.Indexed,
		"reindexed": stats.Reindexed,
		"failed":    stats.Failed,
	}).Info("Ingest finished")

	if stats.Failed > 0 {
		return fmt.Errorf("%d invocation(s) failed to index", stats.Failed)
	}

	return ctx.Err()
}

package indexer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dbtlens/dbtlens/pkg/api/runstore"
	"github.com/dbtlens/dbtlens/pkg/api/storage"
	"github.com/dbtlens/dbtlens/pkg/artifacts"
)

// defaultConcurrency is the number of invocations indexed in parallel
// when no explicit concurrency value is configured.
const defaultConcurrency = 4

// Indexer is a background service that periodically scans storage
// and writes invocation records into the run store.
type Indexer interface {
	Start(ctx context.Context) error
	Stop() error

	// RunPass performs one synchronous indexing pass over every
	// discovery path and reports how many invocations were written.
	RunPass(ctx context.Context) PassStats
}

// PassStats summarizes one indexing pass.
type PassStats struct {
	Indexed   int64
	Reindexed int64
	Failed    int64
	Duration  time.Duration
}

// Compile-time interface check.
var _ Indexer = (*indexer)(nil)

type indexer struct {
	log         logrus.FieldLogger
	store       runstore.Store
	reader      storage.Reader
	interval    time.Duration
	concurrency int
	now         func() time.Time
	done        chan struct{}
	wg          sync.WaitGroup
	dbMu        sync.Mutex // serializes DB writes to avoid SQLite contention
}

// NewIndexer creates a new background indexer.
func NewIndexer(
	log logrus.FieldLogger,
	store runstore.Store,
	reader storage.Reader,
	interval time.Duration,
	concurrency int,
) Indexer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &indexer{
		log:         log.WithField("component", "indexer"),
		store:       store,
		reader:      reader,
		interval:    interval,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
		done:        make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate indexing
// pass and then ticks at the configured interval.
func (idx *indexer) Start(ctx context.Context) error {
	idx.log.WithFields(logrus.Fields{
		"interval":    idx.interval.String(),
		"concurrency": idx.concurrency,
	}).Info("Starting indexer")

	idx.wg.Add(1)

	go func() {
		defer idx.wg.Done()

		idx.RunPass(ctx)

		ticker := time.NewTicker(idx.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				idx.RunPass(ctx)
			case <-idx.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the indexer goroutine to stop and waits for it.
func (idx *indexer) Stop() error {
	close(idx.done)
	idx.wg.Wait()

	idx.log.Info("Indexer stopped")

	return nil
}

// RunPass executes one full indexing pass across all discovery paths.
func (idx *indexer) RunPass(ctx context.Context) PassStats {
	start := time.Now()
	paths := idx.reader.DiscoveryPaths()

	var counters passCounters

	idx.log.WithField("discovery_paths", len(paths)).
		Info("Indexing pass started")

	for _, dp := range paths {
		select {
		case <-ctx.Done():
			return counters.stats(time.Since(start))
		case <-idx.done:
			return counters.stats(time.Since(start))
		default:
		}

		if err := idx.indexDiscoveryPath(ctx, dp, &counters); err != nil {
			idx.log.WithError(err).
				WithField("discovery_path", dp).
				Warn("Indexing pass failed for discovery path")
		}
	}

	stats := counters.stats(time.Since(start))

	idx.log.WithFields(logrus.Fields{
		"duration":  stats.Duration.Round(time.Millisecond),
		"indexed":   stats.Indexed,
		"reindexed": stats.Reindexed,
		"failed":    stats.Failed,
	}).Info("Indexing pass completed")

	return stats
}

type passCounters struct {
	indexed, reindexed, failed atomic.Int64
}

func (c *passCounters) stats(d time.Duration) PassStats {
	return PassStats{
		Indexed:   c.indexed.Load(),
		Reindexed: c.reindexed.Load(),
		Failed:    c.failed.Load(),
		Duration:  d,
	}
}

// indexDiscoveryPath discovers new invocations and re-indexes the ones
// stored before their results existed, using a bounded worker pool.
func (idx *indexer) indexDiscoveryPath(
	ctx context.Context, dp string, counters *passCounters,
) error {
	storageIDs, err := idx.reader.ListInvocationIDs(ctx, dp)
	if err != nil {
		return fmt.Errorf("listing storage invocation IDs: %w", err)
	}

	indexedIDs, err := idx.store.ListInvocationIDs(ctx, dp)
	if err != nil {
		return fmt.Errorf("listing indexed invocation IDs: %w", err)
	}

	incompleteIDs, err := idx.store.ListIncompleteInvocationIDs(ctx, dp)
	if err != nil {
		return fmt.Errorf("listing incomplete invocation IDs: %w", err)
	}

	indexedSet := make(map[string]struct{}, len(indexedIDs))
	for _, id := range indexedIDs {
		indexedSet[id] = struct{}{}
	}

	incompleteSet := make(map[string]struct{}, len(incompleteIDs))
	for _, id := range incompleteIDs {
		incompleteSet[id] = struct{}{}
	}

	type invocationTask struct {
		invocationID   string
		alreadyIndexed bool
	}

	var (
		tasks    []invocationTask
		newCount int
	)

	for _, id := range storageIDs {
		_, alreadyIndexed := indexedSet[id]
		_, isIncomplete := incompleteSet[id]

		if alreadyIndexed && !isIncomplete {
			continue
		}

		if !alreadyIndexed {
			newCount++
		}

		tasks = append(tasks, invocationTask{
			invocationID:   id,
			alreadyIndexed: alreadyIndexed,
		})
	}

	dpLog := idx.log.WithField("discovery_path", dp)

	dpLog.WithFields(logrus.Fields{
		"storage_invocations":    len(storageIDs),
		"indexed_invocations":    len(indexedIDs),
		"new_invocations":        newCount,
		"incomplete_invocations": len(incompleteIDs),
	}).Info("Scanning discovery path")

	if len(tasks) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(idx.concurrency)

	for _, task := range tasks {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-idx.done:
				return nil
			default:
			}

			hasResults, err := idx.indexInvocation(
				gCtx, dp, task.invocationID, task.alreadyIndexed,
			)
			if err != nil {
				counters.failed.Add(1)

				dpLog.WithError(err).
					WithField("invocation_id", task.invocationID).
					Warn("Failed to index invocation")

				return nil //nolint:nilerr // log and continue
			}

			action := "indexed"
			if task.alreadyIndexed {
				action = "reindexed"
			}

			if hasResults {
				if task.alreadyIndexed {
					counters.reindexed.Add(1)
				} else {
					counters.indexed.Add(1)
				}
			}

			dpLog.WithFields(logrus.Fields{
				"invocation_id": task.invocationID,
				"action":        action,
				"has_results":   hasResults,
			}).Info("Indexed invocation")

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("indexing invocations: %w", err)
	}

	return nil
}

// indexInvocation reads the three artifact files of an invocation
// concurrently, parses them and writes the result. An invocation without
// run_results.json is recorded as pending so a later pass picks it up.
func (idx *indexer) indexInvocation(
	ctx context.Context, dp, invocationID string, isReindex bool,
) (bool, error) {
	files := [...]string{
		artifacts.RunResultsFile,
		artifacts.ManifestFile,
		artifacts.RowCountsFile,
	}

	var (
		data   [len(files)][]byte
		errs   [len(files)]error
		fileWg sync.WaitGroup
	)

	for i, name := range files {
		fileWg.Add(1)

		go func() {
			defer fileWg.Done()

			data[i], errs[i] = idx.reader.GetInvocationFile(ctx, dp, invocationID, name)
		}()
	}

	fileWg.Wait()

	if errs[0] != nil {
		return false, fmt.Errorf("reading %s: %w", artifacts.RunResultsFile, errs[0])
	}

	for i := 1; i < len(files); i++ {
		if errs[i] != nil {
			idx.log.WithError(errs[i]).WithField("invocation_id", invocationID).
				Debugf("Failed to read %s, continuing without it", files[i])

			data[i] = nil
		}
	}

	now := idx.now()

	inv := &runstore.Invocation{
		DiscoveryPath: dp,
		InvocationID:  invocationID,
		IndexedAt:     now,
	}

	if isReindex {
		inv.ReindexedAt = &now
	}

	// Serialize DB writes to avoid SQLite BUSY errors under concurrency.
	if data[0] == nil {
		idx.dbMu.Lock()
		defer idx.dbMu.Unlock()

		if err := idx.store.UpsertInvocation(ctx, inv); err != nil {
			return false, fmt.Errorf("recording pending invocation: %w", err)
		}

		return false, nil
	}

	bundle, err := artifacts.BuildBundle(invocationID, data[0], data[1], data[2])
	if err != nil {
		return false, fmt.Errorf("building bundle: %w", err)
	}

	applyBundle(inv, bundle)

	results := bundleResults(dp, bundle)

	idx.dbMu.Lock()
	defer idx.dbMu.Unlock()

	if err := idx.store.ReplaceInvocation(ctx, inv, results); err != nil {
		return false, fmt.Errorf("writing invocation: %w", err)
	}

	generated := bundle.Invocation.CreatedAt

	if len(bundle.Models) > 0 {
		models := make([]runstore.Model, 0, len(bundle.Models))
		for _, m := range bundle.Models {
			models = append(models, runstore.NewModel(m, generated))
		}

		if err := idx.store.UpsertModels(ctx, models); err != nil {
			return false, fmt.Errorf("writing model catalog: %w", err)
		}
	}

	if len(bundle.CatalogTests) > 0 {
		tests := make([]runstore.Test, 0, len(bundle.CatalogTests))
		for _, t := range bundle.CatalogTests {
			tests = append(tests, runstore.NewTest(t, generated))
		}

		if err := idx.store.UpsertTests(ctx, tests); err != nil {
			return false, fmt.Errorf("writing test catalog: %w", err)
		}
	}

	return true, nil
}

func applyBundle(inv *runstore.Invocation, b *artifacts.Bundle) {
	inv.Command = b.Invocation.Command
	inv.TargetName = b.Invocation.TargetName
	inv.DBTVersion = b.Invocation.DBTVersion
	inv.GeneratedAt = b.Invocation.CreatedAt
	inv.RunStartedAt = b.Invocation.RunStartedAt
	inv.RunCompletedAt = b.Invocation.RunCompletedAt
	inv.HasResults = true
	inv.ModelCount = len(b.Runs)
	inv.TestCount = len(b.Tests)
}

func bundleResults(dp string, b *artifacts.Bundle) *runstore.Results {
	results := &runstore.Results{
		ModelRuns: make([]runstore.ModelRun, 0, len(b.Runs)),
		TestRuns:  make([]runstore.TestRun, 0, len(b.Tests)),
		RowCounts: make([]runstore.RowCount, 0, len(b.RowCounts)),
	}

	for _, r := range b.Runs {
		results.ModelRuns = append(results.ModelRuns, runstore.NewModelRun(dp, r))
	}

	for _, t := range b.Tests {
		results.TestRuns = append(results.TestRuns, runstore.NewTestRun(dp, t))
	}

	for _, o := range b.RowCounts {
		results.RowCounts = append(
			results.RowCounts, runstore.NewRowCount(dp, b.Invocation.InvocationID, o),
		)
	}

	return results
}

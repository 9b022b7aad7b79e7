package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbtlens/dbtlens/pkg/api/cache"
	"github.com/dbtlens/dbtlens/pkg/api/indexer"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
	"github.com/dbtlens/dbtlens/pkg/api/storage"
	"github.com/dbtlens/dbtlens/pkg/config"
	"github.com/dbtlens/dbtlens/pkg/health"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// SetAnalytics applies new analytics thresholds and drops cached
	// responses computed with the old ones.
	SetAnalytics(ctx context.Context, cfg config.AnalyticsConfig) error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	analytics  config.AnalyticsConfig
	store      runstore.Store
	health     *health.Service
	cache      cache.Cache
	cacheTTL   time.Duration
	metrics    *metrics
	tokens     *tokenVerifier
	indexer    indexer.Indexer
	httpServer *http.Server
	now        func() time.Time
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	analytics config.AnalyticsConfig,
) Server {
	return &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		analytics: analytics,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start opens the run store, prepares the health service and cache, starts
// the HTTP server and finally the background indexer.
func (s *server) Start(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}

	if s.cfg.Indexing.Enabled {
		if err := s.prepareIndexing(); err != nil {
			return fmt.Errorf("preparing indexing: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	// Start the background indexer AFTER the API is listening so that
	// the server is reachable while the first (potentially slow) pass runs.
	if s.indexer != nil {
		if err := s.indexer.Start(ctx); err != nil {
			return fmt.Errorf("starting indexer: %w", err)
		}
	}

	return nil
}

// init creates every dependency of the router.
func (s *server) init(ctx context.Context) error {
	s.store = runstore.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting run store: %w", err)
	}

	svc, err := health.NewService(s.log, s.store, s.analytics)
	if err != nil {
		return fmt.Errorf("creating health service: %w", err)
	}

	s.health = svc

	c, err := cache.New(s.log, &s.cfg.Cache)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("starting cache: %w", err)
	}

	s.cache = c

	if s.cfg.Cache.Driver != config.CacheDriverNone {
		if s.cacheTTL, err = s.cfg.Cache.TTLDuration(); err != nil {
			return err
		}
	}

	if s.cfg.Metrics.Enabled {
		s.metrics = newMetrics()
	}

	s.tokens = newTokenVerifier(s.cfg.Auth.Tokens)

	return nil
}

// Stop gracefully shuts down the HTTP server, the indexer and the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	if s.indexer != nil {
		if err := s.indexer.Stop(); err != nil {
			s.log.WithError(err).Warn("Indexer stop error")
		}
	}

	s.wg.Wait()

	if s.cache != nil {
		if err := s.cache.Stop(); err != nil {
			s.log.WithError(err).Warn("Cache stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping run store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// SetAnalytics swaps the analytics thresholds of the running server.
func (s *server) SetAnalytics(ctx context.Context, cfg config.AnalyticsConfig) error {
	if s.health == nil {
		return fmt.Errorf("server not started")
	}

	if err := s.health.SetAnalytics(cfg); err != nil {
		return err
	}

	if err := s.cache.Purge(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to purge response cache")
	}

	s.log.Info("Analytics configuration reloaded")

	return nil
}

// prepareIndexing creates the storage reader and indexer without starting
// the background goroutine. Call indexer.Start() separately after the HTTP
// server is listening.
func (s *server) prepareIndexing() error {
	reader, err := storage.NewReader(&s.cfg.Storage)
	if err != nil {
		return err
	}

	interval, err := s.cfg.Indexing.IntervalDuration()
	if err != nil {
		return err
	}

	s.indexer = indexer.NewIndexer(
		s.log, s.store, reader, interval, s.cfg.Indexing.Concurrency,
	)

	s.log.Info("Indexing service enabled")

	return nil
}

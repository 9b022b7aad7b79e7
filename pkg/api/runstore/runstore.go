// Package runstore persists indexed dbt invocations, their model and test
// runs, row count samples and the model/test catalog.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/config"
)

// ErrNotFound is returned when an invocation, model or test is unknown.
var ErrNotFound = errors.New("not found")

// batchSize bounds rows per INSERT statement.
const batchSize = 100

// RunFilter narrows record fetches. Zero fields do not filter.
type RunFilter struct {
	// Since is the inclusive lower bound on observed_at.
	Since time.Time
	// Search is a case-insensitive substring match on the name.
	Search    string
	EntityID  string
	ModelName string
}

// Results is the record set of one invocation.
type Results struct {
	ModelRuns []ModelRun
	TestRuns  []TestRun
	RowCounts []RowCount
}

// Store provides persistence for indexed run records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Indexing writes.
	UpsertInvocation(ctx context.Context, inv *Invocation) error
	ReplaceInvocation(ctx context.Context, inv *Invocation, results *Results) error
	UpsertModels(ctx context.Context, models []Model) error
	UpsertTests(ctx context.Context, tests []Test) error
	ListInvocationIDs(ctx context.Context, discoveryPath string) ([]string, error)
	ListIncompleteInvocationIDs(
		ctx context.Context, discoveryPath string,
	) ([]string, error)

	// Record slices.
	FetchRuns(ctx context.Context, filter RunFilter) ([]analytics.RunRecord, error)
	FetchTestRuns(ctx context.Context, filter RunFilter) ([]analytics.TestRunRecord, error)
	FetchRowCounts(
		ctx context.Context, name string, since time.Time,
	) ([]analytics.RowCountObservation, error)
	FetchAllRowCounts(
		ctx context.Context, since time.Time,
	) ([]analytics.RowCountObservation, error)
	FetchInvocationRuns(ctx context.Context, invocationID string) ([]analytics.RunRecord, error)
	FetchInvocationTests(
		ctx context.Context, invocationID string,
	) ([]analytics.TestRunRecord, error)

	// Invocations and catalog.
	GetInvocation(ctx context.Context, invocationID string) (*Invocation, error)
	ListInvocations(
		ctx context.Context, since time.Time, limit, offset int,
	) ([]Invocation, error)
	CountInvocations(ctx context.Context, since time.Time) (int, error)
	ListModels(ctx context.Context) ([]Model, error)
	GetModel(ctx context.Context, uniqueID string) (*Model, error)
	ListTests(ctx context.Context) ([]Test, error)
	GetTest(ctx context.Context, uniqueID string) (*Test, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.APIDatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new run Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.APIDatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "runstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if s.cfg.Driver == "sqlite" && s.cfg.SQLite.Path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Invocation{},
		&ModelRun{},
		&TestRun{},
		&RowCount{},
		&Model{},
		&Test{},
	); err != nil {
		return fmt.Errorf("running run store migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Run database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertInvocation inserts or updates an invocation row keyed by
// discovery_path + invocation_id. All columns are overwritten.
func (s *store) UpsertInvocation(ctx context.Context, inv *Invocation) error {
	if err := upsertInvocation(s.db.WithContext(ctx), inv); err != nil {
		return fmt.Errorf("upserting invocation: %w", err)
	}

	return nil
}

func upsertInvocation(tx *gorm.DB, inv *Invocation) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "discovery_path"},
			{Name: "invocation_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"command", "target_name", "dbt_version", "generated_at",
			"run_started_at", "run_completed_at", "has_results",
			"model_count", "test_count", "indexed_at", "reindexed_at",
		}),
	}).Create(inv).Error
}

// ReplaceInvocation upserts the invocation and swaps its records for
// results in a single transaction.
func (s *store) ReplaceInvocation(
	ctx context.Context, inv *Invocation, results *Results,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertInvocation(tx, inv); err != nil {
			return fmt.Errorf("upserting invocation: %w", err)
		}

		for _, model := range []any{&ModelRun{}, &TestRun{}, &RowCount{}} {
			if err := tx.Where(
				"discovery_path = ? AND invocation_id = ?",
				inv.DiscoveryPath, inv.InvocationID,
			).Delete(model).Error; err != nil {
				return fmt.Errorf("deleting previous records: %w", err)
			}
		}

		if results == nil {
			return nil
		}

		if err := createInBatches(tx, results.ModelRuns); err != nil {
			return fmt.Errorf("inserting model runs: %w", err)
		}

		if err := createInBatches(tx, results.TestRuns); err != nil {
			return fmt.Errorf("inserting test runs: %w", err)
		}

		if err := createInBatches(tx, results.RowCounts); err != nil {
			return fmt.Errorf("inserting row counts: %w", err)
		}

		return nil
	})
}

func createInBatches[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	return tx.CreateInBatches(rows, batchSize).Error
}

// UpsertModels writes catalog models, skipping any whose stored row came
// from a newer manifest.
func (s *store) UpsertModels(ctx context.Context, models []Model) error {
	if err := upsertCatalog(s.db.WithContext(ctx), models); err != nil {
		return fmt.Errorf("upserting models: %w", err)
	}

	return nil
}

// UpsertTests writes catalog tests, skipping any whose stored row came
// from a newer manifest.
func (s *store) UpsertTests(ctx context.Context, tests []Test) error {
	if err := upsertCatalog(s.db.WithContext(ctx), tests); err != nil {
		return fmt.Errorf("upserting tests: %w", err)
	}

	return nil
}

type catalogRow interface {
	Model | Test
	catalogKey() string
	manifestTime() time.Time
}

func upsertCatalog[T catalogRow](db *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		for i := 0; i < len(rows); i += batchSize {
			batch := rows[i:min(i+batchSize, len(rows))]

			keys := make([]string, 0, len(batch))
			for _, r := range batch {
				keys = append(keys, r.catalogKey())
			}

			var existing []T
			if err := tx.Where("unique_id IN ?", keys).Find(&existing).Error; err != nil {
				return err
			}

			stored := make(map[string]time.Time, len(existing))
			for _, e := range existing {
				stored[e.catalogKey()] = e.manifestTime()
			}

			fresh := make([]T, 0, len(batch))

			for _, r := range batch {
				if prev, ok := stored[r.catalogKey()]; ok && prev.After(r.manifestTime()) {
					continue
				}

				fresh = append(fresh, r)
			}

			if len(fresh) == 0 {
				continue
			}

			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
				Create(&fresh).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

// ListInvocationIDs returns the invocation IDs indexed for a discovery path.
func (s *store) ListInvocationIDs(
	ctx context.Context, discoveryPath string,
) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Invocation{}).
		Where("discovery_path = ?", discoveryPath).
		Pluck("invocation_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing invocation ids: %w", err)
	}

	return ids, nil
}

// ListIncompleteInvocationIDs returns invocations indexed before their
// run_results.json existed.
func (s *store) ListIncompleteInvocationIDs(
	ctx context.Context, discoveryPath string,
) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Invocation{}).
		Where("discovery_path = ? AND has_results = ?", discoveryPath, false).
		Pluck("invocation_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing incomplete invocation ids: %w", err)
	}

	return ids, nil
}

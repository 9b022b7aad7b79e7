package runstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/dbtlens/dbtlens/pkg/analytics"
)

// recordOrder keeps insertion order for records sharing a timestamp.
const recordOrder = "observed_at ASC, id ASC"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func applyFilter(q *gorm.DB, f RunFilter) *gorm.DB {
	if !f.Since.IsZero() {
		q = q.Where("observed_at >= ?", f.Since.UTC())
	}

	if f.Search != "" {
		pattern := "%" + likeEscaper.Replace(strings.ToLower(f.Search)) + "%"
		q = q.Where(`LOWER(name) LIKE ? ESCAPE '\'`, pattern)
	}

	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}

	if f.ModelName != "" {
		q = q.Where("model_name = ?", f.ModelName)
	}

	return q
}

// FetchRuns returns model runs matching the filter, oldest first.
func (s *store) FetchRuns(
	ctx context.Context, filter RunFilter,
) ([]analytics.RunRecord, error) {
	filter.ModelName = ""

	var rows []ModelRun
	if err := applyFilter(s.db.WithContext(ctx), filter).
		Order(recordOrder).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching model runs: %w", err)
	}

	return modelRecords(rows), nil
}

// FetchTestRuns returns test runs matching the filter, oldest first.
func (s *store) FetchTestRuns(
	ctx context.Context, filter RunFilter,
) ([]analytics.TestRunRecord, error) {
	var rows []TestRun
	if err := applyFilter(s.db.WithContext(ctx), filter).
		Order(recordOrder).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching test runs: %w", err)
	}

	return testRecords(rows), nil
}

// FetchRowCounts returns the row count series of one model, oldest first.
func (s *store) FetchRowCounts(
	ctx context.Context, name string, since time.Time,
) ([]analytics.RowCountObservation, error) {
	var rows []RowCount

	q := s.db.WithContext(ctx).Where("name = ?", name)
	if !since.IsZero() {
		q = q.Where("observed_at >= ?", since.UTC())
	}

	if err := q.Order(recordOrder).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching row counts: %w", err)
	}

	return observations(rows), nil
}

// FetchAllRowCounts returns every row count sample since the bound.
func (s *store) FetchAllRowCounts(
	ctx context.Context, since time.Time,
) ([]analytics.RowCountObservation, error) {
	var rows []RowCount

	q := s.db.WithContext(ctx)
	if !since.IsZero() {
		q = q.Where("observed_at >= ?", since.UTC())
	}

	if err := q.Order(recordOrder).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching row counts: %w", err)
	}

	return observations(rows), nil
}

// FetchInvocationRuns returns the model runs of one invocation in the
// order dbt reported them.
func (s *store) FetchInvocationRuns(
	ctx context.Context, invocationID string,
) ([]analytics.RunRecord, error) {
	var rows []ModelRun
	if err := s.db.WithContext(ctx).
		Where("invocation_id = ?", invocationID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching invocation runs: %w", err)
	}

	return modelRecords(rows), nil
}

// FetchInvocationTests returns the test runs of one invocation.
func (s *store) FetchInvocationTests(
	ctx context.Context, invocationID string,
) ([]analytics.TestRunRecord, error) {
	var rows []TestRun
	if err := s.db.WithContext(ctx).
		Where("invocation_id = ?", invocationID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching invocation tests: %w", err)
	}

	return testRecords(rows), nil
}

// GetInvocation returns the most recently indexed invocation with the id.
func (s *store) GetInvocation(
	ctx context.Context, invocationID string,
) (*Invocation, error) {
	var inv Invocation

	err := s.db.WithContext(ctx).
		Where("invocation_id = ?", invocationID).
		Order("indexed_at DESC").
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("invocation %s: %w", invocationID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting invocation: %w", err)
	}

	return &inv, nil
}

// ListInvocations returns invocations with results, newest first.
func (s *store) ListInvocations(
	ctx context.Context, since time.Time, limit, offset int,
) ([]Invocation, error) {
	q := s.invocationsSince(ctx, since).
		Order("generated_at DESC, invocation_id DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if offset > 0 {
		q = q.Offset(offset)
	}

	var invs []Invocation
	if err := q.Find(&invs).Error; err != nil {
		return nil, fmt.Errorf("listing invocations: %w", err)
	}

	return invs, nil
}

// CountInvocations counts invocations with results since the bound.
func (s *store) CountInvocations(ctx context.Context, since time.Time) (int, error) {
	var n int64
	if err := s.invocationsSince(ctx, since).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting invocations: %w", err)
	}

	return int(n), nil
}

func (s *store) invocationsSince(ctx context.Context, since time.Time) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&Invocation{}).Where("has_results = ?", true)
	if !since.IsZero() {
		q = q.Where("generated_at >= ?", since.UTC())
	}

	return q
}

// ListModels returns the model catalog ordered by unique id.
func (s *store) ListModels(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := s.db.WithContext(ctx).
		Order("unique_id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	return models, nil
}

// GetModel returns one catalog model.
func (s *store) GetModel(ctx context.Context, uniqueID string) (*Model, error) {
	var m Model

	err := s.db.WithContext(ctx).Where("unique_id = ?", uniqueID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("model %s: %w", uniqueID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting model: %w", err)
	}

	return &m, nil
}

// ListTests returns the test catalog ordered by unique id.
func (s *store) ListTests(ctx context.Context) ([]Test, error) {
	var tests []Test
	if err := s.db.WithContext(ctx).
		Order("unique_id ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	return tests, nil
}

// GetTest returns one catalog test.
func (s *store) GetTest(ctx context.Context, uniqueID string) (*Test, error) {
	var t Test

	err := s.db.WithContext(ctx).Where("unique_id = ?", uniqueID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("test %s: %w", uniqueID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting test: %w", err)
	}

	return &t, nil
}

func modelRecords(rows []ModelRun) []analytics.RunRecord {
	out := make([]analytics.RunRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Record())
	}

	return out
}

func testRecords(rows []TestRun) []analytics.TestRunRecord {
	out := make([]analytics.TestRunRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Record())
	}

	return out
}

func observations(rows []RowCount) []analytics.RowCountObservation {
	out := make([]analytics.RowCountObservation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Observation())
	}

	return out
}

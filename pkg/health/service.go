// Package health serves the derived health views. Each call fetches the
// raw record slices it needs from the run store and reduces them with the
// analytics package; nothing derived is persisted.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
	"github.com/dbtlens/dbtlens/pkg/config"
)

// ErrInvalidRequest marks request parameters outside their allowed range.
var ErrInvalidRequest = errors.New("invalid request")

// FetchError is an upstream store failure.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// wrapFetch turns a store error into a FetchError. Not-found errors pass
// through so callers can map them separately.
func wrapFetch(op string, err error) error {
	if err == nil || errors.Is(err, runstore.ErrNotFound) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return &FetchError{Op: op, Err: err}
}

func isNotFound(err error) bool {
	return errors.Is(err, runstore.ErrNotFound)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, runstore.ErrNotFound)
}

// Source is the read side of the run store.
type Source interface {
	FetchRuns(ctx context.Context, filter runstore.RunFilter) ([]analytics.RunRecord, error)
	FetchTestRuns(ctx context.Context, filter runstore.RunFilter) ([]analytics.TestRunRecord, error)
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
	GetInvocation(ctx context.Context, invocationID string) (*runstore.Invocation, error)
	ListInvocations(
		ctx context.Context, since time.Time, limit, offset int,
	) ([]runstore.Invocation, error)
	CountInvocations(ctx context.Context, since time.Time) (int, error)
	ListModels(ctx context.Context) ([]runstore.Model, error)
	GetModel(ctx context.Context, uniqueID string) (*runstore.Model, error)
	ListTests(ctx context.Context) ([]runstore.Test, error)
	GetTest(ctx context.Context, uniqueID string) (*runstore.Test, error)
}

// Request carries the common view parameters. Zero values select the
// configured defaults.
type Request struct {
	Days    int
	Search  string
	Limit   int
	Offset  int
	ShowAll bool
	Trend   string
}

// settings is the active analytics configuration with its resolved zone.
type settings struct {
	cfg config.AnalyticsConfig
	loc *time.Location
}

// Service computes health views over a Source.
type Service struct {
	log    logrus.FieldLogger
	source Source
	now    func() time.Time
	active atomic.Pointer[settings]
}

// NewService creates a Service. cfg must already be validated.
func NewService(
	log logrus.FieldLogger, source Source, cfg config.AnalyticsConfig,
) (*Service, error) {
	s := &Service{
		log:    log.WithField("component", "health"),
		source: source,
		now:    time.Now,
	}

	if err := s.SetAnalytics(cfg); err != nil {
		return nil, err
	}

	return s, nil
}

// SetAnalytics swaps the thresholds used by subsequent calls.
func (s *Service) SetAnalytics(cfg config.AnalyticsConfig) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	s.active.Store(&settings{cfg: cfg, loc: loc})

	s.log.WithFields(logrus.Fields{
		"flaky_threshold": cfg.FlakyThreshold,
		"flaky_min_runs":  cfg.FlakyMinRuns,
		"slow_percentile": cfg.SlowPercentile,
		"slow_min_s":      cfg.SlowMinSeconds,
		"timezone":        cfg.ReportTimezone,
	}).Debug("Analytics thresholds applied")

	return nil
}

// Analytics returns the active analytics configuration.
func (s *Service) Analytics() config.AnalyticsConfig {
	return s.active.Load().cfg
}

func (s *Service) current() *settings {
	return s.active.Load()
}

// Window validates days and returns the window ending now. Zero days
// selects the configured default.
func (s *Service) Window(days int) (analytics.Window, error) {
	return s.current().window(s.now(), days)
}

func (st *settings) window(now time.Time, days int) (analytics.Window, error) {
	if days == 0 {
		days = st.cfg.DefaultLookbackDays
	}

	if days < 1 || days > st.cfg.MaxLookbackDays {
		return analytics.Window{}, fmt.Errorf(
			"%w: days must be between 1 and %d", ErrInvalidRequest, st.cfg.MaxLookbackDays,
		)
	}

	return analytics.NewWindow(now, days), nil
}

// page validates limit and offset. A zero limit selects the configured
// page size.
func (st *settings) page(req Request) (int, int, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return 0, 0, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidRequest)
	}

	limit := req.Limit
	if limit == 0 {
		limit = st.cfg.PageSize
	}

	return limit, req.Offset, nil
}

func (st *settings) slow() analytics.SlowConfig {
	return analytics.SlowConfig{
		Percentile: st.cfg.SlowPercentile,
		MinSeconds: st.cfg.SlowMinSeconds,
	}
}

func (st *settings) flaky() analytics.FlakyConfig {
	return analytics.FlakyConfig{
		Threshold: st.cfg.FlakyThreshold,
		MinRuns:   st.cfg.FlakyMinRuns,
	}
}

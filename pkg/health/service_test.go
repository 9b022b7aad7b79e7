package health

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
	"github.com/dbtlens/dbtlens/pkg/config"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

// fakeSource serves fixed slices with the same filter semantics as the
// run store.
type fakeSource struct {
	runs        []analytics.RunRecord
	tests       []analytics.TestRunRecord
	rowCounts   []analytics.RowCountObservation
	invocations []runstore.Invocation
	models      []runstore.Model
	catalog     []runstore.Test
	err         error
}

var _ Source = (*fakeSource)(nil)

func matches(name string, observed time.Time, f runstore.RunFilter) bool {
	if !f.Since.IsZero() && observed.Before(f.Since) {
		return false
	}

	return analytics.MatchesFilter(name, f.Search)
}

func (f *fakeSource) FetchRuns(
	_ context.Context, filter runstore.RunFilter,
) ([]analytics.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}

	out := make([]analytics.RunRecord, 0)

	for _, r := range f.runs {
		if matches(r.Name, r.ObservedAt, filter) &&
			(filter.EntityID == "" || r.EntityID == filter.EntityID) {
			out = append(out, r)
		}
	}

	return out, nil
}

func (f *fakeSource) FetchTestRuns(
	_ context.Context, filter runstore.RunFilter,
) ([]analytics.TestRunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}

	out := make([]analytics.TestRunRecord, 0)

	for _, r := range f.tests {
		if matches(r.Name, r.ObservedAt, filter) &&
			(filter.EntityID == "" || r.EntityID == filter.EntityID) &&
			(filter.ModelName == "" || r.ModelName == filter.ModelName) {
			out = append(out, r)
		}
	}

	return out, nil
}

func (f *fakeSource) FetchRowCounts(
	_ context.Context, name string, since time.Time,
) ([]analytics.RowCountObservation, error) {
	out := make([]analytics.RowCountObservation, 0)

	for _, o := range f.rowCounts {
		if o.Name == name && !o.ObservedAt.Before(since) {
			out = append(out, o)
		}
	}

	return out, nil
}

func (f *fakeSource) FetchAllRowCounts(
	_ context.Context, since time.Time,
) ([]analytics.RowCountObservation, error) {
	out := make([]analytics.RowCountObservation, 0)

	for _, o := range f.rowCounts {
		if !o.ObservedAt.Before(since) {
			out = append(out, o)
		}
	}

	return out, nil
}

func (f *fakeSource) FetchInvocationRuns(
	_ context.Context, invocationID string,
) ([]analytics.RunRecord, error) {
	out := make([]analytics.RunRecord, 0)

	for _, r := range f.runs {
		if r.InvocationID == invocationID {
			out = append(out, r)
		}
	}

	return out, nil
}

func (f *fakeSource) FetchInvocationTests(
	_ context.Context, invocationID string,
) ([]analytics.TestRunRecord, error) {
	out := make([]analytics.TestRunRecord, 0)

	for _, r := range f.tests {
		if r.InvocationID == invocationID {
			out = append(out, r)
		}
	}

	return out, nil
}

func (f *fakeSource) GetInvocation(
	_ context.Context, invocationID string,
) (*runstore.Invocation, error) {
	for i := range f.invocations {
		if f.invocations[i].InvocationID == invocationID {
			return &f.invocations[i], nil
		}
	}

	return nil, runstore.ErrNotFound
}

func (f *fakeSource) ListInvocations(
	_ context.Context, since time.Time, limit, offset int,
) ([]runstore.Invocation, error) {
	out := make([]runstore.Invocation, 0)

	for _, inv := range f.invocations {
		if inv.HasResults && !inv.GeneratedAt.Before(since) {
			out = append(out, inv)
		}
	}

	slices.SortFunc(out, func(a, b runstore.Invocation) int {
		return b.GeneratedAt.Compare(a.GeneratedAt)
	})

	return analytics.Paginate(out, limit, offset).Items, nil
}

func (f *fakeSource) CountInvocations(ctx context.Context, since time.Time) (int, error) {
	invs, err := f.ListInvocations(ctx, since, 0, 0)

	return len(invs), err
}

func (f *fakeSource) ListModels(context.Context) ([]runstore.Model, error) {
	return f.models, nil
}

func (f *fakeSource) GetModel(_ context.Context, uniqueID string) (*runstore.Model, error) {
	for i := range f.models {
		if f.models[i].UniqueID == uniqueID {
			return &f.models[i], nil
		}
	}

	return nil, runstore.ErrNotFound
}

func (f *fakeSource) ListTests(context.Context) ([]runstore.Test, error) {
	return f.catalog, nil
}

func (f *fakeSource) GetTest(_ context.Context, uniqueID string) (*runstore.Test, error) {
	for i := range f.catalog {
		if f.catalog[i].UniqueID == uniqueID {
			return &f.catalog[i], nil
		}
	}

	return nil, runstore.ErrNotFound
}

func newTestService(t *testing.T, src Source) *Service {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := config.DefaultAnalyticsConfig()
	cfg.SlowMinSeconds = 1

	s, err := NewService(log, src, cfg)
	require.NoError(t, err)

	s.now = func() time.Time { return testNow }

	return s
}

func hoursAgo(h int) time.Time {
	return testNow.Add(-time.Duration(h) * time.Hour)
}

func f64(v float64) *float64 { return &v }

func run(id, status string, at time.Time, exec *float64) analytics.RunRecord {
	return analytics.RunRecord{
		EntityID:             "model.shop." + id,
		Name:                 id,
		Schema:               "marts",
		Status:               status,
		ObservedAt:           at,
		ExecutionTimeSeconds: exec,
		InvocationID:         "inv-" + at.Format("0102T15"),
	}
}

func testRun(id, model, status string, at time.Time) analytics.TestRunRecord {
	return analytics.TestRunRecord{
		EntityID:     "test.shop." + id,
		Name:         id,
		ModelName:    model,
		TestType:     "not_null",
		Status:       status,
		ObservedAt:   at,
		InvocationID: "inv-" + at.Format("0102T15"),
	}
}

func TestService_Window(t *testing.T) {
	s := newTestService(t, &fakeSource{})

	tests := []struct {
		name     string
		days     int
		wantDays int
		wantErr  bool
	}{
		{name: "default", days: 0, wantDays: config.DefaultLookbackDays},
		{name: "explicit", days: 14, wantDays: 14},
		{name: "max", days: config.DefaultMaxLookbackDays, wantDays: config.DefaultMaxLookbackDays},
		{name: "too large", days: config.DefaultMaxLookbackDays + 1, wantErr: true},
		{name: "negative", days: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := s.Window(tt.days)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRequest)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantDays, w.Days)
			assert.Equal(t, testNow, w.End)
		})
	}
}

func TestService_SetAnalytics(t *testing.T) {
	s := newTestService(t, &fakeSource{})

	cfg := config.DefaultAnalyticsConfig()
	cfg.FlakyMinRuns = 10
	require.NoError(t, s.SetAnalytics(cfg))
	assert.Equal(t, 10, s.Analytics().FlakyMinRuns)

	cfg.ReportTimezone = "Not/AZone"
	require.Error(t, s.SetAnalytics(cfg))
	assert.Equal(t, 10, s.Analytics().FlakyMinRuns)
}

func TestService_FetchErrors(t *testing.T) {
	upstream := errors.New("connection refused")
	s := newTestService(t, &fakeSource{err: upstream})

	_, err := s.Overview(context.Background(), Request{})
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, upstream)

	_, err = s.Alerts(context.Background(), Request{Days: 999})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestService_Overview(t *testing.T) {
	started := hoursAgo(3)
	completed := started.Add(10 * time.Minute)

	src := &fakeSource{
		runs: []analytics.RunRecord{
			run("orders", analytics.StatusError, hoursAgo(5), nil),
			run("orders", analytics.StatusSuccess, hoursAgo(2), f64(10)),
			run("customers", analytics.StatusError, hoursAgo(2), nil),
			run("stale", analytics.StatusError, testNow.AddDate(0, 0, -20), nil),
		},
		tests: []analytics.TestRunRecord{
			testRun("not_null_orders_id", "orders", analytics.StatusFail, hoursAgo(2)),
		},
		models: []runstore.Model{{UniqueID: "model.shop.orders"}, {UniqueID: "model.shop.customers"}},
		invocations: []runstore.Invocation{{
			InvocationID:   "inv-1",
			HasResults:     true,
			GeneratedAt:    completed,
			RunStartedAt:   &started,
			RunCompletedAt: &completed,
		}},
	}

	s := newTestService(t, src)

	ov, err := s.Overview(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 2, ov.TotalModelsRun)
	assert.Equal(t, 1, ov.FailedModels)
	assert.Equal(t, 1, ov.FailedTests)
	assert.Equal(t, 2, ov.CatalogModels)
	assert.Equal(t, 1, ov.Invocations)
	assert.InDelta(t, 600, ov.TotalInvocationSeconds, 1e-9)
}

func TestService_Models(t *testing.T) {
	src := &fakeSource{
		runs: []analytics.RunRecord{
			run("fast", analytics.StatusSuccess, hoursAgo(4), f64(2)),
			run("medium", analytics.StatusSuccess, hoursAgo(4), f64(30)),
			run("slow", analytics.StatusSuccess, hoursAgo(4), f64(600)),
			run("broken", analytics.StatusError, hoursAgo(4), nil),
			run("recovered", analytics.StatusError, hoursAgo(5), nil),
			run("recovered", analytics.StatusSuccess, hoursAgo(4), f64(3)),
		},
		models: []runstore.Model{
			{UniqueID: "model.shop.fast", Name: "fast", Schema: "marts"},
			{UniqueID: "model.shop.unused", Name: "unused", Schema: "staging"},
		},
	}

	s := newTestService(t, src)

	t.Run("issues only", func(t *testing.T) {
		view, err := s.Models(context.Background(), Request{})
		require.NoError(t, err)

		names := make([]string, 0, len(view.Items))
		for _, r := range view.Items {
			names = append(names, r.Name)
		}

		assert.Equal(t, []string{"broken", "slow"}, names)
		assert.Equal(t, 2, view.Total)
		require.NotNil(t, view.SlowThreshold)
	})

	t.Run("show all", func(t *testing.T) {
		view, err := s.Models(context.Background(), Request{ShowAll: true})
		require.NoError(t, err)
		require.Equal(t, 6, view.Total)

		assert.Equal(t, "broken", view.Items[0].Name)
		assert.Equal(t, "slow", view.Items[1].Name)

		last := view.Items[len(view.Items)-1]
		assert.Equal(t, "unused", last.Name)
		assert.Equal(t, analytics.StatusNoRuns, last.Status)
		assert.Nil(t, last.LastRun)
	})

	t.Run("paginated", func(t *testing.T) {
		view, err := s.Models(context.Background(), Request{ShowAll: true, Limit: 2, Offset: 4})
		require.NoError(t, err)
		assert.Equal(t, 6, view.Total)
		assert.Len(t, view.Items, 2)
	})

	t.Run("negative limit", func(t *testing.T) {
		_, err := s.Models(context.Background(), Request{Limit: -1})
		require.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestService_SlowThresholdIgnoresSearch(t *testing.T) {
	src := &fakeSource{
		runs: []analytics.RunRecord{
			run("stg_orders", analytics.StatusSuccess, hoursAgo(2), f64(100)),
			run("fct_orders", analytics.StatusSuccess, hoursAgo(2), f64(120)),
			run("big_x", analytics.StatusSuccess, hoursAgo(2), f64(1000)),
			run("big_y", analytics.StatusSuccess, hoursAgo(2), f64(900)),
		},
	}

	s := newTestService(t, src)
	ctx := context.Background()

	all, err := s.Models(ctx, Request{ShowAll: true})
	require.NoError(t, err)
	require.NotNil(t, all.SlowThreshold)
	assert.InDelta(t, 970, *all.SlowThreshold, 1e-9)

	searched, err := s.Models(ctx, Request{ShowAll: true, Search: "orders"})
	require.NoError(t, err)
	require.NotNil(t, searched.SlowThreshold)
	assert.InDelta(t, *all.SlowThreshold, *searched.SlowThreshold, 1e-9)
	require.Equal(t, 2, searched.Total)

	for _, row := range searched.Items {
		assert.Contains(t, row.Name, "orders")
		assert.False(t, row.IsSlow, row.Name)
	}

	issues, err := s.Models(ctx, Request{Search: "orders"})
	require.NoError(t, err)
	assert.Zero(t, issues.Total)

	detail, err := s.ModelDetail(ctx, "model.shop.fct_orders", 0)
	require.NoError(t, err)
	require.NotNil(t, detail.Timing)
	assert.False(t, detail.Timing.IsSlow)

	perf, err := s.Performance(ctx, Request{Search: "orders"})
	require.NoError(t, err)
	require.NotNil(t, perf.SlowThreshold)
	assert.InDelta(t, 970, *perf.SlowThreshold, 1e-9)
	assert.InDelta(t, 220, perf.TotalExecutionTime, 1e-9)
	require.Len(t, perf.SlowestModels, 2)
	assert.Equal(t, "fct_orders", perf.SlowestModels[0].Name)
	assert.False(t, perf.SlowestModels[0].IsSlow)
}

func TestService_ModelDetail(t *testing.T) {
	src := &fakeSource{
		runs: []analytics.RunRecord{
			run("orders", analytics.StatusSuccess, hoursAgo(30), f64(10)),
			run("orders", analytics.StatusSuccess, hoursAgo(2), f64(20)),
			run("customers", analytics.StatusSuccess, hoursAgo(2), f64(5)),
		},
		tests: []analytics.TestRunRecord{
			testRun("unique_orders_id", "orders", analytics.StatusFail, hoursAgo(2)),
		},
		models: []runstore.Model{
			{UniqueID: "model.shop.orders", Name: "orders", Schema: "marts", Tags: "finance,daily"},
		},
		catalog: []runstore.Test{
			{UniqueID: "test.shop.not_null_orders_id", Name: "not_null_orders_id", ModelID: "model.shop.orders"},
		},
	}

	s := newTestService(t, src)

	detail, err := s.ModelDetail(context.Background(), "model.shop.orders", 0)
	require.NoError(t, err)

	assert.True(t, detail.InCatalog)
	assert.Equal(t, []string{"finance", "daily"}, detail.Tags)
	require.Len(t, detail.History, 2)
	assert.True(t, detail.History[0].ObservedAt.After(detail.History[1].ObservedAt))
	assert.Len(t, detail.Trend, 2)
	require.NotNil(t, detail.Timing)
	assert.InDelta(t, 15, *detail.Timing.AvgExecutionTime, 1e-9)

	require.Len(t, detail.Tests, 2)
	assert.Equal(t, "unique_orders_id", detail.Tests[0].Name)
	assert.True(t, detail.Tests[0].IsCurrentlyFailing)
	assert.Equal(t, analytics.StatusNoRuns, detail.Tests[1].Status)

	t.Run("observed only", func(t *testing.T) {
		d, err := s.ModelDetail(context.Background(), "model.shop.customers", 0)
		require.NoError(t, err)
		assert.False(t, d.InCatalog)
		assert.Equal(t, "customers", d.Model.Name)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := s.ModelDetail(context.Background(), "model.shop.nope", 0)
		require.ErrorIs(t, err, runstore.ErrNotFound)
	})
}

func TestService_Tests(t *testing.T) {
	var tests []analytics.TestRunRecord

	// flaky: 2 of 5 fail, stable: always passes, broken: always fails.
	for i, status := range []string{"pass", "fail", "pass", "fail", "pass"} {
		tests = append(tests, testRun("flaky", "orders", status, hoursAgo(10-i)))
	}

	for i := range 4 {
		tests = append(tests,
			testRun("stable", "orders", analytics.StatusPass, hoursAgo(10-i)),
			testRun("broken", "orders", analytics.StatusFail, hoursAgo(10-i)),
		)
	}

	src := &fakeSource{
		tests: tests,
		catalog: []runstore.Test{
			{UniqueID: "test.shop.never", Name: "never"},
		},
	}

	s := newTestService(t, src)

	view, err := s.Tests(context.Background(), Request{ShowAll: true})
	require.NoError(t, err)
	require.Equal(t, 4, view.Total)

	ids := make([]string, 0, len(view.Items))
	for _, r := range view.Items {
		ids = append(ids, strings.TrimPrefix(r.EntityID, "test.shop."))
	}

	assert.Equal(t, []string{"broken", "flaky", "stable", "never"}, ids)
	assert.Equal(t, analytics.StatusNoRuns, view.Items[3].Status)

	flaky, err := s.FlakyTests(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1, flaky.Total)
	assert.Equal(t, "test.shop.flaky", flaky.Tests[0].EntityID)
	assert.InDelta(t, config.DefaultFlakyThreshold, flaky.Threshold, 1e-9)

	detail, err := s.TestDetail(context.Background(), "test.shop.flaky", 0)
	require.NoError(t, err)
	assert.False(t, detail.InCatalog)
	require.NotNil(t, detail.Stats)
	assert.Equal(t, 5, detail.Stats.TotalRuns)
	require.Len(t, detail.History, 5)
	assert.Equal(t, analytics.StatusPass, detail.History[0].Status)

	_, err = s.TestDetail(context.Background(), "test.shop.missing", 0)
	require.ErrorIs(t, err, runstore.ErrNotFound)
}

func TestService_Alerts(t *testing.T) {
	src := &fakeSource{
		runs: []analytics.RunRecord{
			run("orders", analytics.StatusError, hoursAgo(5), nil),
			run("orders", analytics.StatusSuccess, hoursAgo(2), f64(1)),
			run("customers", analytics.StatusError, hoursAgo(3), nil),
			run("payments", analytics.StatusError, hoursAgo(1), nil),
		},
		tests: []analytics.TestRunRecord{
			testRun("not_null_orders_id", "orders", analytics.StatusWarn, hoursAgo(1)),
			testRun("unique_customers_id", "customers", analytics.StatusError, hoursAgo(1)),
		},
	}

	s := newTestService(t, src)

	view, err := s.Alerts(context.Background(), Request{})
	require.NoError(t, err)

	require.Len(t, view.Models, 2)
	assert.Equal(t, "payments", view.Models[0].Name)
	assert.Equal(t, "customers", view.Models[1].Name)
	assert.Equal(t, 1, view.TestCount)
	assert.Equal(t, 3, view.TotalAlerts)

	view, err = s.Alerts(context.Background(), Request{Search: "PAY"})
	require.NoError(t, err)
	assert.Equal(t, 1, view.ModelCount)
	assert.Zero(t, view.TestCount)
}

func TestService_ModelsWithoutTests(t *testing.T) {
	src := &fakeSource{
		models: []runstore.Model{
			{UniqueID: "model.shop.orders", Name: "orders", Schema: "marts"},
			{UniqueID: "model.shop.customers", Name: "customers", Schema: "marts"},
			{UniqueID: "model.shop.raw_events", Name: "raw_events", Schema: "staging"},
			{UniqueID: "model.shop.payments", Name: "payments", Schema: "marts"},
		},
		catalog: []runstore.Test{
			{UniqueID: "test.shop.a", ModelID: "model.shop.orders"},
		},
		tests: []analytics.TestRunRecord{
			testRun("b", "Customers", analytics.StatusPass, hoursAgo(1)),
		},
	}

	s := newTestService(t, src)

	view, err := s.ModelsWithoutTests(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 2, view.Total)
	assert.Equal(t, "payments", view.Models[0].Name)
	assert.Equal(t, "raw_events", view.Models[1].Name)
}

func TestService_Performance(t *testing.T) {
	src := &fakeSource{
		runs: []analytics.RunRecord{
			run("a", analytics.StatusSuccess, hoursAgo(3), f64(10)),
			run("a", analytics.StatusSuccess, hoursAgo(2), f64(20)),
			run("b", analytics.StatusSuccess, hoursAgo(2), f64(100)),
			run("c", analytics.StatusError, hoursAgo(2), f64(50)),
		},
	}

	s := newTestService(t, src)

	view, err := s.Performance(context.Background(), Request{Limit: 1})
	require.NoError(t, err)

	assert.InDelta(t, 130, view.TotalExecutionTime, 1e-9)
	assert.Equal(t, 3, view.TimedRuns)
	require.NotNil(t, view.AvgExecutionTime)
	assert.InDelta(t, 130.0/3, *view.AvgExecutionTime, 1e-9)
	require.Len(t, view.SlowestModels, 1)
	assert.Equal(t, "b", view.SlowestModels[0].Name)
}

func TestService_Growth(t *testing.T) {
	obs := func(name string, h int, n int64) analytics.RowCountObservation {
		return analytics.RowCountObservation{
			EntityID: "model.shop." + name, Name: name, ObservedAt: hoursAgo(h), RowCount: n,
		}
	}

	src := &fakeSource{
		rowCounts: []analytics.RowCountObservation{
			obs("orders", 48, 100), obs("orders", 1, 150),
			obs("events", 48, 1000), obs("events", 1, 400),
			obs("flat", 48, 10), obs("flat", 1, 10),
			obs("single", 1, 5),
		},
	}

	s := newTestService(t, src)

	tests := []struct {
		trend string
		want  []string
	}{
		{trend: "", want: []string{"events", "orders", "flat", "single"}},
		{trend: "growing", want: []string{"orders"}},
		{trend: "shrinking", want: []string{"events"}},
	}

	for _, tt := range tests {
		t.Run("trend "+tt.trend, func(t *testing.T) {
			view, err := s.Growth(context.Background(), Request{Trend: tt.trend})
			require.NoError(t, err)

			names := make([]string, 0, len(view.Items))
			for _, g := range view.Items {
				names = append(names, g.Name)
			}

			assert.Equal(t, tt.want, names)
		})
	}

	_, err := s.Growth(context.Background(), Request{Trend: "sideways"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	series, err := s.GrowthSeries(context.Background(), "orders", 0)
	require.NoError(t, err)
	assert.Len(t, series.Points, 2)
	require.NotNil(t, series.ChangePct)
	assert.InDelta(t, 50, *series.ChangePct, 1e-9)

	_, err = s.GrowthSeries(context.Background(), "missing", 0)
	require.ErrorIs(t, err, runstore.ErrNotFound)

	t.Run("name shared across schemas", func(t *testing.T) {
		dup := obs("orders", 2, 90)
		dup.EntityID = "model.legacy.orders"

		s := newTestService(t, &fakeSource{
			rowCounts: append(slices.Clone(src.rowCounts), dup),
		})

		_, err := s.GrowthSeries(context.Background(), "orders", 0)
		require.ErrorIs(t, err, ErrInvalidRequest)
		assert.Contains(t, err.Error(), "model.legacy.orders")
		assert.Contains(t, err.Error(), "model.shop.orders")
	})
}

func TestService_Invocations(t *testing.T) {
	started := hoursAgo(2)
	completed := started.Add(2 * time.Minute)
	execStart := started.Add(10 * time.Second)
	execEnd := execStart.Add(30 * time.Second)

	orders := run("orders", analytics.StatusSuccess, completed, f64(30))
	orders.InvocationID = "inv-1"
	orders.ExecuteStartedAt = &execStart
	orders.ExecuteCompletedAt = &execEnd

	customers := run("customers", analytics.StatusError, completed, nil)
	customers.InvocationID = "inv-1"

	pass := testRun("a_test", "orders", analytics.StatusPass, completed)
	warn := testRun("b_test", "orders", analytics.StatusWarn, completed)
	fail := testRun("c_test", "orders", analytics.StatusFail, completed)

	for _, tr := range []*analytics.TestRunRecord{&pass, &warn, &fail} {
		tr.InvocationID = "inv-1"
	}

	src := &fakeSource{
		runs:  []analytics.RunRecord{orders, customers},
		tests: []analytics.TestRunRecord{pass, warn, fail},
		invocations: []runstore.Invocation{
			{
				InvocationID: "inv-1", DiscoveryPath: "prod", HasResults: true,
				GeneratedAt: completed, RunStartedAt: &started, RunCompletedAt: &completed,
				TestCount: 3,
			},
			{InvocationID: "inv-pending", DiscoveryPath: "prod"},
		},
	}

	s := newTestService(t, src)

	view, err := s.Invocations(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1, view.Total)
	require.Len(t, view.Items, 1)
	assert.Equal(t, 1, view.Pages)

	row := view.Items[0]
	assert.Equal(t, "inv-1", row.InvocationID)
	assert.Equal(t, 2, row.Summary.ModelsRun)
	assert.Equal(t, 1, row.Summary.FailCount)
	require.NotNil(t, row.Summary.DurationSeconds)
	assert.InDelta(t, 120, *row.Summary.DurationSeconds, 1e-9)

	detail, err := s.InvocationDetail(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "prod", detail.DiscoveryPath)
	assert.Equal(t, TestSummary{Total: 3, Passed: 1, Failed: 1, Warned: 1}, detail.TestSummary)

	statuses := []string{detail.Tests[0].Status, detail.Tests[1].Status, detail.Tests[2].Status}
	assert.Equal(t, []string{analytics.StatusFail, analytics.StatusWarn, analytics.StatusPass}, statuses)

	require.Len(t, detail.Waterfall.Entries, 1)
	assert.InDelta(t, 10, detail.Waterfall.Entries[0].StartOffset, 1e-9)

	wf, err := s.Timeline(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, analytics.ReferenceRunStarted, wf.ReferenceSource)

	_, err = s.InvocationDetail(context.Background(), "inv-missing")
	require.ErrorIs(t, err, runstore.ErrNotFound)
}

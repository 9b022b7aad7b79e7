package health

import (
	"cmp"
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
)

// TestRow is one line of the tests listing. Tests known only from the
// catalog carry the no_runs status and no rates.
type TestRow struct {
	analytics.TestStats `yaml:",inline"`
	Status              string `json:"status" yaml:"status"`
}

// TestsView is a page of the tests listing.
type TestsView struct {
	analytics.Page[TestRow] `yaml:",inline"`
	Window                  analytics.Window `json:"window" yaml:"window"`
	ShowAll                 bool             `json:"show_all" yaml:"show_all"`
}

// Tests lists per-test statistics ordered by pass rate ascending (tests
// without a rate last), then total runs descending.
func (s *Service) Tests(ctx context.Context, req Request) (*TestsView, error) {
	set := s.current()

	w, err := set.window(s.now(), req.Days)
	if err != nil {
		return nil, err
	}

	limit, offset, err := set.page(req)
	if err != nil {
		return nil, err
	}

	var (
		runs    []analytics.TestRunRecord
		catalog []runstore.Test
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		runs, err = s.source.FetchTestRuns(gCtx, runstore.RunFilter{Since: w.Start, Search: req.Search})

		return wrapFetch("test runs", err)
	})

	if req.ShowAll {
		g.Go(func() error {
			var err error
			catalog, err = s.source.ListTests(gCtx)

			return wrapFetch("tests", err)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := analytics.ClassifyTests(runs, w, set.flaky())

	rows := make([]TestRow, 0, len(stats))
	seen := make(map[string]struct{}, len(stats))

	for _, ts := range stats {
		seen[ts.EntityID] = struct{}{}
		rows = append(rows, TestRow{TestStats: ts, Status: ts.LatestStatus})
	}

	for i := range catalog {
		t := &catalog[i]
		if _, ok := seen[t.UniqueID]; ok || !analytics.MatchesFilter(t.Name, req.Search) {
			continue
		}

		rows = append(rows, TestRow{
			TestStats: analytics.TestStats{
				EntityID:     t.UniqueID,
				Name:         t.Name,
				ModelName:    t.ModelName,
				TestType:     t.TestType,
				LatestStatus: analytics.StatusNoRuns,
			},
			Status: analytics.StatusNoRuns,
		})
	}

	slices.SortFunc(rows, func(a, b TestRow) int {
		if c := compareNilsLastAsc(a.PassRate, b.PassRate); c != 0 {
			return c
		}

		if c := cmp.Compare(b.TotalRuns, a.TotalRuns); c != 0 {
			return c
		}

		return cmp.Compare(a.EntityID, b.EntityID)
	})

	return &TestsView{
		Page:    analytics.Paginate(rows, limit, offset),
		Window:  w,
		ShowAll: req.ShowAll,
	}, nil
}

// FlakyView lists the flaky tests of a window.
type FlakyView struct {
	Tests     []analytics.TestStats `json:"tests" yaml:"tests"`
	Total     int                   `json:"total" yaml:"total"`
	Threshold float64               `json:"threshold" yaml:"threshold"`
	MinRuns   int                   `json:"min_runs" yaml:"min_runs"`
	Window    analytics.Window      `json:"window" yaml:"window"`
}

// FlakyTests returns the flaky tests, most failing first. The result is
// cut at req.Limit, or the page size when no limit is given.
func (s *Service) FlakyTests(ctx context.Context, req Request) (*FlakyView, error) {
	set := s.current()

	w, err := set.window(s.now(), req.Days)
	if err != nil {
		return nil, err
	}

	limit, _, err := set.page(req)
	if err != nil {
		return nil, err
	}

	runs, err := s.source.FetchTestRuns(ctx, runstore.RunFilter{Since: w.Start, Search: req.Search})
	if err != nil {
		return nil, wrapFetch("test runs", err)
	}

	flaky := analytics.FlakyTests(analytics.ClassifyTests(runs, w, set.flaky()))
	cfg := set.flaky()

	return &FlakyView{
		Tests:     flaky[:min(limit, len(flaky))],
		Total:     len(flaky),
		Threshold: cfg.Threshold,
		MinRuns:   cfg.MinRuns,
		Window:    w,
	}, nil
}

// TestDetail is everything known about one test in a window.
type TestDetail struct {
	Test      runstore.Test             `json:"test" yaml:"test"`
	InCatalog bool                      `json:"in_catalog" yaml:"in_catalog"`
	Stats     *analytics.TestStats      `json:"stats" yaml:"stats"`
	History   []analytics.TestRunRecord `json:"history" yaml:"history"`
	Window    analytics.Window          `json:"window" yaml:"window"`
}

// TestDetail returns the catalog entry, statistics and run history (newest
// first) of a test.
func (s *Service) TestDetail(ctx context.Context, uniqueID string, days int) (*TestDetail, error) {
	set := s.current()

	w, err := set.window(s.now(), days)
	if err != nil {
		return nil, err
	}

	var (
		test *runstore.Test
		runs []analytics.TestRunRecord
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		test, err = s.source.GetTest(gCtx, uniqueID)
		if isNotFound(err) {
			test, err = nil, nil
		}

		return wrapFetch("test", err)
	})

	g.Go(func() error {
		var err error
		runs, err = s.source.FetchTestRuns(gCtx, runstore.RunFilter{Since: w.Start, EntityID: uniqueID})

		return wrapFetch("test runs", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if test == nil && len(runs) == 0 {
		return nil, notFound("test", uniqueID)
	}

	detail := &TestDetail{InCatalog: test != nil, Window: w}

	if test != nil {
		detail.Test = *test
	} else {
		last := runs[len(runs)-1]
		detail.Test = runstore.Test{
			UniqueID:  uniqueID,
			Name:      last.Name,
			Schema:    last.Schema,
			TestType:  last.TestType,
			ModelName: last.ModelName,
		}
	}

	if stats := analytics.ClassifyTests(runs, w, set.flaky()); len(stats) > 0 {
		detail.Stats = &stats[0]
	}

	slices.Reverse(runs)
	detail.History = runs

	return detail, nil
}

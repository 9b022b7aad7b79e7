package health

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
)

// AlertsView lists what is broken right now. A failure followed by a
// success of the same entity does not appear.
type AlertsView struct {
	Models      []analytics.RunRecord     `json:"models" yaml:"models"`
	Tests       []analytics.TestRunRecord `json:"tests" yaml:"tests"`
	ModelCount  int                       `json:"model_count" yaml:"model_count"`
	TestCount   int                       `json:"test_count" yaml:"test_count"`
	TotalAlerts int                       `json:"total_alerts" yaml:"total_alerts"`
	Window      analytics.Window          `json:"window" yaml:"window"`
}

// Alerts returns the current model and test failures, newest first.
func (s *Service) Alerts(ctx context.Context, req Request) (*AlertsView, error) {
	w, err := s.current().window(s.now(), req.Days)
	if err != nil {
		return nil, err
	}

	var (
		runs  []analytics.RunRecord
		tests []analytics.TestRunRecord
	)

	filter := runstore.RunFilter{Since: w.Start, Search: req.Search}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		runs, err = s.source.FetchRuns(gCtx, filter)

		return wrapFetch("model runs", err)
	})

	g.Go(func() error {
		var err error
		tests, err = s.source.FetchTestRuns(gCtx, filter)

		return wrapFetch("test runs", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	view := &AlertsView{
		Models: analytics.CurrentFailures(analytics.ResolveLatest(runs, w)),
		Tests:  analytics.CurrentFailures(analytics.ResolveLatest(tests, w)),
		Window: w,
	}

	view.ModelCount = len(view.Models)
	view.TestCount = len(view.Tests)
	view.TotalAlerts = view.ModelCount + view.TestCount

	return view, nil
}

// UntestedModelsView lists catalog models that no test covered in the
// window.
type UntestedModelsView struct {
	Models []runstore.Model `json:"models" yaml:"models"`
	Total  int              `json:"total" yaml:"total"`
	Window analytics.Window `json:"window" yaml:"window"`
}

// ModelsWithoutTests returns catalog models with no attached catalog test
// and no test observation in the window, ordered by schema and name.
func (s *Service) ModelsWithoutTests(ctx context.Context, req Request) (*UntestedModelsView, error) {
	w, err := s.current().window(s.now(), req.Days)
	if err != nil {
		return nil, err
	}

	var (
		models  []runstore.Model
		catalog []runstore.Test
		runs    []analytics.TestRunRecord
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		models, err = s.source.ListModels(gCtx)

		return wrapFetch("models", err)
	})

	g.Go(func() error {
		var err error
		catalog, err = s.source.ListTests(gCtx)

		return wrapFetch("tests", err)
	})

	g.Go(func() error {
		var err error
		runs, err = s.source.FetchTestRuns(gCtx, runstore.RunFilter{Since: w.Start})

		return wrapFetch("test runs", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	testedIDs := make(map[string]struct{})
	testedNames := make(map[string]struct{})

	for i := range catalog {
		if catalog[i].ModelID != "" {
			testedIDs[catalog[i].ModelID] = struct{}{}
		}

		if catalog[i].ModelName != "" {
			testedNames[strings.ToLower(catalog[i].ModelName)] = struct{}{}
		}
	}

	for _, r := range runs {
		if r.ModelName != "" {
			testedNames[strings.ToLower(r.ModelName)] = struct{}{}
		}
	}

	untested := make([]runstore.Model, 0)

	for i := range models {
		m := models[i]

		if _, ok := testedIDs[m.UniqueID]; ok {
			continue
		}

		if _, ok := testedNames[strings.ToLower(m.Name)]; ok {
			continue
		}

		if !analytics.MatchesFilter(m.Name, req.Search) {
			continue
		}

		untested = append(untested, m)
	}

	slices.SortFunc(untested, func(a, b runstore.Model) int {
		if c := cmp.Compare(a.Schema, b.Schema); c != 0 {
			return c
		}

		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}

		return cmp.Compare(a.UniqueID, b.UniqueID)
	})

	return &UntestedModelsView{Models: untested, Total: len(untested), Window: w}, nil
}

package health

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
)

// OverviewView holds the headline numbers for a window.
type OverviewView struct {
	analytics.Overview     `yaml:",inline"`
	Window                 analytics.Window `json:"window" yaml:"window"`
	CatalogModels          int              `json:"catalog_models" yaml:"catalog_models"`
	CatalogTests           int              `json:"catalog_tests" yaml:"catalog_tests"`
	Invocations            int              `json:"invocations" yaml:"invocations"`
	TotalInvocationSeconds float64          `json:"total_invocation_seconds" yaml:"total_invocation_seconds"`
}

// Overview computes the dashboard numbers for the requested window.
func (s *Service) Overview(ctx context.Context, req Request) (*OverviewView, error) {
	w, err := s.current().window(s.now(), req.Days)
	if err != nil {
		return nil, err
	}

	var (
		runs   []analytics.RunRecord
		tests  []analytics.TestRunRecord
		models []runstore.Model
		cat    []runstore.Test
		invs   []runstore.Invocation
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		runs, err = s.source.FetchRuns(gCtx, runstore.RunFilter{Since: w.Start})

		return wrapFetch("model runs", err)
	})

	g.Go(func() error {
		var err error
		tests, err = s.source.FetchTestRuns(gCtx, runstore.RunFilter{Since: w.Start})

		return wrapFetch("test runs", err)
	})

	g.Go(func() error {
		var err error
		models, err = s.source.ListModels(gCtx)

		return wrapFetch("models", err)
	})

	g.Go(func() error {
		var err error
		cat, err = s.source.ListTests(gCtx)

		return wrapFetch("tests", err)
	})

	g.Go(func() error {
		var err error
		invs, err = s.source.ListInvocations(gCtx, w.Start, 0, 0)

		return wrapFetch("invocations", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	view := &OverviewView{
		Overview:      analytics.ComputeOverview(runs, tests, w),
		Window:        w,
		CatalogModels: len(models),
		CatalogTests:  len(cat),
		Invocations:   len(invs),
	}

	for i := range invs {
		inv := invs[i].Analytics()
		if d := inv.DurationSeconds(); d != nil && *d > 0 {
			view.TotalInvocationSeconds += *d
		}
	}

	return view, nil
}

package health

import (
	"cmp"
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
)

// summaryConcurrency bounds the per-invocation record fetches of a page.
const summaryConcurrency = 4

// InvocationRow is one line of the invocations listing.
type InvocationRow struct {
	analytics.Invocation `yaml:",inline"`
	DiscoveryPath        string                      `json:"discovery_path" yaml:"discovery_path"`
	TestCount            int                         `json:"test_count" yaml:"test_count"`
	Summary              analytics.InvocationSummary `json:"summary" yaml:"summary"`
}

// InvocationsView is a page of invocations, newest first.
type InvocationsView struct {
	analytics.Page[InvocationRow] `yaml:",inline"`
	Window                        analytics.Window `json:"window" yaml:"window"`
}

// Invocations lists the invocations generated in the window with their
// model outcome counts.
func (s *Service) Invocations(ctx context.Context, req Request) (*InvocationsView, error) {
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
		invs  []runstore.Invocation
		total int
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		invs, err = s.source.ListInvocations(gCtx, w.Start, limit, offset)

		return wrapFetch("invocations", err)
	})

	g.Go(func() error {
		var err error
		total, err = s.source.CountInvocations(gCtx, w.Start)

		return wrapFetch("invocation count", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := make([]InvocationRow, len(invs))

	g, gCtx = errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)

	for i := range invs {
		g.Go(func() error {
			inv := invs[i].Analytics()

			runs, err := s.source.FetchInvocationRuns(gCtx, inv.InvocationID)
			if err != nil {
				return wrapFetch("invocation runs", err)
			}

			rows[i] = InvocationRow{
				Invocation:    inv,
				DiscoveryPath: invs[i].DiscoveryPath,
				TestCount:     invs[i].TestCount,
				Summary:       analytics.SummarizeInvocation(&inv, runs),
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &InvocationsView{
		Page: analytics.Page[InvocationRow]{
			Items:  rows,
			Total:  total,
			Limit:  limit,
			Offset: offset,
			Pages:  analytics.TotalPages(total, limit),
		},
		Window: w,
	}, nil
}

// TestSummary counts test outcomes of one invocation.
type TestSummary struct {
	Total  int `json:"total" yaml:"total"`
	Passed int `json:"passed" yaml:"passed"`
	Failed int `json:"failed" yaml:"failed"`
	Warned int `json:"warned" yaml:"warned"`
}

// InvocationDetail is one invocation with its records and timeline.
type InvocationDetail struct {
	Invocation    analytics.Invocation        `json:"invocation" yaml:"invocation"`
	DiscoveryPath string                      `json:"discovery_path" yaml:"discovery_path"`
	Summary       analytics.InvocationSummary `json:"summary" yaml:"summary"`
	TestSummary   TestSummary                 `json:"test_summary" yaml:"test_summary"`
	Models        []analytics.RunRecord       `json:"models" yaml:"models"`
	Tests         []analytics.TestRunRecord   `json:"tests" yaml:"tests"`
	Waterfall     analytics.Waterfall         `json:"waterfall" yaml:"waterfall"`
}

// InvocationDetail returns the models, tests (failures first, then
// warnings) and waterfall of an invocation.
func (s *Service) InvocationDetail(ctx context.Context, invocationID string) (*InvocationDetail, error) {
	var (
		row   *runstore.Invocation
		runs  []analytics.RunRecord
		tests []analytics.TestRunRecord
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		row, err = s.source.GetInvocation(gCtx, invocationID)

		return wrapFetch("invocation", err)
	})

	g.Go(func() error {
		var err error
		runs, err = s.source.FetchInvocationRuns(gCtx, invocationID)

		return wrapFetch("invocation runs", err)
	})

	g.Go(func() error {
		var err error
		tests, err = s.source.FetchInvocationTests(gCtx, invocationID)

		return wrapFetch("invocation tests", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	inv := row.Analytics()

	detail := &InvocationDetail{
		Invocation:    inv,
		DiscoveryPath: row.DiscoveryPath,
		Summary:       analytics.SummarizeInvocation(&inv, runs),
		Models:        runs,
		Tests:         tests,
		Waterfall:     analytics.BuildWaterfall(&inv, runs),
	}

	for _, t := range tests {
		detail.TestSummary.Total++

		switch {
		case t.Status == analytics.StatusPass:
			detail.TestSummary.Passed++
		case analytics.IsFailure(t.Status):
			detail.TestSummary.Failed++
		case t.Status == analytics.StatusWarn:
			detail.TestSummary.Warned++
		}
	}

	slices.SortStableFunc(detail.Tests, func(a, b analytics.TestRunRecord) int {
		if c := cmp.Compare(testRank(a.Status), testRank(b.Status)); c != 0 {
			return c
		}

		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}

		return cmp.Compare(a.EntityID, b.EntityID)
	})

	return detail, nil
}

func testRank(status string) int {
	switch {
	case analytics.IsFailure(status):
		return 0
	case status == analytics.StatusWarn:
		return 1
	default:
		return 2
	}
}

// Timeline returns only the waterfall of an invocation.
func (s *Service) Timeline(ctx context.Context, invocationID string) (*analytics.Waterfall, error) {
	row, err := s.source.GetInvocation(ctx, invocationID)
	if err != nil {
		return nil, wrapFetch("invocation", err)
	}

	runs, err := s.source.FetchInvocationRuns(ctx, invocationID)
	if err != nil {
		return nil, wrapFetch("invocation runs", err)
	}

	inv := row.Analytics()
	wf := analytics.BuildWaterfall(&inv, runs)

	return &wf, nil
}

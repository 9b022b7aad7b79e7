package health

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dbtlens/dbtlens/pkg/analytics"
)

// GrowthView is a page of row count changes.
type GrowthView struct {
	analytics.Page[analytics.Growth] `yaml:",inline"`
	Trend                            analytics.TrendDirection `json:"trend" yaml:"trend"`
	Window                           analytics.Window         `json:"window" yaml:"window"`
}

// Growth lists row count changes filtered and ordered by req.Trend.
func (s *Service) Growth(ctx context.Context, req Request) (*GrowthView, error) {
	set := s.current()

	w, err := set.window(s.now(), req.Days)
	if err != nil {
		return nil, err
	}

	limit, offset, err := set.page(req)
	if err != nil {
		return nil, err
	}

	dir, err := analytics.ParseTrendDirection(req.Trend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	obs, err := s.source.FetchAllRowCounts(ctx, w.Start)
	if err != nil {
		return nil, wrapFetch("row counts", err)
	}

	all := analytics.ComputeGrowth(obs, w)

	matched := make([]analytics.Growth, 0, len(all))
	for _, g := range all {
		if analytics.MatchesFilter(g.Name, req.Search) {
			matched = append(matched, g)
		}
	}

	filtered := analytics.FilterGrowth(matched, dir)
	analytics.SortGrowth(filtered, dir)

	return &GrowthView{
		Page:   analytics.Paginate(filtered, limit, offset),
		Trend:  dir,
		Window: w,
	}, nil
}

// GrowthSeries is the row count history of one model.
type GrowthSeries struct {
	analytics.Growth `yaml:",inline"`
	Points           []analytics.RowCountObservation `json:"points" yaml:"points"`
	Window           analytics.Window                `json:"window" yaml:"window"`
}

// GrowthSeries returns the row count series of the named model, oldest
// first, with its change over the window. A name shared by models in
// different schemas is rejected as ambiguous.
func (s *Service) GrowthSeries(ctx context.Context, name string, days int) (*GrowthSeries, error) {
	w, err := s.current().window(s.now(), days)
	if err != nil {
		return nil, err
	}

	points, err := s.source.FetchRowCounts(ctx, name, w.Start)
	if err != nil {
		return nil, wrapFetch("row counts", err)
	}

	points = analytics.InWindow(points, w)
	if len(points) == 0 {
		return nil, notFound("row counts for model", name)
	}

	if ids := entityIDs(points); len(ids) > 1 {
		return nil, fmt.Errorf("%w: model name %q is ambiguous, matches %s",
			ErrInvalidRequest, name, strings.Join(ids, ", "))
	}

	return &GrowthSeries{
		Growth: analytics.GrowthOf(points, w),
		Points: points,
		Window: w,
	}, nil
}

func entityIDs(points []analytics.RowCountObservation) []string {
	ids := make([]string, 0, 1)

	for _, p := range points {
		if !slices.Contains(ids, p.EntityID) {
			ids = append(ids, p.EntityID)
		}
	}

	slices.Sort(ids)

	return ids
}

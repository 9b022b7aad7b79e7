package health

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
)

const defaultSlowestLimit = 10

// PerformanceView summarizes execution time across a window.
type PerformanceView struct {
	TotalExecutionTime float64                 `json:"total_execution_time" yaml:"total_execution_time"`
	AvgExecutionTime   *float64                `json:"avg_execution_time" yaml:"avg_execution_time"`
	TimedRuns          int                     `json:"timed_runs" yaml:"timed_runs"`
	SlowThreshold      *float64                `json:"slow_threshold" yaml:"slow_threshold"`
	SlowPercentile     float64                 `json:"slow_percentile" yaml:"slow_percentile"`
	SlowestModels      []analytics.ModelTiming `json:"slowest_models" yaml:"slowest_models"`
	Window             analytics.Window        `json:"window" yaml:"window"`
}

// Performance totals successful execution time and ranks models by the
// time they consumed. req.Limit caps the ranking (10 by default) and
// req.Search narrows it without moving the slow threshold.
func (s *Service) Performance(ctx context.Context, req Request) (*PerformanceView, error) {
	set := s.current()

	w, err := set.window(s.now(), req.Days)
	if err != nil {
		return nil, err
	}

	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}

	limit := req.Limit
	if limit == 0 {
		limit = defaultSlowestLimit
	}

	runs, err := s.source.FetchRuns(ctx, runstore.RunFilter{Since: w.Start})
	if err != nil {
		return nil, wrapFetch("model runs", err)
	}

	report := analytics.ClassifySlow(runs, w, set.slow())

	view := &PerformanceView{
		SlowThreshold:  report.Threshold,
		SlowPercentile: report.Percentile,
		Window:         w,
	}

	timed := make([]analytics.ModelTiming, 0, len(report.Models))

	for _, mt := range report.Models {
		if !analytics.MatchesFilter(mt.Name, req.Search) {
			continue
		}

		view.TotalExecutionTime += mt.TotalExecutionTime
		view.TimedRuns += mt.TimedSuccessCount

		if mt.TimedSuccessCount > 0 {
			timed = append(timed, mt)
		}
	}

	if view.TimedRuns > 0 {
		avg := view.TotalExecutionTime / float64(view.TimedRuns)
		view.AvgExecutionTime = &avg
	}

	slices.SortFunc(timed, func(a, b analytics.ModelTiming) int {
		if c := cmp.Compare(b.TotalExecutionTime, a.TotalExecutionTime); c != 0 {
			return c
		}

		return cmp.Compare(a.EntityID, b.EntityID)
	})

	view.SlowestModels = timed[:min(limit, len(timed))]

	return view, nil
}

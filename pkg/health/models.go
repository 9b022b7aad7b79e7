package health

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/api/runstore"
)

// ModelRow is one line of the models listing.
type ModelRow struct {
	EntityID           string     `json:"entity_id" yaml:"entity_id"`
	Name               string     `json:"name" yaml:"name"`
	Schema             string     `json:"schema" yaml:"schema"`
	Status             string     `json:"status" yaml:"status"`
	LastRun            *time.Time `json:"last_run" yaml:"last_run"`
	RunCount           int        `json:"run_count" yaml:"run_count"`
	AvgExecutionTime   *float64   `json:"avg_execution_time" yaml:"avg_execution_time"`
	IsCurrentlyFailing bool       `json:"is_currently_failing" yaml:"is_currently_failing"`
	IsSlow             bool       `json:"is_slow" yaml:"is_slow"`
}

// ModelsView is a page of the models listing.
type ModelsView struct {
	analytics.Page[ModelRow] `yaml:",inline"`
	Window                   analytics.Window `json:"window" yaml:"window"`
	SlowThreshold            *float64         `json:"slow_threshold" yaml:"slow_threshold"`
	ShowAll                  bool             `json:"show_all" yaml:"show_all"`
}

// Models lists models with issues (currently failing or slow), or every
// catalog model when ShowAll is set. Failing models come first, then
// slower averages, then name. The slow threshold is computed over every
// model in the window before req.Search narrows the rows.
func (s *Service) Models(ctx context.Context, req Request) (*ModelsView, error) {
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
		runs    []analytics.RunRecord
		catalog []runstore.Model
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		runs, err = s.source.FetchRuns(gCtx, runstore.RunFilter{Since: w.Start})

		return wrapFetch("model runs", err)
	})

	if req.ShowAll {
		g.Go(func() error {
			var err error
			catalog, err = s.source.ListModels(gCtx)

			return wrapFetch("models", err)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := analytics.ClassifySlow(runs, w, set.slow())

	rows := make([]ModelRow, 0, len(report.Models))
	seen := make(map[string]int, len(report.Models))

	for _, mt := range report.Models {
		if !analytics.MatchesFilter(mt.Name, req.Search) {
			continue
		}

		if !req.ShowAll && !mt.IsCurrentlyFailing && !mt.IsSlow {
			continue
		}

		seen[mt.EntityID] = len(rows)
		rows = append(rows, modelRow(mt))
	}

	if req.ShowAll {
		entities := make([]analytics.Entity, 0, len(catalog))
		for i := range catalog {
			if analytics.MatchesFilter(catalog[i].Name, req.Search) {
				entities = append(entities, catalog[i].Entity())
			}
		}

		latest := analytics.ResolveLatest(runs, w)

		for _, es := range analytics.OverlayStatus(entities, latest) {
			if i, ok := seen[es.EntityID]; ok {
				if rows[i].Schema == "" {
					rows[i].Schema = es.Schema
				}

				continue
			}

			rows = append(rows, ModelRow{
				EntityID: es.EntityID,
				Name:     es.Name,
				Schema:   es.Schema,
				Status:   es.Status,
				LastRun:  es.LastRun,
			})
		}
	}

	slices.SortFunc(rows, compareModelRows)

	return &ModelsView{
		Page:          analytics.Paginate(rows, limit, offset),
		Window:        w,
		SlowThreshold: report.Threshold,
		ShowAll:       req.ShowAll,
	}, nil
}

func modelRow(mt analytics.ModelTiming) ModelRow {
	lastRun := mt.LastRun

	return ModelRow{
		EntityID:           mt.EntityID,
		Name:               mt.Name,
		Schema:             mt.Schema,
		Status:             mt.LatestStatus,
		LastRun:            &lastRun,
		RunCount:           mt.RunCount,
		AvgExecutionTime:   mt.AvgExecutionTime,
		IsCurrentlyFailing: mt.IsCurrentlyFailing,
		IsSlow:             mt.IsSlow,
	}
}

func compareModelRows(a, b ModelRow) int {
	if a.IsCurrentlyFailing != b.IsCurrentlyFailing {
		if a.IsCurrentlyFailing {
			return -1
		}

		return 1
	}

	if c := compareNilsLastDesc(a.AvgExecutionTime, b.AvgExecutionTime); c != 0 {
		return c
	}

	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}

	return cmp.Compare(a.EntityID, b.EntityID)
}

// compareNilsLastDesc orders larger values first and nil after every value.
func compareNilsLastDesc(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return cmp.Compare(*b, *a)
	}
}

// compareNilsLastAsc orders smaller values first and nil after every value.
func compareNilsLastAsc(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return cmp.Compare(*a, *b)
	}
}

// ModelTest is a test attached to a model with its latest outcome.
type ModelTest struct {
	EntityID           string     `json:"entity_id" yaml:"entity_id"`
	Name               string     `json:"name" yaml:"name"`
	TestType           string     `json:"test_type" yaml:"test_type"`
	Status             string     `json:"status" yaml:"status"`
	LastRun            *time.Time `json:"last_run" yaml:"last_run"`
	IsCurrentlyFailing bool       `json:"is_currently_failing" yaml:"is_currently_failing"`
}

// ModelDetail is everything known about one model in a window.
type ModelDetail struct {
	Model     runstore.Model         `json:"model" yaml:"model"`
	Tags      []string               `json:"tags" yaml:"tags"`
	InCatalog bool                   `json:"in_catalog" yaml:"in_catalog"`
	Timing    *analytics.ModelTiming `json:"timing" yaml:"timing"`
	History   []analytics.RunRecord  `json:"history" yaml:"history"`
	Trend     []analytics.DailyPoint `json:"trend" yaml:"trend"`
	Tests     []ModelTest            `json:"tests" yaml:"tests"`
	Window    analytics.Window       `json:"window" yaml:"window"`
}

// ModelDetail returns the catalog entry, run history (newest first), daily
// execution trend and attached tests of a model. Slowness is judged
// against every model in the window.
func (s *Service) ModelDetail(ctx context.Context, uniqueID string, days int) (*ModelDetail, error) {
	set := s.current()

	w, err := set.window(s.now(), days)
	if err != nil {
		return nil, err
	}

	var (
		model   *runstore.Model
		runs    []analytics.RunRecord
		catalog []runstore.Test
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		model, err = s.source.GetModel(gCtx, uniqueID)
		if isNotFound(err) {
			model, err = nil, nil
		}

		return wrapFetch("model", err)
	})

	g.Go(func() error {
		var err error
		runs, err = s.source.FetchRuns(gCtx, runstore.RunFilter{Since: w.Start})

		return wrapFetch("model runs", err)
	})

	g.Go(func() error {
		var err error
		catalog, err = s.source.ListTests(gCtx)

		return wrapFetch("tests", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	history := make([]analytics.RunRecord, 0)

	for _, r := range runs {
		if r.EntityID == uniqueID {
			history = append(history, r)
		}
	}

	if model == nil && len(history) == 0 {
		return nil, notFound("model", uniqueID)
	}

	detail := &ModelDetail{
		InCatalog: model != nil,
		Window:    w,
		Trend:     analytics.DailyExecutionTrend(history, w, set.loc),
	}

	if model != nil {
		detail.Model = *model
		detail.Tags = model.TagList()
	} else {
		last := history[len(history)-1]
		detail.Model = runstore.Model{UniqueID: uniqueID, Name: last.Name, Schema: last.Schema}
		detail.Tags = []string{}
	}

	report := analytics.ClassifySlow(runs, w, set.slow())
	for i := range report.Models {
		if report.Models[i].EntityID == uniqueID {
			detail.Timing = &report.Models[i]

			break
		}
	}

	slices.Reverse(history)
	detail.History = history

	testRuns, err := s.source.FetchTestRuns(ctx, runstore.RunFilter{
		Since:     w.Start,
		ModelName: detail.Model.Name,
	})
	if err != nil {
		return nil, wrapFetch("test runs", err)
	}

	detail.Tests = modelTests(uniqueID, detail.Model.Name, catalog, testRuns, w)

	return detail, nil
}

// modelTests overlays the catalog tests of a model with their latest
// observation. Failing tests come first, then name.
func modelTests(
	modelID, modelName string,
	catalog []runstore.Test,
	runs []analytics.TestRunRecord,
	w analytics.Window,
) []ModelTest {
	latest := analytics.ResolveLatest(runs, w)

	out := make([]ModelTest, 0)
	seen := make(map[string]struct{})

	for i := range catalog {
		t := &catalog[i]
		if t.ModelID != modelID && !strings.EqualFold(t.ModelName, modelName) {
			continue
		}

		mt := ModelTest{
			EntityID: t.UniqueID,
			Name:     t.Name,
			TestType: t.TestType,
			Status:   analytics.StatusNoRuns,
		}

		if r, ok := latest[t.UniqueID]; ok {
			mt.Status = r.Status
			mt.LastRun = &r.ObservedAt
			mt.IsCurrentlyFailing = analytics.IsFailure(r.Status)
		}

		seen[t.UniqueID] = struct{}{}
		out = append(out, mt)
	}

	for id, r := range latest {
		if _, ok := seen[id]; ok {
			continue
		}

		out = append(out, ModelTest{
			EntityID:           id,
			Name:               r.Name,
			TestType:           r.TestType,
			Status:             r.Status,
			LastRun:            &r.ObservedAt,
			IsCurrentlyFailing: analytics.IsFailure(r.Status),
		})
	}

	slices.SortFunc(out, func(a, b ModelTest) int {
		if a.IsCurrentlyFailing != b.IsCurrentlyFailing {
			if a.IsCurrentlyFailing {
				return -1
			}

			return 1
		}

		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}

		return cmp.Compare(a.EntityID, b.EntityID)
	})

	return out
}

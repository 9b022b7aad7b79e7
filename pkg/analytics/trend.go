package analytics

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Growth is the row count change of one model across a window.
// ChangePct is nil when there is no trend or the earliest count is zero.
type Growth struct {
	EntityID      string     `json:"entity_id" yaml:"entity_id"`
	Name          string     `json:"name" yaml:"name"`
	Schema        string     `json:"schema" yaml:"schema"`
	Observations  int        `json:"observations" yaml:"observations"`
	EarliestCount *int64     `json:"earliest_count" yaml:"earliest_count"`
	LatestCount   *int64     `json:"latest_count" yaml:"latest_count"`
	EarliestAt    *time.Time `json:"earliest_at" yaml:"earliest_at"`
	LatestAt      *time.Time `json:"latest_at" yaml:"latest_at"`
	ChangePct     *float64   `json:"change_pct" yaml:"change_pct"`
	HasTrend      bool       `json:"has_trend" yaml:"has_trend"`
}

// ComputeGrowth computes the growth of every model with an observation in
// the window, ordered by entity id.
func ComputeGrowth(obs []RowCountObservation, w Window) []Growth {
	grouped := make(map[string][]RowCountObservation)

	for _, o := range obs {
		if w.Contains(o.ObservedAt) {
			grouped[o.EntityID] = append(grouped[o.EntityID], o)
		}
	}

	out := make([]Growth, 0, len(grouped))
	for _, series := range grouped {
		out = append(out, GrowthOf(series, w))
	}

	slices.SortFunc(out, func(a, b Growth) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})

	return out
}

// GrowthOf computes growth for a single model's series. Ties on the
// earliest timestamp resolve to the first record, ties on the latest to
// the last.
func GrowthOf(series []RowCountObservation, w Window) Growth {
	var (
		g                Growth
		earliest, latest *RowCountObservation
	)

	for i := range series {
		o := &series[i]
		if !w.Contains(o.ObservedAt) {
			continue
		}

		if g.Observations == 0 {
			g.EntityID = o.EntityID
			g.Name = o.Name
			g.Schema = o.Schema
		}

		g.Observations++

		if earliest == nil || o.ObservedAt.Before(earliest.ObservedAt) {
			earliest = o
		}

		if latest == nil || !o.ObservedAt.Before(latest.ObservedAt) {
			latest = o
		}
	}

	if earliest == nil {
		return g
	}

	g.EarliestCount = ptr(earliest.RowCount)
	g.LatestCount = ptr(latest.RowCount)
	g.EarliestAt = ptr(earliest.ObservedAt)
	g.LatestAt = ptr(latest.ObservedAt)
	g.Name = latest.Name
	g.Schema = latest.Schema

	if g.Observations < 2 {
		return g
	}

	g.HasTrend = true

	if earliest.RowCount > 0 {
		change := float64(latest.RowCount-earliest.RowCount) /
			float64(earliest.RowCount) * 100
		g.ChangePct = &change
	}

	return g
}

// TrendDirection filters and orders a growth listing.
type TrendDirection string

// Trend directions.
const (
	TrendAll       TrendDirection = "all"
	TrendGrowing   TrendDirection = "growing"
	TrendShrinking TrendDirection = "shrinking"
)

// ParseTrendDirection parses a direction name. An empty string is TrendAll.
func ParseTrendDirection(s string) (TrendDirection, error) {
	switch TrendDirection(strings.ToLower(strings.TrimSpace(s))) {
	case "", TrendAll:
		return TrendAll, nil
	case TrendGrowing:
		return TrendGrowing, nil
	case TrendShrinking:
		return TrendShrinking, nil
	default:
		return "", fmt.Errorf("unknown trend direction %q", s)
	}
}

// FilterGrowth keeps the entries matching the direction. Growing and
// Shrinking only keep entries with a defined, non-zero change.
func FilterGrowth(gs []Growth, dir TrendDirection) []Growth {
	out := make([]Growth, 0, len(gs))

	for _, g := range gs {
		switch dir {
		case TrendGrowing:
			if g.ChangePct == nil || *g.ChangePct <= 0 {
				continue
			}
		case TrendShrinking:
			if g.ChangePct == nil || *g.ChangePct >= 0 {
				continue
			}
		}

		out = append(out, g)
	}

	return out
}

// SortGrowth orders entries in place: All by absolute change descending
// with undefined changes treated as zero, Growing by change descending,
// Shrinking by change ascending. Entity id breaks ties.
func SortGrowth(gs []Growth, dir TrendDirection) {
	key := func(g Growth) float64 {
		if g.ChangePct == nil {
			return 0
		}

		switch dir {
		case TrendGrowing:
			return -*g.ChangePct
		case TrendShrinking:
			return *g.ChangePct
		default:
			return -math.Abs(*g.ChangePct)
		}
	}

	slices.SortFunc(gs, func(a, b Growth) int {
		if c := cmp.Compare(key(a), key(b)); c != 0 {
			return c
		}

		return cmp.Compare(a.EntityID, b.EntityID)
	})
}

// DailyPoint is one day of execution time statistics.
type DailyPoint struct {
	Day     string  `json:"day" yaml:"day"`
	AvgTime float64 `json:"avg_time" yaml:"avg_time"`
	MinTime float64 `json:"min_time" yaml:"min_time"`
	MaxTime float64 `json:"max_time" yaml:"max_time"`
	Count   int     `json:"count" yaml:"count"`
}

// DailyExecutionTrend buckets the timed records in the window by calendar
// day in loc. Days without records are omitted; days are ascending.
func DailyExecutionTrend(records []RunRecord, w Window, loc *time.Location) []DailyPoint {
	if loc == nil {
		loc = time.UTC
	}

	buckets := make(map[string]*DailyPoint)

	for _, r := range records {
		if r.ExecutionTimeSeconds == nil || !w.Contains(r.ObservedAt) {
			continue
		}

		t := *r.ExecutionTimeSeconds
		day := r.ObservedAt.In(loc).Format(time.DateOnly)

		p, ok := buckets[day]
		if !ok {
			p = &DailyPoint{Day: day, MinTime: t, MaxTime: t}
			buckets[day] = p
		}

		p.Count++
		p.AvgTime += t
		p.MinTime = math.Min(p.MinTime, t)
		p.MaxTime = math.Max(p.MaxTime, t)
	}

	out := make([]DailyPoint, 0, len(buckets))

	for _, p := range buckets {
		p.AvgTime /= float64(p.Count)
		out = append(out, *p)
	}

	slices.SortFunc(out, func(a, b DailyPoint) int {
		return cmp.Compare(a.Day, b.Day)
	})

	return out
}

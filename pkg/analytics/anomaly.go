package analytics

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between order statistics, matching SQL PERCENTILE_CONT.
// It reports false when values is empty.
func Percentile(values []float64, p float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	if len(sorted) == 1 {
		return sorted[0], true
	}

	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))

	if lo == hi {
		return sorted[lo], true
	}

	frac := rank - float64(lo)

	return sorted[lo] + frac*(sorted[hi]-sorted[lo]), true
}

// SlowConfig holds the slow model thresholds.
type SlowConfig struct {
	Percentile float64
	MinSeconds float64
}

// ModelTiming summarizes one model's executions in a window.
type ModelTiming struct {
	EntityID           string    `json:"entity_id" yaml:"entity_id"`
	Name               string    `json:"name" yaml:"name"`
	Schema             string    `json:"schema" yaml:"schema"`
	RunCount           int       `json:"run_count" yaml:"run_count"`
	TimedSuccessCount  int       `json:"timed_success_count" yaml:"timed_success_count"`
	AvgExecutionTime   *float64  `json:"avg_execution_time" yaml:"avg_execution_time"`
	TotalExecutionTime float64   `json:"total_execution_time" yaml:"total_execution_time"`
	LatestStatus       string    `json:"latest_status" yaml:"latest_status"`
	LastRun            time.Time `json:"last_run" yaml:"last_run"`
	IsCurrentlyFailing bool      `json:"is_currently_failing" yaml:"is_currently_failing"`
	IsSlow             bool      `json:"is_slow" yaml:"is_slow"`
}

// SlowReport is the result of slow model classification. Threshold is nil
// when fewer than two models have an average, in which case nothing is slow.
type SlowReport struct {
	Models     []ModelTiming `json:"models" yaml:"models"`
	Percentile float64       `json:"percentile" yaml:"percentile"`
	Threshold  *float64      `json:"threshold" yaml:"threshold"`
	MinSeconds float64       `json:"min_seconds" yaml:"min_seconds"`
}

// ClassifySlow computes per-model timing statistics for the records in the
// window and flags models whose average success execution time is above the
// configured percentile of all averages and at or above the floor.
// Models are returned ordered by entity id.
func ClassifySlow(records []RunRecord, w Window, cfg SlowConfig) SlowReport {
	inWindow := InWindow(records, w)
	latest := ResolveLatest(inWindow, w)

	byID := make(map[string]*ModelTiming, len(latest))

	for _, r := range inWindow {
		mt, ok := byID[r.EntityID]
		if !ok {
			l := latest[r.EntityID]
			mt = &ModelTiming{
				EntityID:           r.EntityID,
				Name:               l.Name,
				Schema:             l.Schema,
				LatestStatus:       l.Status,
				LastRun:            l.ObservedAt,
				IsCurrentlyFailing: IsFailure(l.Status),
			}
			byID[r.EntityID] = mt
		}

		mt.RunCount++

		if r.Status == StatusSuccess && r.ExecutionTimeSeconds != nil {
			mt.TimedSuccessCount++
			mt.TotalExecutionTime += *r.ExecutionTimeSeconds
		}
	}

	models := make([]ModelTiming, 0, len(byID))
	averages := make([]float64, 0, len(byID))

	for _, mt := range byID {
		if mt.TimedSuccessCount > 0 {
			avg := mt.TotalExecutionTime / float64(mt.TimedSuccessCount)
			mt.AvgExecutionTime = &avg
			averages = append(averages, avg)
		}

		models = append(models, *mt)
	}

	slices.SortFunc(models, func(a, b ModelTiming) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})

	report := SlowReport{
		Models:     models,
		Percentile: cfg.Percentile,
		MinSeconds: cfg.MinSeconds,
	}

	if len(averages) < 2 {
		return report
	}

	threshold, _ := Percentile(averages, cfg.Percentile)
	report.Threshold = &threshold

	for i := range report.Models {
		avg := report.Models[i].AvgExecutionTime
		report.Models[i].IsSlow = avg != nil &&
			*avg > threshold && *avg >= cfg.MinSeconds
	}

	return report
}

// FlakyConfig holds the flaky test thresholds.
type FlakyConfig struct {
	Threshold float64
	MinRuns   int
}

// TestStats summarizes one test's observations in a window. TotalRuns
// counts pass, fail and error; warnings are counted separately.
type TestStats struct {
	EntityID           string    `json:"entity_id" yaml:"entity_id"`
	Name               string    `json:"name" yaml:"name"`
	ModelName          string    `json:"model_name" yaml:"model_name"`
	TestType           string    `json:"test_type" yaml:"test_type"`
	TotalRuns          int       `json:"total_runs" yaml:"total_runs"`
	PassCount          int       `json:"pass_count" yaml:"pass_count"`
	FailCount          int       `json:"fail_count" yaml:"fail_count"`
	WarnCount          int       `json:"warn_count" yaml:"warn_count"`
	FailureRate        *float64  `json:"failure_rate" yaml:"failure_rate"`
	PassRate           *float64  `json:"pass_rate" yaml:"pass_rate"`
	LatestStatus       string    `json:"latest_status" yaml:"latest_status"`
	LastRun            time.Time `json:"last_run" yaml:"last_run"`
	IsCurrentlyFailing bool      `json:"is_currently_failing" yaml:"is_currently_failing"`
	IsFlaky            bool      `json:"is_flaky" yaml:"is_flaky"`
}

// ClassifyTests computes pass/fail statistics per test for the records in
// the window. A test is flaky when its failure rate reaches the threshold
// over at least MinRuns runs and it has not failed every run.
// Tests are returned ordered by entity id.
func ClassifyTests(records []TestRunRecord, w Window, cfg FlakyConfig) []TestStats {
	inWindow := InWindow(records, w)
	latest := ResolveLatest(inWindow, w)

	byID := make(map[string]*TestStats, len(latest))

	for _, r := range inWindow {
		ts, ok := byID[r.EntityID]
		if !ok {
			l := latest[r.EntityID]
			ts = &TestStats{
				EntityID:           r.EntityID,
				Name:               l.Name,
				ModelName:          l.ModelName,
				TestType:           l.TestType,
				LatestStatus:       l.Status,
				LastRun:            l.ObservedAt,
				IsCurrentlyFailing: IsFailure(l.Status),
			}
			byID[r.EntityID] = ts
		}

		switch {
		case r.Status == StatusPass:
			ts.PassCount++
			ts.TotalRuns++
		case IsFailure(r.Status):
			ts.FailCount++
			ts.TotalRuns++
		case r.Status == StatusWarn:
			ts.WarnCount++
		}
	}

	out := make([]TestStats, 0, len(byID))

	for _, ts := range byID {
		if ts.TotalRuns > 0 {
			total := float64(ts.TotalRuns)
			ts.FailureRate = ptr(float64(ts.FailCount) / total)
			ts.PassRate = ptr(float64(ts.PassCount) / total)
			ts.IsFlaky = *ts.FailureRate >= cfg.Threshold &&
				ts.TotalRuns >= cfg.MinRuns &&
				ts.FailCount < ts.TotalRuns
		}

		out = append(out, *ts)
	}

	slices.SortFunc(out, func(a, b TestStats) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})

	return out
}

// FlakyTests returns the flaky subset of stats ordered by failure rate
// descending, then total runs descending, then entity id.
func FlakyTests(stats []TestStats) []TestStats {
	out := make([]TestStats, 0)

	for _, ts := range stats {
		if ts.IsFlaky {
			out = append(out, ts)
		}
	}

	slices.SortFunc(out, func(a, b TestStats) int {
		if c := cmp.Compare(*b.FailureRate, *a.FailureRate); c != 0 {
			return c
		}

		if c := cmp.Compare(b.TotalRuns, a.TotalRuns); c != 0 {
			return c
		}

		return cmp.Compare(a.EntityID, b.EntityID)
	})

	return out
}

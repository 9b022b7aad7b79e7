package analytics

import "time"

// Overview holds the headline numbers for a window.
type Overview struct {
	FailedTests      int        `json:"failed_tests" yaml:"failed_tests"`
	TotalTestsRun    int        `json:"total_tests_run" yaml:"total_tests_run"`
	FailedModels     int        `json:"failed_models" yaml:"failed_models"`
	TotalModelsRun   int        `json:"total_models_run" yaml:"total_models_run"`
	AvgExecutionTime *float64   `json:"avg_execution_time" yaml:"avg_execution_time"`
	LastRunTime      *time.Time `json:"last_run_time" yaml:"last_run_time"`
}

// ComputeOverview counts current failures among the latest model and test
// observations and averages the latest model execution times.
func ComputeOverview(runs []RunRecord, tests []TestRunRecord, w Window) Overview {
	latestRuns := ResolveLatest(runs, w)
	latestTests := ResolveLatest(tests, w)

	ov := Overview{
		TotalModelsRun: len(latestRuns),
		TotalTestsRun:  len(latestTests),
	}

	var (
		sum   float64
		timed int
	)

	for _, r := range latestRuns {
		if IsFailure(r.Status) {
			ov.FailedModels++
		}

		if r.ExecutionTimeSeconds != nil {
			sum += *r.ExecutionTimeSeconds
			timed++
		}

		ov.LastRunTime = later(ov.LastRunTime, r.ObservedAt)
	}

	for _, t := range latestTests {
		if IsFailure(t.Status) {
			ov.FailedTests++
		}

		ov.LastRunTime = later(ov.LastRunTime, t.ObservedAt)
	}

	if timed > 0 {
		ov.AvgExecutionTime = ptr(sum / float64(timed))
	}

	return ov
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}

	return cur
}

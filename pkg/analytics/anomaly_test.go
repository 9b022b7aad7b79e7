package analytics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbtlens/dbtlens/pkg/analytics"
)

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
		ok     bool
	}{
		{name: "empty", values: nil, p: 90, ok: false},
		{name: "single value", values: []float64{42}, p: 90, want: 42, ok: true},
		{name: "interpolates", values: []float64{4, 1, 3, 2}, p: 90, want: 3.7, ok: true},
		{name: "median of two", values: []float64{10, 20}, p: 50, want: 15, ok: true},
		{name: "exact order statistic", values: []float64{1, 2, 3}, p: 50, want: 2, ok: true},
		{name: "zeroth", values: []float64{5, 1, 9}, p: 0, want: 1, ok: true},
		{name: "hundredth", values: []float64{5, 1, 9}, p: 100, want: 9, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := analytics.Percentile(tt.values, tt.p)
			assert.Equal(t, tt.ok, ok)

			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func slowByID(report analytics.SlowReport) map[string]bool {
	out := make(map[string]bool, len(report.Models))
	for _, m := range report.Models {
		out[m.EntityID] = m.IsSlow
	}

	return out
}

func timedRuns(avgs map[string]float64) []analytics.RunRecord {
	records := make([]analytics.RunRecord, 0, len(avgs))
	for id, avg := range avgs {
		records = append(records,
			run(id, analytics.StatusSuccess, daysAgo(1), f64(avg)))
	}

	return records
}

func TestClassifySlow(t *testing.T) {
	w := analytics.NewWindow(now, 7)
	cfg := analytics.SlowConfig{Percentile: 90, MinSeconds: 60}

	t.Run("flags the model above p90 and the floor", func(t *testing.T) {
		report := analytics.ClassifySlow(timedRuns(map[string]float64{
			"model.a": 10, "model.b": 20, "model.c": 100,
		}), w, cfg)

		require.NotNil(t, report.Threshold)
		assert.InDelta(t, 84.0, *report.Threshold, 1e-9)
		assert.Equal(t, map[string]bool{
			"model.a": false, "model.b": false, "model.c": true,
		}, slowByID(report))
	})

	t.Run("floor keeps fast outliers from being slow", func(t *testing.T) {
		report := analytics.ClassifySlow(timedRuns(map[string]float64{
			"model.a": 1, "model.b": 2, "model.c": 10,
		}), w, cfg)

		assert.False(t, slowByID(report)["model.c"])
	})

	t.Run("fewer than two averages leaves threshold undefined", func(t *testing.T) {
		records := timedRuns(map[string]float64{"model.a": 1000})
		records = append(records,
			run("model.b", analytics.StatusFail, daysAgo(1), f64(500)),
			run("model.c", analytics.StatusSkipped, daysAgo(1), nil))

		report := analytics.ClassifySlow(records, w, cfg)

		assert.Nil(t, report.Threshold)
		assert.Len(t, report.Models, 3)

		for _, m := range report.Models {
			assert.False(t, m.IsSlow, m.EntityID)
		}
	})

	t.Run("average uses only timed successes", func(t *testing.T) {
		records := []analytics.RunRecord{
			run("model.a", analytics.StatusSuccess, daysAgo(3), f64(10)),
			run("model.a", analytics.StatusSuccess, daysAgo(2), f64(30)),
			run("model.a", analytics.StatusError, daysAgo(1), f64(900)),
			run("model.a", analytics.StatusSuccess, daysAgo(1), nil),
			run("model.b", analytics.StatusSkipped, daysAgo(1), nil),
		}

		report := analytics.ClassifySlow(records, w, cfg)
		require.Len(t, report.Models, 2)

		a := report.Models[0]
		assert.Equal(t, "model.a", a.EntityID)
		assert.Equal(t, 4, a.RunCount)
		assert.Equal(t, 2, a.TimedSuccessCount)
		require.NotNil(t, a.AvgExecutionTime)
		assert.InDelta(t, 20.0, *a.AvgExecutionTime, 1e-9)
		assert.InDelta(t, 40.0, a.TotalExecutionTime, 1e-9)

		b := report.Models[1]
		assert.Nil(t, b.AvgExecutionTime)
		assert.Equal(t, analytics.StatusSkipped, b.LatestStatus)
	})

	t.Run("raising an average past p90 flips it to slow", func(t *testing.T) {
		floorless := analytics.SlowConfig{Percentile: 90}

		before := analytics.ClassifySlow(timedRuns(map[string]float64{
			"model.a": 10, "model.b": 20, "model.c": 30,
		}), w, floorless)
		assert.False(t, slowByID(before)["model.a"])

		after := analytics.ClassifySlow(timedRuns(map[string]float64{
			"model.a": 100, "model.b": 20, "model.c": 30,
		}), w, floorless)
		assert.True(t, slowByID(after)["model.a"])
	})

	t.Run("raising p90 with a slower peer unflags a model", func(t *testing.T) {
		floorless := analytics.SlowConfig{Percentile: 90}

		before := analytics.ClassifySlow(timedRuns(map[string]float64{
			"model.a": 10, "model.b": 50, "model.c": 60,
		}), w, floorless)
		assert.True(t, slowByID(before)["model.c"])

		after := analytics.ClassifySlow(timedRuns(map[string]float64{
			"model.a": 10, "model.b": 50, "model.c": 60, "model.d": 200,
		}), w, floorless)
		assert.False(t, slowByID(after)["model.c"])
		assert.True(t, slowByID(after)["model.d"])
	})

	t.Run("empty window", func(t *testing.T) {
		report := analytics.ClassifySlow(nil, w, cfg)
		assert.Empty(t, report.Models)
		assert.Nil(t, report.Threshold)
	})
}

func TestClassifyTests(t *testing.T) {
	w := analytics.NewWindow(now, 7)
	cfg := analytics.FlakyConfig{Threshold: 0.2, MinRuns: 3}

	statuses := func(id string, ss ...string) []analytics.TestRunRecord {
		out := make([]analytics.TestRunRecord, 0, len(ss))
		for i, s := range ss {
			out = append(out, testRun(id, s, daysAgo(6.5-float64(i)*0.5)))
		}

		return out
	}

	tests := []struct {
		name        string
		records     []analytics.TestRunRecord
		total       int
		warn        int
		failureRate *float64
		flaky       bool
		failing     bool
	}{
		{
			name: "three failures out of ten runs",
			records: statuses("test.b",
				"pass", "fail", "pass", "pass", "error",
				"pass", "pass", "fail", "pass", "pass"),
			total:       10,
			failureRate: f64(0.3),
			flaky:       true,
		},
		{
			name:        "single failing run is not flaky",
			records:     statuses("test.one", "fail"),
			total:       1,
			failureRate: f64(1),
			failing:     true,
		},
		{
			name:        "two runs is below the minimum sample",
			records:     statuses("test.two", "pass", "fail"),
			total:       2,
			failureRate: f64(0.5),
			failing:     true,
		},
		{
			name:        "always failing is broken, not flaky",
			records:     statuses("test.broken", "fail", "error", "fail", "fail"),
			total:       4,
			failureRate: f64(1),
			failing:     true,
		},
		{
			name:        "warnings stay out of the denominator",
			records:     statuses("test.warn", "pass", "warn", "pass", "warn", "fail"),
			total:       3,
			warn:        2,
			failureRate: f64(1.0 / 3.0),
			flaky:       true,
			failing:     true,
		},
		{
			name:    "only warnings leaves the rate undefined",
			records: statuses("test.allwarn", "warn", "warn", "warn"),
			total:   0,
			warn:    3,
		},
		{
			name:        "below threshold",
			records:     statuses("test.solid", "pass", "pass", "pass", "pass", "pass", "pass", "fail", "pass"),
			total:       8,
			failureRate: f64(0.125),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := analytics.ClassifyTests(tt.records, w, cfg)
			require.Len(t, stats, 1)

			s := stats[0]
			assert.Equal(t, tt.total, s.TotalRuns)
			assert.Equal(t, tt.warn, s.WarnCount)
			assert.Equal(t, tt.flaky, s.IsFlaky)
			assert.Equal(t, tt.failing, s.IsCurrentlyFailing)

			if tt.failureRate == nil {
				assert.Nil(t, s.FailureRate)
				assert.Nil(t, s.PassRate)

				return
			}

			require.NotNil(t, s.FailureRate)
			assert.InDelta(t, *tt.failureRate, *s.FailureRate, 1e-9)
		})
	}
}

func TestFlakyTests_Ordering(t *testing.T) {
	w := analytics.NewWindow(now, 7)
	cfg := analytics.FlakyConfig{Threshold: 0.2, MinRuns: 3}

	var records []analytics.TestRunRecord

	add := func(id string, ss ...string) {
		for i, s := range ss {
			records = append(records, testRun(id, s, daysAgo(6-float64(i)*0.1)))
		}
	}

	// a and c tie on rate and runs, b has the same rate over more runs.
	add("test.c", "fail", "pass", "pass", "pass", "pass")
	add("test.a", "fail", "pass", "pass", "pass", "pass")
	add("test.b", "fail", "pass", "pass", "pass", "pass", "pass",
		"pass", "pass", "pass", "fail")
	add("test.d", "fail", "fail", "pass")
	add("test.e", "pass", "pass", "pass")

	flaky := analytics.FlakyTests(analytics.ClassifyTests(records, w, cfg))

	ids := make([]string, 0, len(flaky))
	for _, f := range flaky {
		ids = append(ids, f.EntityID)
	}

	assert.Equal(t, []string{"test.d", "test.b", "test.a", "test.c"}, ids)
}

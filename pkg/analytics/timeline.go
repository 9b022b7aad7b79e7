package analytics

import (
	"cmp"
	"slices"
	"time"
)

// ReferenceSource names where a waterfall's zero point came from.
type ReferenceSource string

// Reference sources.
const (
	ReferenceRunStarted      ReferenceSource = "run_started_at"
	ReferenceEarliestExecute ReferenceSource = "earliest_execute_started_at"
	ReferenceNone            ReferenceSource = "none"
)

// TimelineEntry is one timed run placed on an invocation's waterfall.
// Offsets are seconds from the reference and may be negative.
type TimelineEntry struct {
	EntityID      string   `json:"entity_id" yaml:"entity_id"`
	Name          string   `json:"name" yaml:"name"`
	Status        string   `json:"status" yaml:"status"`
	StartOffset   float64  `json:"start_offset" yaml:"start_offset"`
	EndOffset     float64  `json:"end_offset" yaml:"end_offset"`
	ExecutionTime *float64 `json:"execution_time" yaml:"execution_time"`
}

// Waterfall is the reconstructed execution timeline of an invocation.
// WallSeconds and Parallelism are nil when no run was timed.
type Waterfall struct {
	Entries         []TimelineEntry `json:"entries" yaml:"entries"`
	Reference       *time.Time      `json:"reference" yaml:"reference"`
	ReferenceSource ReferenceSource `json:"reference_source" yaml:"reference_source"`
	TotalCPUSeconds float64         `json:"total_cpu_seconds" yaml:"total_cpu_seconds"`
	WallSeconds     *float64        `json:"wall_seconds" yaml:"wall_seconds"`
	Parallelism     *float64        `json:"parallelism" yaml:"parallelism"`
}

// BuildWaterfall places the invocation's timed runs on a shared time axis.
// The zero point is the invocation's run start, falling back to the
// earliest execute start. Runs without both execute timestamps are left
// out. When a run has no execution time its execute span counts towards
// the CPU total.
func BuildWaterfall(inv *Invocation, records []RunRecord) Waterfall {
	timed := make([]RunRecord, 0, len(records))

	for _, r := range records {
		if r.HasTiming() {
			timed = append(timed, r)
		}
	}

	wf := Waterfall{
		Entries:         make([]TimelineEntry, 0, len(timed)),
		ReferenceSource: ReferenceNone,
	}

	if len(timed) == 0 {
		return wf
	}

	var ref time.Time

	if inv != nil && inv.RunStartedAt != nil {
		ref = *inv.RunStartedAt
		wf.ReferenceSource = ReferenceRunStarted
	} else {
		ref = *timed[0].ExecuteStartedAt
		for _, r := range timed[1:] {
			if r.ExecuteStartedAt.Before(ref) {
				ref = *r.ExecuteStartedAt
			}
		}

		wf.ReferenceSource = ReferenceEarliestExecute
	}

	wf.Reference = &ref

	var wall float64

	for i, r := range timed {
		e := TimelineEntry{
			EntityID:      r.EntityID,
			Name:          r.Name,
			Status:        r.Status,
			StartOffset:   r.ExecuteStartedAt.Sub(ref).Seconds(),
			EndOffset:     r.ExecuteCompletedAt.Sub(ref).Seconds(),
			ExecutionTime: r.ExecutionTimeSeconds,
		}

		if r.ExecutionTimeSeconds != nil {
			wf.TotalCPUSeconds += *r.ExecutionTimeSeconds
		} else {
			wf.TotalCPUSeconds += e.EndOffset - e.StartOffset
		}

		if i == 0 || e.EndOffset > wall {
			wall = e.EndOffset
		}

		wf.Entries = append(wf.Entries, e)
	}

	slices.SortStableFunc(wf.Entries, func(a, b TimelineEntry) int {
		if c := cmp.Compare(a.StartOffset, b.StartOffset); c != 0 {
			return c
		}

		return cmp.Compare(a.EntityID, b.EntityID)
	})

	wf.WallSeconds = &wall

	parallelism := 1.0
	if wall > 0 {
		parallelism = wf.TotalCPUSeconds / wall
	}

	wf.Parallelism = &parallelism

	return wf
}

// InvocationSummary counts the model outcomes of an invocation.
type InvocationSummary struct {
	ModelsRun       int      `json:"models_run" yaml:"models_run"`
	SuccessCount    int      `json:"success_count" yaml:"success_count"`
	FailCount       int      `json:"fail_count" yaml:"fail_count"`
	SkippedCount    int      `json:"skipped_count" yaml:"skipped_count"`
	TotalTime       float64  `json:"total_time" yaml:"total_time"`
	DurationSeconds *float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

// SummarizeInvocation counts outcomes over an invocation's model runs.
func SummarizeInvocation(inv *Invocation, records []RunRecord) InvocationSummary {
	s := InvocationSummary{
		ModelsRun:       len(records),
		DurationSeconds: inv.DurationSeconds(),
	}

	for _, r := range records {
		switch {
		case r.Status == StatusSuccess:
			s.SuccessCount++
		case IsFailure(r.Status):
			s.FailCount++
		case r.Status == StatusSkipped:
			s.SkippedCount++
		}

		if r.ExecutionTimeSeconds != nil {
			s.TotalTime += *r.ExecutionTimeSeconds
		}
	}

	return s
}

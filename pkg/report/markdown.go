package report

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/dbtlens/dbtlens/pkg/analytics"
)

const maxMessageChars = 120

// failure is one row of the current failures section.
type failure struct {
	Kind       string
	Name       string
	Status     string
	ObservedAt time.Time
	Message    string
}

// Markdown renders the report. The output is capped at maxChars characters
// when maxChars is positive.
func (r *Report) Markdown(maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, r)
	writeOverview(&sb, r)
	writeFlakyTests(&sb, r)
	writeSlowModels(&sb, r)
	writeGrowth(&sb, r.Growth)

	// Current failures come last so they are what gets truncated.
	writeFailures(&sb, r.failures(), maxChars)

	return sb.String()
}

func writeTitle(sb *strings.Builder, r *Report) {
	fmt.Fprintf(sb, "# %s\n\n", r.Title)
	fmt.Fprintf(sb, "Generated %s for the last %d day(s), since %s.\n\n",
		r.GeneratedAt.Format("2006-01-02 15:04:05 UTC"),
		r.Window.Days,
		r.Window.Start.UTC().Format("2006-01-02 15:04 UTC"))
}

func writeOverview(sb *strings.Builder, r *Report) {
	ov := r.Overview
	if ov == nil {
		return
	}

	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Models Run | %d |\n", ov.TotalModelsRun)
	fmt.Fprintf(sb, "| Failing Models | %d |\n", ov.FailedModels)
	fmt.Fprintf(sb, "| Tests Run | %d |\n", ov.TotalTestsRun)
	fmt.Fprintf(sb, "| Failing Tests | %d |\n", ov.FailedTests)

	if ov.CatalogModels > 0 || ov.CatalogTests > 0 {
		fmt.Fprintf(sb, "| Catalog | %d models, %d tests |\n",
			ov.CatalogModels, ov.CatalogTests)
	}

	fmt.Fprintf(sb, "| Invocations | %d |\n", ov.Invocations)

	if ov.TotalInvocationSeconds > 0 {
		fmt.Fprintf(sb, "| Invocation Time | %s |\n",
			formatSeconds(ov.TotalInvocationSeconds))
	}

	if ov.AvgExecutionTime != nil {
		fmt.Fprintf(sb, "| Avg Model Time | %s |\n",
			formatSeconds(*ov.AvgExecutionTime))
	}

	if ov.LastRunTime != nil {
		fmt.Fprintf(sb, "| Last Run | %s (%s ago) |\n",
			ov.LastRunTime.UTC().Format("2006-01-02 15:04:05 UTC"),
			units.HumanDuration(r.GeneratedAt.Sub(*ov.LastRunTime)))
	}

	sb.WriteByte('\n')
}

func writeFlakyTests(sb *strings.Builder, r *Report) {
	flaky := r.Flaky
	if flaky == nil || len(flaky.Tests) == 0 {
		return
	}

	fmt.Fprintf(sb, "## Flaky Tests (%d)\n\n", flaky.Total)
	fmt.Fprintf(sb, "Failure rate of at least %s over %d or more runs.\n\n",
		formatRate(&flaky.Threshold), flaky.MinRuns)
	sb.WriteString("| Test | Model | Runs | Failed | Failure Rate | Latest |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")

	for _, t := range flaky.Tests {
		fmt.Fprintf(sb, "| %s | %s | %d | %d | %s | %s |\n",
			escapeCell(t.Name), escapeCell(t.ModelName),
			t.TotalRuns, t.FailCount, formatRate(t.FailureRate), t.LatestStatus)
	}

	sb.WriteByte('\n')
}

func writeSlowModels(sb *strings.Builder, r *Report) {
	perf := r.Performance
	if perf == nil || len(perf.SlowestModels) == 0 {
		return
	}

	sb.WriteString("## Slowest Models\n\n")

	if perf.SlowThreshold != nil {
		fmt.Fprintf(sb, "Slow threshold (p%g): %s.\n\n",
			perf.SlowPercentile, formatSeconds(*perf.SlowThreshold))
	}

	sb.WriteString("| Model | Runs | Avg Time | Total Time | Slow |\n")
	sb.WriteString("|---|---|---|---|---|\n")

	for _, m := range perf.SlowestModels {
		avg := "-"
		if m.AvgExecutionTime != nil {
			avg = formatSeconds(*m.AvgExecutionTime)
		}

		slow := ""
		if m.IsSlow {
			slow = "yes"
		}

		fmt.Fprintf(sb, "| %s | %d | %s | %s | %s |\n",
			escapeCell(m.Name), m.TimedSuccessCount, avg,
			formatSeconds(m.TotalExecutionTime), slow)
	}

	sb.WriteByte('\n')
}

func writeGrowth(sb *strings.Builder, growth []analytics.Growth) {
	if len(growth) == 0 {
		return
	}

	sb.WriteString("## Biggest Row Count Changes\n\n")
	sb.WriteString("| Model | Earliest | Latest | Change |\n")
	sb.WriteString("|---|---|---|---|\n")

	for _, g := range growth {
		fmt.Fprintf(sb, "| %s | %s | %s | %s |\n",
			escapeCell(g.Name), formatRowsPtr(g.EarliestCount),
			formatRowsPtr(g.LatestCount), formatChange(g.ChangePct))
	}

	sb.WriteByte('\n')
}

func writeFailures(sb *strings.Builder, failures []failure, maxChars int) {
	if len(failures) == 0 {
		return
	}

	fmt.Fprintf(sb, "## Current Failures (%d)\n\n", len(failures))
	sb.WriteString("| Kind | Name | Status | Observed | Message |\n")
	sb.WriteString("|---|---|---|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, f := range failures {
		row := fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
			f.Kind, escapeCell(f.Name), f.Status,
			f.ObservedAt.UTC().Format("2006-01-02 15:04"),
			escapeCell(truncate(f.Message, maxMessageChars)))

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			remaining := len(failures) - i
			fmt.Fprintf(sb,
				"\n*%d more failure(s) not shown "+
					"(output truncated at %d chars)*\n",
				remaining, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

// failures merges failing models and tests, newest first.
func (r *Report) failures() []failure {
	if r.Alerts == nil {
		return nil
	}

	out := make([]failure, 0, len(r.Alerts.Models)+len(r.Alerts.Tests))

	for _, m := range r.Alerts.Models {
		out = append(out, failure{
			Kind: "model", Name: m.Name, Status: m.Status,
			ObservedAt: m.ObservedAt, Message: m.Message,
		})
	}

	for _, t := range r.Alerts.Tests {
		out = append(out, failure{
			Kind: "test", Name: t.Name, Status: t.Status,
			ObservedAt: t.ObservedAt, Message: t.Message,
		})
	}

	slices.SortStableFunc(out, func(a, b failure) int {
		if c := b.ObservedAt.Compare(a.ObservedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.Name, b.Name)
	})

	return out
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}

func formatSeconds(s float64) string {
	return formatDuration(time.Duration(s * float64(time.Second)))
}

// formatRows abbreviates a row count with a decimal suffix (1.2M).
func formatRows(n int64) string {
	if n < 0 {
		return "-" + formatRows(-n)
	}

	return units.CustomSize("%.4g%s", float64(n), 1000.0,
		[]string{"", "K", "M", "B", "T"})
}

func formatRowsPtr(n *int64) string {
	if n == nil {
		return "-"
	}

	return formatRows(*n)
}

// formatChange formats a percentage change with its sign.
func formatChange(pct *float64) string {
	if pct == nil {
		return "n/a"
	}

	return fmt.Sprintf("%+.1f%%", *pct)
}

// formatRate formats a 0..1 ratio as a percentage.
func formatRate(rate *float64) string {
	if rate == nil {
		return "n/a"
	}

	return fmt.Sprintf("%.1f%%", *rate*100)
}

// escapeCell keeps a value inside one markdown table cell.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n-3]) + "..."
}

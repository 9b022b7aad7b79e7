// Package report renders a point-in-time health report for a lookback
// window as markdown, JSON or YAML.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/health"
)

// DefaultTopN is the number of rows listed per ranked section.
const DefaultTopN = 10

// Output formats.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
)

// Views is the subset of the health service a report reads.
type Views interface {
	Overview(ctx context.Context, req health.Request) (*health.OverviewView, error)
	Alerts(ctx context.Context, req health.Request) (*health.AlertsView, error)
	FlakyTests(ctx context.Context, req health.Request) (*health.FlakyView, error)
	Performance(ctx context.Context, req health.Request) (*health.PerformanceView, error)
	Growth(ctx context.Context, req health.Request) (*health.GrowthView, error)
}

// Report is the health of a dbt project over one window.
type Report struct {
	Title       string                  `json:"title" yaml:"title"`
	GeneratedAt time.Time               `json:"generated_at" yaml:"generated_at"`
	Window      analytics.Window        `json:"window" yaml:"window"`
	Overview    *health.OverviewView    `json:"overview" yaml:"overview"`
	Alerts      *health.AlertsView      `json:"alerts" yaml:"alerts"`
	Flaky       *health.FlakyView       `json:"flaky" yaml:"flaky"`
	Performance *health.PerformanceView `json:"performance" yaml:"performance"`
	Growth      []analytics.Growth      `json:"growth" yaml:"growth"`
	TopN        int                     `json:"top_n" yaml:"top_n"`
}

// Options selects the window and section sizes of a report.
type Options struct {
	Title string
	Days  int
	TopN  int
	Now   func() time.Time
}

// Build collects every section of the report concurrently.
func Build(ctx context.Context, views Views, opts Options) (*Report, error) {
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}

	if opts.Title == "" {
		opts.Title = "dbt Health Report"
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	r := &Report{
		Title:       opts.Title,
		GeneratedAt: now().UTC(),
		TopN:        opts.TopN,
	}

	req := health.Request{Days: opts.Days}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ov, err := views.Overview(gCtx, req)
		if err != nil {
			return fmt.Errorf("building overview: %w", err)
		}

		r.Overview = ov

		return nil
	})

	g.Go(func() error {
		alerts, err := views.Alerts(gCtx, req)
		if err != nil {
			return fmt.Errorf("building alerts: %w", err)
		}

		r.Alerts = alerts

		return nil
	})

	g.Go(func() error {
		flaky, err := views.FlakyTests(gCtx, health.Request{Days: opts.Days, Limit: opts.TopN})
		if err != nil {
			return fmt.Errorf("building flaky tests: %w", err)
		}

		r.Flaky = flaky

		return nil
	})

	g.Go(func() error {
		perf, err := views.Performance(gCtx, health.Request{Days: opts.Days, Limit: opts.TopN})
		if err != nil {
			return fmt.Errorf("building performance: %w", err)
		}

		r.Performance = perf

		return nil
	})

	g.Go(func() error {
		growth, err := views.Growth(gCtx, health.Request{Days: opts.Days, Limit: opts.TopN})
		if err != nil {
			return fmt.Errorf("building growth: %w", err)
		}

		r.Growth = growth.Items

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.Window = r.Overview.Window

	return r, nil
}

// Extension returns the file extension for a format.
func Extension(format string) string {
	switch format {
	case FormatJSON:
		return "json"
	case FormatYAML, "yml":
		return "yaml"
	default:
		return "md"
	}
}

// Render serializes the report in the given format. maxChars caps the
// markdown rendering and is ignored otherwise.
func Render(r *Report, format string, maxChars int) ([]byte, error) {
	switch format {
	case FormatMarkdown, "md", "":
		return []byte(r.Markdown(maxChars)), nil
	case FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding json: %w", err)
		}

		return append(data, '\n'), nil
	case FormatYAML, "yml":
		data, err := yaml.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}

		return data, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

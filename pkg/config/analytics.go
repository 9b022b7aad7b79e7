package config

import (
	"fmt"
	"time"
)

const (
	// DefaultLookbackDays is the window used when a request names none.
	DefaultLookbackDays = 7

	// DefaultMaxLookbackDays caps the window a request may ask for.
	DefaultMaxLookbackDays = 30

	// DefaultPageSize is the default number of rows per page.
	DefaultPageSize = 50

	// DefaultFlakyThreshold is the failure rate at which a test is flaky.
	DefaultFlakyThreshold = 0.2

	// DefaultFlakyMinRuns is the minimum number of runs before a test can
	// be classified as flaky.
	DefaultFlakyMinRuns = 3

	// DefaultSlowPercentile is the percentile of average execution times
	// above which a model is slow.
	DefaultSlowPercentile = 90.0

	// DefaultSlowMinSeconds is the floor below which no model is slow.
	DefaultSlowMinSeconds = 60.0

	// DefaultReportTimezone is the zone used for daily buckets.
	DefaultReportTimezone = "UTC"
)

// AnalyticsConfig holds the thresholds used to derive health signals.
// The section is hot-reloadable in the API server.
type AnalyticsConfig struct {
	DefaultLookbackDays int     `json:"default_lookback_days" yaml:"default_lookback_days" mapstructure:"default_lookback_days"`
	MaxLookbackDays     int     `json:"max_lookback_days" yaml:"max_lookback_days" mapstructure:"max_lookback_days"`
	PageSize            int     `json:"page_size" yaml:"page_size" mapstructure:"page_size"`
	FlakyThreshold      float64 `json:"flaky_threshold" yaml:"flaky_threshold" mapstructure:"flaky_threshold"`
	FlakyMinRuns        int     `json:"flaky_min_runs" yaml:"flaky_min_runs" mapstructure:"flaky_min_runs"`
	SlowPercentile      float64 `json:"slow_percentile" yaml:"slow_percentile" mapstructure:"slow_percentile"`
	SlowMinSeconds      float64 `json:"slow_min_seconds" yaml:"slow_min_seconds" mapstructure:"slow_min_seconds"`
	ReportTimezone      string  `json:"report_timezone" yaml:"report_timezone" mapstructure:"report_timezone"`
}

// DefaultAnalyticsConfig returns the analytics section with every value
// set to its default.
func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		DefaultLookbackDays: DefaultLookbackDays,
		MaxLookbackDays:     DefaultMaxLookbackDays,
		PageSize:            DefaultPageSize,
		FlakyThreshold:      DefaultFlakyThreshold,
		FlakyMinRuns:        DefaultFlakyMinRuns,
		SlowPercentile:      DefaultSlowPercentile,
		SlowMinSeconds:      DefaultSlowMinSeconds,
		ReportTimezone:      DefaultReportTimezone,
	}
}

func (c *AnalyticsConfig) applyDefaults() {
	if c.DefaultLookbackDays <= 0 {
		c.DefaultLookbackDays = DefaultLookbackDays
	}

	if c.MaxLookbackDays <= 0 {
		c.MaxLookbackDays = DefaultMaxLookbackDays
	}

	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}

	if c.ReportTimezone == "" {
		c.ReportTimezone = DefaultReportTimezone
	}
}

// Location resolves the report time zone.
func (c *AnalyticsConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("loading report timezone %q: %w",
			c.ReportTimezone, err)
	}

	return loc, nil
}

// Validate checks the analytics thresholds for errors.
func (c *AnalyticsConfig) Validate() error {
	if c.DefaultLookbackDays < 1 {
		return fmt.Errorf("default_lookback_days must be at least 1")
	}

	if c.MaxLookbackDays < c.DefaultLookbackDays {
		return fmt.Errorf(
			"max_lookback_days (%d) must not be below default_lookback_days (%d)",
			c.MaxLookbackDays, c.DefaultLookbackDays,
		)
	}

	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be at least 1")
	}

	if c.FlakyThreshold <= 0 || c.FlakyThreshold > 1 {
		return fmt.Errorf("flaky_threshold must be in (0, 1], got %v",
			c.FlakyThreshold)
	}

	if c.FlakyMinRuns < 1 {
		return fmt.Errorf("flaky_min_runs must be at least 1")
	}

	if c.SlowPercentile < 0 || c.SlowPercentile > 100 {
		return fmt.Errorf("slow_percentile must be in [0, 100], got %v",
			c.SlowPercentile)
	}

	if c.SlowMinSeconds < 0 {
		return fmt.Errorf("slow_min_seconds must not be negative")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

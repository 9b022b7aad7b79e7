package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbtlens/dbtlens/pkg/api/runstore"
	"github.com/dbtlens/dbtlens/pkg/config"
	"github.com/dbtlens/dbtlens/pkg/health"
	"github.com/dbtlens/dbtlens/pkg/report"
	"github.com/dbtlens/dbtlens/pkg/upload"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a health report from the run store",
	Long: `Reads the run store and writes a health report for a lookback window:
overview, flaky tests, slowest models, biggest row count changes and
current failures.`,
	RunE: runReport,
}

var (
	reportDays     int
	reportTopN     int
	reportTitle    string
	reportFormat   string
	reportOutput   string
	reportMaxChars int
	reportUpload   bool
)

const maxMarkdownChars = 65000

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().IntVar(&reportDays, "days", 0,
		"Lookback window in days (default: analytics.default_lookback_days)")
	reportCmd.Flags().IntVar(&reportTopN, "top", report.DefaultTopN,
		"Rows per ranked section")
	reportCmd.Flags().StringVar(&reportTitle, "title", "",
		"Report title")
	reportCmd.Flags().StringVar(&reportFormat, "format", report.FormatMarkdown,
		"Output format (markdown, json, yaml)")
	reportCmd.Flags().StringVar(&reportOutput, "output", "",
		"Output file path (default: stdout)")
	reportCmd.Flags().IntVar(&reportMaxChars, "max-chars", maxMarkdownChars,
		"Maximum markdown size, 0 for unlimited")
	reportCmd.Flags().BoolVar(&reportUpload, "upload", false,
		"Also publish the report to report.upload.s3")
}

func runReport(cmd *cobra.Command, _ []string) error {
	// Keep stdout clean for the report itself.
	if reportOutput == "" {
		log.SetOutput(os.Stderr)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	store := runstore.NewStore(log, &cfg.API.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting run store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close run store")
		}
	}()

	svc, err := health.NewService(log, store, cfg.Analytics)
	if err != nil {
		return fmt.Errorf("creating health service: %w", err)
	}

	r, err := report.Build(ctx, svc, report.Options{
		Title: reportTitle,
		Days:  reportDays,
		TopN:  reportTopN,
	})
	if err != nil {
		return fmt.Errorf("building report: %w", err)
	}

	out, err := report.Render(r, reportFormat, reportMaxChars)
	if err != nil {
		return err
	}

	if reportUpload {
		if err := uploadReport(ctx, &cfg.Report.Upload.S3, r, out); err != nil {
			return err
		}
	}

	if reportOutput == "" {
		_, err := os.Stdout.Write(out)

		return err
	}

	if err := os.WriteFile(reportOutput, out, 0644); err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}

	log.WithField("output", reportOutput).Info("Report generated successfully")

	return nil
}

// uploadReport publishes the rendered report twice: once under a name
// stamped with its generation time and once as latest.
func uploadReport(
	ctx context.Context, cfg *config.S3UploadConfig, r *report.Report, out []byte,
) error {
	if !cfg.Enabled {
		return fmt.Errorf("--upload requires report.upload.s3.enabled")
	}

	u := upload.NewS3Uploader(log, cfg)

	if err := u.Preflight(ctx); err != nil {
		return fmt.Errorf("upload preflight: %w", err)
	}

	ext := report.Extension(reportFormat)
	names := []string{
		fmt.Sprintf("%s_%dd.%s", r.GeneratedAt.Format("20060102T150405Z"), r.Window.Days, ext),
		"latest." + ext,
	}

	for _, name := range names {
		location, err := u.Upload(ctx, name, out)
		if err != nil {
			return fmt.Errorf("uploading %s: %w", name, err)
		}

		log.WithField("location", location).Info("Report uploaded")
	}

	return nil
}

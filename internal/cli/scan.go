package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/regtruth/internal/pipeline"
	"github.com/ppiankov/regtruth/internal/worker"
)

var (
	outJSON      string
	scanTimeout  time.Duration
	concurrency  int
	outputDir    string
	batchTimeout time.Duration
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Scan one regulatory source for change",
	Long: `Scan fetches a source, detects whether its content changed since the
last capture, archives every new version as evidence, parses supported
documents and schedules the next check.

An unknown URL is registered as a source first.

Example:
  regtruth scan https://narodne-novine.nn.hr/clanci/sluzbeni/2024_05_62_1124.html
  regtruth scan https://www.hnb.hr/propisi --json report.json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Scan the URLs listed in a file in parallel",
	Long: `Batch scans every URL in a file (one per line, # starts a comment)
with a pool of workers. Requests to one host stay within the configured
rate limit however many workers run.

Example:
  regtruth batch sources.txt
  regtruth batch sources.txt --concurrency 8 --output-dir ./reports`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	scanCmd.Flags().StringVar(&outJSON, "json", "", "write the scan report as JSON to this path")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 2*time.Minute, "overall scan timeout")

	batchCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent workers (default: concurrency.workers)")
	batchCmd.Flags().StringVar(&outputDir, "output-dir", "", "write one JSON report per source into this directory")
	batchCmd.Flags().DurationVar(&batchTimeout, "timeout", 30*time.Minute, "total timeout for batch processing")

	rootCmd.AddCommand(scanCmd, batchCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if verbose {
		_, _ = fmt.Fprintf(os.Stderr, "Scanning: %s\n", args[0])
	}

	report, err := a.pipeline().ScanURL(ctx, args[0])
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	r := pipeline.NewRenderer(verbose)
	r.RenderSummary(cmd.OutOrStdout(), report)
	if outJSON != "" {
		if err := r.RenderJSON(report, outJSON); err != nil {
			return fmt.Errorf("render failed: %w", err)
		}
		_, _ = fmt.Fprintf(os.Stderr, "✓ Report written to %s\n", outJSON)
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), batchTimeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	workers := concurrency
	if workers <= 0 {
		workers = a.cfg.Concurrency.Workers
	}

	_, _ = fmt.Fprintf(os.Stderr, "\n  Input file:   %s\n", args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Workers:      %d\n", workers)
	_, _ = fmt.Fprintf(os.Stderr, "  Rate limit:   %.2f req/s per host (burst %d)\n\n",
		a.cfg.RateLimiting.RequestsPerSecond, a.cfg.RateLimiting.BurstSize)

	processor := worker.NewBatchProcessor(a.pipeline(), workers, a.logger)
	results, err := processor.ProcessFile(ctx, args[0])
	if err != nil {
		return fmt.Errorf("process file: %w", err)
	}

	r := pipeline.NewRenderer(verbose)
	for _, res := range results {
		switch {
		case res.Skipped:
			_, _ = fmt.Fprintf(os.Stderr, "- %s: already being scanned\n", res.URL)
			continue
		case res.Error != nil:
			_, _ = fmt.Fprintf(os.Stderr, "✗ %s: %v\n", res.URL, res.Error)
			continue
		}

		state := "unchanged"
		if res.Report.HasChanged {
			state = "changed"
		}
		_, _ = fmt.Fprintf(os.Stderr, "✓ %s (%s)\n", res.URL, state)

		if outputDir != "" {
			path := filepath.Join(outputDir, pipeline.Slug(res.URL)+".json")
			if err := r.RenderJSON(res.Report, path); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "✗ %s: failed to write JSON: %v\n", res.URL, err)
			}
		}
	}

	s := worker.Summarize(results)
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "\nBatch complete\n")
	_, _ = fmt.Fprintf(out, "  Total:         %d\n", s.Total)
	_, _ = fmt.Fprintf(out, "  Changed:       %d\n", s.Changed)
	_, _ = fmt.Fprintf(out, "  Unchanged:     %d\n", s.Unchanged)
	_, _ = fmt.Fprintf(out, "  Not modified:  %d\n", s.NotModified)
	_, _ = fmt.Fprintf(out, "  Skipped:       %d\n", s.Skipped)
	_, _ = fmt.Fprintf(out, "  Failed:        %d\n", s.Failed)
	if outputDir != "" {
		_, _ = fmt.Fprintf(out, "  Output:        %s\n", outputDir)
	}
	if s.Failed > 0 && s.Failed == s.Total {
		return fmt.Errorf("all %d scans failed", s.Total)
	}
	return nil
}

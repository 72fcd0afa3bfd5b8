package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ppiankov/regtruth/internal/fetch"
	"github.com/ppiankov/regtruth/internal/logfields"
	"github.com/ppiankov/regtruth/internal/model"
)

// Scanner runs one sentinel pass
type Scanner interface {
	ScanSource(ctx context.Context, source *model.RegulatorySource) (*model.ScanReport, error)
	ScanURL(ctx context.Context, url string) (*model.ScanReport, error)
}

// ScanJob scans a registered source, or a bare URL when Source is nil
type ScanJob struct {
	URL     string
	Source  *model.RegulatorySource
	Scanner Scanner
}

// Execute executes the scan job
func (j *ScanJob) Execute(ctx context.Context) Result {
	var (
		report *model.ScanReport
		err    error
	)
	if j.Source != nil {
		report, err = j.Scanner.ScanSource(ctx, j.Source)
	} else {
		report, err = j.Scanner.ScanURL(ctx, j.URL)
	}
	return &ScanResult{
		URL:     j.URL,
		Report:  report,
		Error:   err,
		Skipped: errors.Is(err, fetch.ErrInFlight),
	}
}

// ScanResult represents the result of a scan job
type ScanResult struct {
	URL     string
	Report  *model.ScanReport
	Error   error
	Skipped bool // another scan of the same URL was running
}

// GetError returns the error from the scan result
func (r *ScanResult) GetError() error {
	return r.Error
}

// BatchSummary counts the outcomes of one batch
type BatchSummary struct {
	Total       int
	Changed     int
	Unchanged   int
	NotModified int
	Skipped     int
	Failed      int
}

// Summarize tallies results
func Summarize(results []*ScanResult) BatchSummary {
	s := BatchSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Error != nil:
			s.Failed++
		case r.Report.NotModified:
			s.NotModified++
		case r.Report.HasChanged:
			s.Changed++
		default:
			s.Unchanged++
		}
	}
	return s
}

// BatchProcessor scans many sources concurrently. A failing source is
// reported in its result and never stops the others.
type BatchProcessor struct {
	scanner     Scanner
	concurrency int
	logger      *slog.Logger
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(scanner Scanner, concurrency int, logger *slog.Logger) *BatchProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProcessor{
		scanner:     scanner,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ProcessSources scans sources and returns results in input order
func (b *BatchProcessor) ProcessSources(ctx context.Context, sources []*model.RegulatorySource) []*ScanResult {
	jobs := make([]Job, len(sources))
	for i, src := range sources {
		jobs[i] = &ScanJob{URL: src.URL, Source: src, Scanner: b.scanner}
	}
	return b.run(ctx, jobs)
}

// ProcessURLs scans bare URLs and returns results in input order
func (b *BatchProcessor) ProcessURLs(ctx context.Context, urls []string) []*ScanResult {
	jobs := make([]Job, len(urls))
	for i, u := range urls {
		jobs[i] = &ScanJob{URL: u, Scanner: b.scanner}
	}
	return b.run(ctx, jobs)
}

// ProcessFile reads URLs from a file and processes them concurrently
func (b *BatchProcessor) ProcessFile(ctx context.Context, filePath string) ([]*ScanResult, error) {
	urls, err := ReadURLsFromFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read URLs: %w", err)
	}
	return b.ProcessURLs(ctx, urls), nil
}

func (b *BatchProcessor) run(ctx context.Context, jobs []Job) []*ScanResult {
	if len(jobs) == 0 {
		return []*ScanResult{}
	}

	pool := NewPool(b.concurrency)
	results := pool.Run(ctx, jobs)

	scanResults := make([]*ScanResult, len(results))
	for i, result := range results {
		sr, ok := result.(*ScanResult)
		if !ok {
			sr = &ScanResult{URL: jobs[i].(*ScanJob).URL, Error: result.GetError()}
		}
		switch {
		case sr.Skipped:
			b.logger.Info("scan skipped, already in flight", logfields.URL(sr.URL))
		case sr.Error != nil:
			b.logger.Warn("scan failed", logfields.URL(sr.URL), logfields.Error(sr.Error))
		}
		scanResults[i] = sr
	}
	return scanResults
}

// ReadURLsFromFile reads URLs from a file (one per line)
func ReadURLsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var urls []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !seen[line] {
			seen[line] = true
			urls = append(urls, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return urls, nil
}

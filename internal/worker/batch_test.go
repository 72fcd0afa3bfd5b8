package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/regtruth/internal/fetch"
	"github.com/ppiankov/regtruth/internal/model"
)

// mockScanner fails URLs containing "fail" and reports URLs containing
// "changed" as changed
type mockScanner struct {
	inFlight string
}

func (m *mockScanner) ScanSource(ctx context.Context, source *model.RegulatorySource) (*model.ScanReport, error) {
	report, err := m.ScanURL(ctx, source.URL)
	if report != nil {
		report.SourceID = source.ID
	}
	return report, err
}

func (m *mockScanner) ScanURL(ctx context.Context, url string) (*model.ScanReport, error) {
	time.Sleep(time.Millisecond)
	switch {
	case url == m.inFlight:
		return nil, fmt.Errorf("fetch %s: %w", url, fetch.ErrInFlight)
	case strings.Contains(url, "fail"):
		return nil, errors.New("scan error")
	}
	return &model.ScanReport{
		SourceURL:  url,
		HasChanged: strings.Contains(url, "changed"),
	}, nil
}

func TestBatchProcessor_ProcessURLs(t *testing.T) {
	processor := NewBatchProcessor(&mockScanner{}, 2, nil)
	urls := []string{"http://nn.hr/a", "http://nn.hr/b", "http://nn.hr/c"}

	results := processor.ProcessURLs(context.Background(), urls)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Error != nil {
			t.Errorf("unexpected error for %s: %v", res.URL, res.Error)
		}
		if res.URL != urls[i] || res.Report.SourceURL != urls[i] {
			t.Errorf("result %d out of order: %s", i, res.URL)
		}
	}
}

func TestBatchProcessor_ProcessURLs_Error(t *testing.T) {
	processor := NewBatchProcessor(&mockScanner{}, 2, nil)

	results := processor.ProcessURLs(context.Background(), []string{"http://nn.hr/fail", "http://nn.hr/ok"})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Error == nil || results[0].Report != nil {
		t.Error("expected error and nil report for the failing URL")
	}
	if results[1].Error != nil {
		t.Errorf("a failing source must not affect others, got %v", results[1].Error)
	}
}

func TestBatchProcessor_ProcessURLs_Empty(t *testing.T) {
	processor := NewBatchProcessor(&mockScanner{}, 2, nil)

	results := processor.ProcessURLs(context.Background(), []string{})
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func TestBatchProcessor_ProcessSources(t *testing.T) {
	var sources []*model.RegulatorySource
	for i := 0; i < 100; i++ {
		sources = append(sources, &model.RegulatorySource{
			ID:  fmt.Sprintf("src-%d", i),
			URL: fmt.Sprintf("http://nn.hr/%d", i),
		})
	}
	sources[7].URL = "http://nn.hr/changed"
	sources[9].URL = "http://nn.hr/fail"
	sources[11].URL = "http://nn.hr/busy"

	processor := NewBatchProcessor(&mockScanner{inFlight: "http://nn.hr/busy"}, 3, nil)
	results := processor.ProcessSources(context.Background(), sources)

	if len(results) != len(sources) {
		t.Fatalf("expected %d results, got %d", len(sources), len(results))
	}
	if results[0].Report.SourceID != "src-0" {
		t.Errorf("expected source id on report, got %q", results[0].Report.SourceID)
	}
	if !results[11].Skipped {
		t.Error("an in-flight scan must be reported as skipped")
	}

	got := Summarize(results)
	want := BatchSummary{Total: 100, Changed: 1, Unchanged: 97, Skipped: 1, Failed: 1}
	if got != want {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}
}

func TestSummarize_NotModified(t *testing.T) {
	results := []*ScanResult{
		{Report: &model.ScanReport{NotModified: true}},
		{Report: &model.ScanReport{HasChanged: true}},
	}
	got := Summarize(results)
	if got.NotModified != 1 || got.Changed != 1 {
		t.Errorf("unexpected summary %+v", got)
	}
}

func writeURLFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urls.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadURLsFromFile(t *testing.T) {
	path := writeURLFile(t, "http://nn.hr/a\n# comment\nhttps://nn.hr/b\n   \nhttp://nn.hr/c   \nhttp://nn.hr/a\n")

	urls, err := ReadURLsFromFile(path)
	if err != nil {
		t.Fatalf("ReadURLsFromFile failed: %v", err)
	}

	expected := []string{"http://nn.hr/a", "https://nn.hr/b", "http://nn.hr/c"}
	if len(urls) != len(expected) {
		t.Fatalf("expected %d URLs, got %d", len(expected), len(urls))
	}
	for i, url := range urls {
		if url != expected[i] {
			t.Errorf("expected URL %s at index %d, got %s", expected[i], i, url)
		}
	}
}

func TestReadURLsFromFile_NonExistent(t *testing.T) {
	if _, err := ReadURLsFromFile("non_existent_file.txt"); err == nil {
		t.Error("expected error for non-existent file, got nil")
	}
}

func TestBatchProcessor_ProcessFile(t *testing.T) {
	tests := []struct {
		content string
		want    int
		desc    string
	}{
		{content: "http://nn.hr/a\nhttps://nn.hr/b\n# comment\n\nhttp://nn.hr/c\n", want: 3, desc: "three URLs"},
		{content: "", want: 0, desc: "empty file"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			processor := NewBatchProcessor(&mockScanner{}, 2, nil)
			results, err := processor.ProcessFile(context.Background(), writeURLFile(t, tt.content))
			if err != nil {
				t.Fatalf("ProcessFile failed: %v", err)
			}
			if len(results) != tt.want {
				t.Errorf("expected %d results, got %d", tt.want, len(results))
			}
		})
	}
}

func TestBatchProcessor_ProcessFile_NonExistent(t *testing.T) {
	processor := NewBatchProcessor(&mockScanner{}, 2, nil)
	if _, err := processor.ProcessFile(context.Background(), "no_such_file.txt"); err == nil {
		t.Error("expected error for non-existent file, got nil")
	}
}

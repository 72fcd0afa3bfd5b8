package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/regtruth/internal/model"
)

// Renderer writes scan reports for humans and machines
type Renderer struct {
	verbose bool
}

// NewRenderer creates a renderer; verbose summaries include warnings
func NewRenderer(verbose bool) *Renderer {
	return &Renderer{verbose: verbose}
}

// RenderJSON writes v as indented JSON to path, creating parent directories
func (r *Renderer) RenderJSON(v any, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WriteJSON streams v as indented JSON
func (r *Renderer) WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RenderSummary prints a short human summary of report
func (r *Renderer) RenderSummary(w io.Writer, report *model.ScanReport) {
	state := "unchanged"
	switch {
	case report.NotModified:
		state = "not modified (304)"
	case report.HasChanged:
		state = "CHANGED"
	}

	_, _ = fmt.Fprintf(w, "%s\n", report.SourceURL)
	_, _ = fmt.Fprintf(w, "  status:     %s\n", state)
	_, _ = fmt.Fprintf(w, "  class:      %s", report.Classification.NodeType)
	if report.Classification.NodeRole != model.NodeRoleNone {
		_, _ = fmt.Fprintf(w, "/%s", report.Classification.NodeRole)
	}
	_, _ = fmt.Fprintf(w, " risk=%s\n", report.Classification.FreshnessRisk)
	if report.ContentHash != "" {
		_, _ = fmt.Fprintf(w, "  hash:       %s\n", report.ContentHash)
	}
	if report.EvidenceID != "" {
		suffix := ""
		if report.EvidenceIsNew {
			suffix = " (new)"
		}
		_, _ = fmt.Fprintf(w, "  evidence:   %s%s\n", report.EvidenceID, suffix)
	}
	if report.Parse != nil {
		_, _ = fmt.Fprintf(w, "  parse:      %s, %d nodes, %.1f%% coverage\n",
			report.Parse.Status, report.Parse.NodeCount, report.Parse.CoveragePercent)
	}
	_, _ = fmt.Fprintf(w, "  freshness:  %s\n", report.Freshness)
	_, _ = fmt.Fprintf(w, "  next scan:  %s (change frequency %.2f)\n",
		report.NextScanAt.Format("2006-01-02 15:04 MST"), report.ChangeFrequency)

	if r.verbose && len(report.Warnings) > 0 {
		_, _ = fmt.Fprintf(w, "  warnings:\n    - %s\n", strings.Join(report.Warnings, "\n    - "))
	}
}

package model

import "time"

// ScanReport is the outcome of one sentinel pass over a single source
type ScanReport struct {
	SourceID    string    `json:"source_id,omitempty"`
	SourceURL   string    `json:"source_url"`
	ScannedAt   time.Time `json:"scanned_at"`
	FetchMeta   FetchMeta `json:"fetch_meta"`
	NotModified bool      `json:"not_modified"` // Server answered 304 to a conditional request

	Classification URLClassification `json:"classification"`
	ContentHash    string            `json:"content_hash,omitempty"`
	HasChanged     bool              `json:"has_changed"`
	EvidenceID     string            `json:"evidence_id,omitempty"`
	EvidenceIsNew  bool              `json:"evidence_is_new"`

	Parse *ParseSummary `json:"parse,omitempty"` // Present when the evidence was parsed

	ChangeFrequency float64         `json:"change_frequency"`
	NextScanAt      time.Time       `json:"next_scan_at"`
	Freshness       FreshnessStatus `json:"freshness"` // Status of the previous successful check, as of ScannedAt

	Warnings []string `json:"warnings,omitempty"`
}

// FetchMeta contains HTTP metadata from fetching the source
type FetchMeta struct {
	StatusCode   int               `json:"status_code"`
	ContentType  string            `json:"content_type,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// URLClassification is the pattern-based classification of a location
type URLClassification struct {
	NodeType      NodeKind      `json:"node_type"`
	NodeRole      NodeRole      `json:"node_role,omitempty"`
	FreshnessRisk FreshnessRisk `json:"freshness_risk"`
}

// ParseSummary is the subset of a ParseResult kept with a scan report
type ParseSummary struct {
	Status          ParseStatus `json:"status"`
	NodeCount       int         `json:"node_count"`
	CoveragePercent float64     `json:"coverage_percent"`
	CleanTextHash   string      `json:"clean_text_hash"`
	Warnings        int         `json:"warnings"`
}

// Summarize reduces a full parse result to a ParseSummary
func (r *ParseResult) Summarize() *ParseSummary {
	if r == nil {
		return nil
	}
	return &ParseSummary{
		Status:          r.Status,
		NodeCount:       r.Stats.NodeCount,
		CoveragePercent: r.Stats.CoveragePercent,
		CleanTextHash:   r.CleanTextHash,
		Warnings:        len(r.Warnings),
	}
}

package model

import "time"

// Evidence is an immutable, content-addressed snapshot of a source's content
type Evidence struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	URL         string    `json:"url"`                // URL the bytes were fetched from
	RawContent  []byte    `json:"-"`                  // Exact fetched bytes, never rewritten
	ContentHash string    `json:"content_hash"`       // Hex SHA-256 (see sentinel.HashContent)
	ContentType string    `json:"content_type"`       // Media type without parameters
	FetchedAt   time.Time `json:"fetched_at"`         // First capture time of this hash
	HasChanged  bool      `json:"has_changed"`        // Whether this capture differed from the previous one
	BlobKey     string    `json:"blob_key,omitempty"` // Archive location of RawContent
}

// AuthorityLevel ranks how binding a regulatory source is
type AuthorityLevel string

const (
	AuthorityLaw        AuthorityLevel = "LAW"        // Acts of parliament
	AuthorityRegulation AuthorityLevel = "REGULATION" // Bylaws, ordinances, rulebooks
	AuthorityGuidance   AuthorityLevel = "GUIDANCE"   // Official opinions and instructions
	AuthorityPractice   AuthorityLevel = "PRACTICE"   // Administrative practice, FAQs
)

// Freshness thresholds in days. These are fixed per authority level.
const (
	FreshnessWarningWindowDays = 7
	FreshnessCriticalFactor    = 3
)

// FreshnessThresholdDays returns how many days content stays fresh for the level.
// Unknown levels use the strictest (PRACTICE) threshold.
func (l AuthorityLevel) FreshnessThresholdDays() int {
	switch l {
	case AuthorityLaw:
		return 90
	case AuthorityRegulation:
		return 60
	case AuthorityGuidance:
		return 30
	default:
		return 14
	}
}

// ParseAuthorityLevel converts a string to an AuthorityLevel, defaulting to PRACTICE
func ParseAuthorityLevel(s string) AuthorityLevel {
	switch AuthorityLevel(s) {
	case AuthorityLaw, AuthorityRegulation, AuthorityGuidance:
		return AuthorityLevel(s)
	default:
		return AuthorityPractice
	}
}

// FreshnessStatus classifies the age of the last successful check of a source
type FreshnessStatus string

const (
	FreshnessFresh    FreshnessStatus = "FRESH"
	FreshnessWarning  FreshnessStatus = "WARNING"  // Inside the warning window before the threshold
	FreshnessStale    FreshnessStatus = "STALE"    // Past the threshold
	FreshnessCritical FreshnessStatus = "CRITICAL" // Past 3x the threshold
)

// RegulatorySource is a monitored origin
type RegulatorySource struct {
	ID              string         `json:"id"`
	Slug            string         `json:"slug"`
	URL             string         `json:"url"`
	AuthorityLevel  AuthorityLevel `json:"authority_level"`
	Active          bool           `json:"active"`
	ChangeFrequency float64        `json:"change_frequency"` // 0..1 moving average of observed changes
	FreshnessRisk   FreshnessRisk  `json:"freshness_risk"`
	LastScannedAt   *time.Time     `json:"last_scanned_at,omitempty"`
	NextScanAt      *time.Time     `json:"next_scan_at,omitempty"`
	LastContentHash string         `json:"last_content_hash,omitempty"`
}

// NodeKind is the navigational role of a discovered URL
type NodeKind string

const (
	NodeKindHub   NodeKind = "HUB"   // Listing pages that link to other content
	NodeKindLeaf  NodeKind = "LEAF"  // A single piece of content
	NodeKindAsset NodeKind = "ASSET" // A downloadable document
)

// NodeRole is the content role of a discovered URL. The zero value means unknown.
type NodeRole string

const (
	NodeRoleNone       NodeRole = ""
	NodeRoleRegulation NodeRole = "REGULATION"
	NodeRoleNewsFeed   NodeRole = "NEWS_FEED"
	NodeRoleGuidance   NodeRole = "GUIDANCE"
)

// FreshnessRisk says how urgently a location has to be re-checked
type FreshnessRisk string

const (
	RiskCritical FreshnessRisk = "CRITICAL"
	RiskHigh     FreshnessRisk = "HIGH"
	RiskMedium   FreshnessRisk = "MEDIUM"
	RiskLow      FreshnessRisk = "LOW"
)

// ParseFreshnessRisk converts a string to a FreshnessRisk, defaulting to MEDIUM
func ParseFreshnessRisk(s string) FreshnessRisk {
	switch FreshnessRisk(s) {
	case RiskCritical, RiskHigh, RiskLow:
		return FreshnessRisk(s)
	default:
		return RiskMedium
	}
}

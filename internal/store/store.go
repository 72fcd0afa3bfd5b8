// Package store persists evidence, monitored sources, provision nodes and
// graph edges. SQLite is the default backend; Postgres and Neo4j serve
// shared deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/regtruth/internal/model"
)

// ErrNotFound is returned when a looked-up record does not exist
var ErrNotFound = errors.New("not found")

// EvidenceStore keeps immutable content-addressed snapshots
type EvidenceStore interface {
	// FindOrCreateEvidence returns the stored evidence with ev.ContentHash,
	// inserting ev first when no such evidence exists. created reports the insert.
	FindOrCreateEvidence(ctx context.Context, ev *model.Evidence) (stored *model.Evidence, created bool, err error)
	// LatestEvidence returns the most recently captured evidence of a source
	LatestEvidence(ctx context.Context, sourceID string) (*model.Evidence, error)
}

// SourceStore keeps monitored sources and their scan schedule
type SourceStore interface {
	// UpsertSource inserts src or refreshes its descriptive fields, keyed by URL.
	// Schedule state of an existing source is left alone. src.ID is set on return.
	UpsertSource(ctx context.Context, src *model.RegulatorySource) error
	SourceByURL(ctx context.Context, url string) (*model.RegulatorySource, error)
	ListSources(ctx context.Context) ([]model.RegulatorySource, error)
	// DueSources lists active sources never scanned or due at now, soonest first
	DueSources(ctx context.Context, now time.Time, limit int) ([]model.RegulatorySource, error)
	UpdateSchedule(ctx context.Context, sourceID string, update ScheduleUpdate) error
}

// ScheduleUpdate is the state written back after a scan
type ScheduleUpdate struct {
	ScannedAt       time.Time
	NextScanAt      time.Time
	ChangeFrequency float64
	FreshnessRisk   model.FreshnessRisk
	LastContentHash string
}

// NodeStore keeps the provision nodes parsed from one evidence
type NodeStore interface {
	// ReplaceNodes supersedes every node of evidenceID in one transaction
	ReplaceNodes(ctx context.Context, evidenceID string, nodes []model.ProvisionNode) error
	Nodes(ctx context.Context, evidenceID string) ([]model.ProvisionNode, error)
}

// unixNanos encodes an optional time for backends without a native timestamp
func unixNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

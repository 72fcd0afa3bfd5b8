package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/regtruth/internal/graph"
	"github.com/ppiankov/regtruth/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL UNIQUE,
	authority_level TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	change_frequency REAL NOT NULL DEFAULT 0,
	freshness_risk TEXT NOT NULL,
	last_scanned_at INTEGER,
	next_scan_at INTEGER,
	last_content_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sources_due ON sources(active, next_scan_at);

CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	url TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE,
	content_type TEXT NOT NULL,
	raw_content BLOB,
	fetched_at INTEGER NOT NULL,
	has_changed INTEGER NOT NULL,
	blob_key TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_evidence_source ON evidence(source_id, fetched_at);

CREATE TABLE IF NOT EXISTS provision_nodes (
	evidence_id TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	node_type TEXT NOT NULL,
	node_path TEXT NOT NULL,
	label TEXT NOT NULL,
	depth INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	is_container INTEGER NOT NULL,
	parent_path TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (evidence_id, order_index)
);

CREATE TABLE IF NOT EXISTS graph_edges (
	id TEXT PRIMARY KEY,
	from_rule_id TEXT NOT NULL,
	to_rule_id TEXT NOT NULL,
	relation TEXT NOT NULL,
	valid_from INTEGER,
	valid_to INTEGER,
	notes TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_from_relation ON graph_edges(from_rule_id, relation);
CREATE INDEX IF NOT EXISTS idx_edges_relation ON graph_edges(relation);
`

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements every store contract plus graph.TxStore on one SQLite database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ EvidenceStore = (*SQLiteStore)(nil)
	_ SourceStore   = (*SQLiteStore)(nil)
	_ NodeStore     = (*SQLiteStore)(nil)
	_ graph.TxStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (and migrates) a SQLite database.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one connection: SQLite has a single writer and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return err
	}
	_, err := s.db.Exec(sqliteSchema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// FindOrCreateEvidence implements EvidenceStore. Raw bytes are kept inline
// only when the evidence has not been archived under a blob key.
func (s *SQLiteStore) FindOrCreateEvidence(ctx context.Context, ev *model.Evidence) (*model.Evidence, bool, error) {
	if ev.ContentHash == "" {
		return nil, false, errors.New("evidence without content hash")
	}
	candidate := *ev
	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}
	if candidate.FetchedAt.IsZero() {
		candidate.FetchedAt = s.now()
	}
	candidate.FetchedAt = candidate.FetchedAt.UTC()

	var raw []byte
	if candidate.BlobKey == "" {
		raw = candidate.RawContent
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence (id, source_id, url, content_hash, content_type, raw_content, fetched_at, has_changed, blob_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		candidate.ID, candidate.SourceID, candidate.URL, candidate.ContentHash, candidate.ContentType,
		raw, candidate.FetchedAt.UnixNano(), candidate.HasChanged, candidate.BlobKey,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert evidence: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return &candidate, true, nil
	}

	existing, err := s.scanEvidence(s.db.QueryRowContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE content_hash = ?`, candidate.ContentHash))
	if err != nil {
		return nil, false, fmt.Errorf("load evidence %s: %w", candidate.ContentHash, err)
	}
	return existing, false, nil
}

// LatestEvidence implements EvidenceStore
func (s *SQLiteStore) LatestEvidence(ctx context.Context, sourceID string) (*model.Evidence, error) {
	ev, err := s.scanEvidence(s.db.QueryRowContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE source_id = ? ORDER BY fetched_at DESC, rowid DESC LIMIT 1`, sourceID))
	if err != nil {
		return nil, fmt.Errorf("load latest evidence of %s: %w", sourceID, err)
	}
	return ev, nil
}

const evidenceColumns = "id, source_id, url, content_hash, content_type, raw_content, fetched_at, has_changed, blob_key"

func (s *SQLiteStore) scanEvidence(row *sql.Row) (*model.Evidence, error) {
	var ev model.Evidence
	var fetchedAt int64
	err := row.Scan(&ev.ID, &ev.SourceID, &ev.URL, &ev.ContentHash, &ev.ContentType,
		&ev.RawContent, &fetchedAt, &ev.HasChanged, &ev.BlobKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.FetchedAt = time.Unix(0, fetchedAt).UTC()
	return &ev, nil
}

// UpsertSource implements SourceStore
func (s *SQLiteStore) UpsertSource(ctx context.Context, src *model.RegulatorySource) error {
	if src.URL == "" {
		return errors.New("source without url")
	}
	id := src.ID
	if id == "" {
		id = uuid.NewString()
	}
	risk := src.FreshnessRisk
	if risk == "" {
		risk = model.RiskMedium
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sources (id, slug, url, authority_level, active, change_frequency, freshness_risk, last_scanned_at, next_scan_at, last_content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
			slug = excluded.slug,
			authority_level = excluded.authority_level,
			active = excluded.active
		 RETURNING id`,
		id, src.Slug, src.URL, string(src.AuthorityLevel), src.Active, src.ChangeFrequency, string(risk),
		unixNanos(src.LastScannedAt), unixNanos(src.NextScanAt), src.LastContentHash,
	).Scan(&src.ID)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.URL, err)
	}
	return nil
}

const sourceColumns = "id, slug, url, authority_level, active, change_frequency, freshness_risk, last_scanned_at, next_scan_at, last_content_hash"

// SourceByURL implements SourceStore
func (s *SQLiteStore) SourceByURL(ctx context.Context, url string) (*model.RegulatorySource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE url = ?`, url)
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	sources, err := scanSources(rows)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, ErrNotFound
	}
	return &sources[0], nil
}

// ListSources implements SourceStore
func (s *SQLiteStore) ListSources(ctx context.Context) ([]model.RegulatorySource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	return scanSources(rows)
}

// DueSources implements SourceStore
func (s *SQLiteStore) DueSources(ctx context.Context, now time.Time, limit int) ([]model.RegulatorySource, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources
		 WHERE active = 1 AND (next_scan_at IS NULL OR next_scan_at <= ?)
		 ORDER BY next_scan_at IS NOT NULL, next_scan_at, url
		 LIMIT ?`,
		now.UTC().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due sources: %w", err)
	}
	return scanSources(rows)
}

func scanSources(rows *sql.Rows) ([]model.RegulatorySource, error) {
	defer rows.Close()

	var sources []model.RegulatorySource
	for rows.Next() {
		var src model.RegulatorySource
		var level, risk string
		var lastScanned, nextScan sql.NullInt64
		if err := rows.Scan(&src.ID, &src.Slug, &src.URL, &level, &src.Active, &src.ChangeFrequency,
			&risk, &lastScanned, &nextScan, &src.LastContentHash); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.AuthorityLevel = model.ParseAuthorityLevel(level)
		src.FreshnessRisk = model.ParseFreshnessRisk(risk)
		src.LastScannedAt = nullTime(lastScanned)
		src.NextScanAt = nullTime(nextScan)
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return sources, nil
}

// UpdateSchedule implements SourceStore
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sourceID string, u ScheduleUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_scanned_at = ?, next_scan_at = ?, change_frequency = ?, freshness_risk = ?, last_content_hash = ?
		 WHERE id = ?`,
		u.ScannedAt.UTC().UnixNano(), u.NextScanAt.UTC().UnixNano(), u.ChangeFrequency, string(u.FreshnessRisk), u.LastContentHash,
		sourceID)
	if err != nil {
		return fmt.Errorf("update schedule of %s: %w", sourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update schedule of %s: %w", sourceID, ErrNotFound)
	}
	return nil
}

// ReplaceNodes implements NodeStore
func (s *SQLiteStore) ReplaceNodes(ctx context.Context, evidenceID string, nodes []model.ProvisionNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM provision_nodes WHERE evidence_id = ?`, evidenceID); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO provision_nodes (evidence_id, order_index, node_type, node_path, label, depth, start_offset, end_offset, is_container, parent_path, text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare node insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		if _, err := stmt.ExecContext(ctx, evidenceID, n.OrderIndex, string(n.NodeType), n.NodePath, n.Label,
			n.Depth, n.StartOffset, n.EndOffset, n.IsContainer, n.ParentPath, n.Text); err != nil {
			return fmt.Errorf("insert node %s: %w", n.NodePath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Nodes implements NodeStore
func (s *SQLiteStore) Nodes(ctx context.Context, evidenceID string) ([]model.ProvisionNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_type, node_path, label, order_index, depth, start_offset, end_offset, is_container, parent_path, text
		 FROM provision_nodes WHERE evidence_id = ? ORDER BY order_index`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.ProvisionNode
	for rows.Next() {
		var n model.ProvisionNode
		var nodeType string
		if err := rows.Scan(&nodeType, &n.NodePath, &n.Label, &n.OrderIndex, &n.Depth,
			&n.StartOffset, &n.EndOffset, &n.IsContainer, &n.ParentPath, &n.Text); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.NodeType = model.NodeType(nodeType)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return nodes, nil
}

// OutgoingEdges implements graph.Store
func (s *SQLiteStore) OutgoingEdges(ctx context.Context, fromID string, relations []model.Relation) ([]model.GraphEdge, error) {
	return sqliteGraph{s.db}.OutgoingEdges(ctx, fromID, relations)
}

// Edges implements graph.Store
func (s *SQLiteStore) Edges(ctx context.Context, relations []model.Relation) ([]model.GraphEdge, error) {
	return sqliteGraph{s.db}.Edges(ctx, relations)
}

// InsertEdge implements graph.Store
func (s *SQLiteStore) InsertEdge(ctx context.Context, edge *model.GraphEdge) error {
	return sqliteGraph{s.db}.InsertEdge(ctx, edge)
}

// FindEdge implements graph.Store
func (s *SQLiteStore) FindEdge(ctx context.Context, fromID, toID string, relation model.Relation) (*model.GraphEdge, error) {
	return sqliteGraph{s.db}.FindEdge(ctx, fromID, toID, relation)
}

// WithTx runs fn inside a BEGIN IMMEDIATE transaction, so the write lock is
// taken before the cycle check reads anything.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx graph.Store) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	if err := fn(sqliteGraph{conn}); err != nil {
		// rollback must run even when ctx is already cancelled
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// sqliteGraph runs the graph queries on a database, connection or transaction
type sqliteGraph struct {
	q queryer
}

const edgeColumns = "id, from_rule_id, to_rule_id, relation, valid_from, valid_to, notes, created_at"

func (g sqliteGraph) OutgoingEdges(ctx context.Context, fromID string, relations []model.Relation) ([]model.GraphEdge, error) {
	query := `SELECT ` + edgeColumns + ` FROM graph_edges WHERE from_rule_id = ?`
	args := []any{fromID}
	query, args = withRelationFilter(query, args, relations)
	return g.queryEdges(ctx, query+" ORDER BY created_at, id", args)
}

func (g sqliteGraph) Edges(ctx context.Context, relations []model.Relation) ([]model.GraphEdge, error) {
	query := `SELECT ` + edgeColumns + ` FROM graph_edges WHERE 1 = 1`
	query, args := withRelationFilter(query, nil, relations)
	return g.queryEdges(ctx, query+" ORDER BY created_at, id", args)
}

func (g sqliteGraph) InsertEdge(ctx context.Context, e *model.GraphEdge) error {
	_, err := g.q.ExecContext(ctx,
		`INSERT INTO graph_edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FromRuleID, e.ToRuleID, string(e.Relation),
		unixNanos(e.ValidFrom), unixNanos(e.ValidTo), e.Notes, e.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (g sqliteGraph) FindEdge(ctx context.Context, fromID, toID string, relation model.Relation) (*model.GraphEdge, error) {
	edges, err := g.queryEdges(ctx,
		`SELECT `+edgeColumns+` FROM graph_edges WHERE from_rule_id = ? AND to_rule_id = ? AND relation = ? ORDER BY created_at LIMIT 1`,
		[]any{fromID, toID, string(relation)})
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, graph.ErrEdgeNotFound
	}
	return &edges[0], nil
}

func (g sqliteGraph) queryEdges(ctx context.Context, query string, args []any) ([]model.GraphEdge, error) {
	rows, err := g.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		var relation string
		var validFrom, validTo sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.FromRuleID, &e.ToRuleID, &relation, &validFrom, &validTo, &e.Notes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Relation = model.Relation(relation)
		e.ValidFrom = nullTime(validFrom)
		e.ValidTo = nullTime(validTo)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return edges, nil
}

// withRelationFilter appends "AND relation IN (...)"; an empty list matches all
func withRelationFilter(query string, args []any, relations []model.Relation) (string, []any) {
	if len(relations) == 0 {
		return query, args
	}
	placeholders := make([]string, len(relations))
	for i, r := range relations {
		placeholders[i] = "?"
		args = append(args, string(r))
	}
	return query + " AND relation IN (" + strings.Join(placeholders, ", ") + ")", args
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

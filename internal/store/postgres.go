package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ppiankov/regtruth/internal/graph"
	"github.com/ppiankov/regtruth/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL UNIQUE,
	authority_level TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	change_frequency DOUBLE PRECISION NOT NULL DEFAULT 0,
	freshness_risk TEXT NOT NULL,
	last_scanned_at TIMESTAMPTZ,
	next_scan_at TIMESTAMPTZ,
	last_content_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sources_due ON sources(active, next_scan_at);

CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	url TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE,
	content_type TEXT NOT NULL,
	raw_content BYTEA,
	fetched_at TIMESTAMPTZ NOT NULL,
	has_changed BOOLEAN NOT NULL,
	blob_key TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_evidence_source ON evidence(source_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS provision_nodes (
	evidence_id TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	node_type TEXT NOT NULL,
	node_path TEXT NOT NULL,
	label TEXT NOT NULL,
	depth INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	is_container BOOLEAN NOT NULL,
	parent_path TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (evidence_id, order_index)
);

CREATE TABLE IF NOT EXISTS graph_edges (
	id TEXT PRIMARY KEY,
	from_rule_id TEXT NOT NULL,
	to_rule_id TEXT NOT NULL,
	relation TEXT NOT NULL,
	valid_from TIMESTAMPTZ,
	valid_to TIMESTAMPTZ,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_from_relation ON graph_edges(from_rule_id, relation);
CREATE INDEX IF NOT EXISTS idx_edges_relation ON graph_edges(relation);
`

// serializationFailure is the SQLSTATE of a conflicting SERIALIZABLE transaction
const serializationFailure = "40001"

const maxTxAttempts = 3

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements every store contract plus graph.TxStore on Postgres
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

var (
	_ EvidenceStore = (*PostgresStore)(nil)
	_ SourceStore   = (*PostgresStore)(nil)
	_ NodeStore     = (*PostgresStore)(nil)
	_ graph.TxStore = (*PostgresStore)(nil)
)

// NewPostgresStore connects to dsn and migrates the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &PostgresStore{db: pool, now: time.Now}, nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// FindOrCreateEvidence implements EvidenceStore
func (s *PostgresStore) FindOrCreateEvidence(ctx context.Context, ev *model.Evidence) (*model.Evidence, bool, error) {
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

	tag, err := s.db.Exec(ctx,
		`INSERT INTO evidence (id, source_id, url, content_hash, content_type, raw_content, fetched_at, has_changed, blob_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (content_hash) DO NOTHING`,
		candidate.ID, candidate.SourceID, candidate.URL, candidate.ContentHash, candidate.ContentType,
		raw, candidate.FetchedAt, candidate.HasChanged, candidate.BlobKey)
	if err != nil {
		return nil, false, fmt.Errorf("insert evidence: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return &candidate, true, nil
	}

	existing, err := scanPgEvidence(s.db.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE content_hash = $1`, candidate.ContentHash))
	if err != nil {
		return nil, false, fmt.Errorf("load evidence %s: %w", candidate.ContentHash, err)
	}
	return existing, false, nil
}

// LatestEvidence implements EvidenceStore
func (s *PostgresStore) LatestEvidence(ctx context.Context, sourceID string) (*model.Evidence, error) {
	ev, err := scanPgEvidence(s.db.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE source_id = $1 ORDER BY fetched_at DESC LIMIT 1`, sourceID))
	if err != nil {
		return nil, fmt.Errorf("load latest evidence of %s: %w", sourceID, err)
	}
	return ev, nil
}

func scanPgEvidence(row pgx.Row) (*model.Evidence, error) {
	var ev model.Evidence
	err := row.Scan(&ev.ID, &ev.SourceID, &ev.URL, &ev.ContentHash, &ev.ContentType,
		&ev.RawContent, &ev.FetchedAt, &ev.HasChanged, &ev.BlobKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.FetchedAt = ev.FetchedAt.UTC()
	return &ev, nil
}

// UpsertSource implements SourceStore
func (s *PostgresStore) UpsertSource(ctx context.Context, src *model.RegulatorySource) error {
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

	err := s.db.QueryRow(ctx,
		`INSERT INTO sources (id, slug, url, authority_level, active, change_frequency, freshness_risk, last_scanned_at, next_scan_at, last_content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (url) DO UPDATE SET
			slug = EXCLUDED.slug,
			authority_level = EXCLUDED.authority_level,
			active = EXCLUDED.active
		 RETURNING id`,
		id, src.Slug, src.URL, string(src.AuthorityLevel), src.Active, src.ChangeFrequency, string(risk),
		src.LastScannedAt, src.NextScanAt, src.LastContentHash,
	).Scan(&src.ID)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.URL, err)
	}
	return nil
}

// SourceByURL implements SourceStore
func (s *PostgresStore) SourceByURL(ctx context.Context, url string) (*model.RegulatorySource, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE url = $1`, url)
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	sources, err := scanPgSources(rows)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, ErrNotFound
	}
	return &sources[0], nil
}

// ListSources implements SourceStore
func (s *PostgresStore) ListSources(ctx context.Context) ([]model.RegulatorySource, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	return scanPgSources(rows)
}

// DueSources implements SourceStore
func (s *PostgresStore) DueSources(ctx context.Context, now time.Time, limit int) ([]model.RegulatorySource, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+sourceColumns+` FROM sources
		 WHERE active AND (next_scan_at IS NULL OR next_scan_at <= $1)
		 ORDER BY next_scan_at ASC NULLS FIRST, url
		 LIMIT $2`,
		now.UTC(), limitArg)
	if err != nil {
		return nil, fmt.Errorf("query due sources: %w", err)
	}
	return scanPgSources(rows)
}

func scanPgSources(rows pgx.Rows) ([]model.RegulatorySource, error) {
	defer rows.Close()

	var sources []model.RegulatorySource
	for rows.Next() {
		var src model.RegulatorySource
		var level, risk string
		if err := rows.Scan(&src.ID, &src.Slug, &src.URL, &level, &src.Active, &src.ChangeFrequency,
			&risk, &src.LastScannedAt, &src.NextScanAt, &src.LastContentHash); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.AuthorityLevel = model.ParseAuthorityLevel(level)
		src.FreshnessRisk = model.ParseFreshnessRisk(risk)
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return sources, nil
}

// UpdateSchedule implements SourceStore
func (s *PostgresStore) UpdateSchedule(ctx context.Context, sourceID string, u ScheduleUpdate) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sources SET last_scanned_at = $1, next_scan_at = $2, change_frequency = $3, freshness_risk = $4, last_content_hash = $5
		 WHERE id = $6`,
		u.ScannedAt.UTC(), u.NextScanAt.UTC(), u.ChangeFrequency, string(u.FreshnessRisk), u.LastContentHash, sourceID)
	if err != nil {
		return fmt.Errorf("update schedule of %s: %w", sourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update schedule of %s: %w", sourceID, ErrNotFound)
	}
	return nil
}

// ReplaceNodes implements NodeStore
func (s *PostgresStore) ReplaceNodes(ctx context.Context, evidenceID string, nodes []model.ProvisionNode) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM provision_nodes WHERE evidence_id = $1`, evidenceID); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
		rows := make([][]any, len(nodes))
		for i, n := range nodes {
			rows[i] = []any{evidenceID, n.OrderIndex, string(n.NodeType), n.NodePath, n.Label,
				n.Depth, n.StartOffset, n.EndOffset, n.IsContainer, n.ParentPath, n.Text}
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"provision_nodes"},
			[]string{"evidence_id", "order_index", "node_type", "node_path", "label", "depth",
				"start_offset", "end_offset", "is_container", "parent_path", "text"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy nodes: %w", err)
		}
		return nil
	})
}

// Nodes implements NodeStore
func (s *PostgresStore) Nodes(ctx context.Context, evidenceID string) ([]model.ProvisionNode, error) {
	rows, err := s.db.Query(ctx,
		`SELECT node_type, node_path, label, order_index, depth, start_offset, end_offset, is_container, parent_path, text
		 FROM provision_nodes WHERE evidence_id = $1 ORDER BY order_index`, evidenceID)
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
	return nodes, rows.Err()
}

func (s *PostgresStore) OutgoingEdges(ctx context.Context, fromID string, relations []model.Relation) ([]model.GraphEdge, error) {
	return pgGraph{s.db}.OutgoingEdges(ctx, fromID, relations)
}

func (s *PostgresStore) Edges(ctx context.Context, relations []model.Relation) ([]model.GraphEdge, error) {
	return pgGraph{s.db}.Edges(ctx, relations)
}

func (s *PostgresStore) InsertEdge(ctx context.Context, edge *model.GraphEdge) error {
	return pgGraph{s.db}.InsertEdge(ctx, edge)
}

func (s *PostgresStore) FindEdge(ctx context.Context, fromID, toID string, relation model.Relation) (*model.GraphEdge, error) {
	return pgGraph{s.db}.FindEdge(ctx, fromID, toID, relation)
}

// WithTx runs fn in a SERIALIZABLE transaction. A serialization failure
// retries fn from the start, up to three attempts in total.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx graph.Store) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.serializable(ctx, fn)
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != serializationFailure {
			return err
		}
	}
	return fmt.Errorf("serializable transaction kept conflicting: %w", err)
}

func (s *PostgresStore) serializable(ctx context.Context, fn func(tx graph.Store) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(pgGraph{tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgGraph runs the graph queries on a pool or a transaction
type pgGraph struct {
	q pgQuerier
}

func (g pgGraph) OutgoingEdges(ctx context.Context, fromID string, relations []model.Relation) ([]model.GraphEdge, error) {
	if len(relations) == 0 {
		return g.queryEdges(ctx,
			`SELECT `+edgeColumns+` FROM graph_edges WHERE from_rule_id = $1 ORDER BY created_at, id`, fromID)
	}
	return g.queryEdges(ctx,
		`SELECT `+edgeColumns+` FROM graph_edges WHERE from_rule_id = $1 AND relation = ANY($2) ORDER BY created_at, id`,
		fromID, relationStrings(relations))
}

func (g pgGraph) Edges(ctx context.Context, relations []model.Relation) ([]model.GraphEdge, error) {
	if len(relations) == 0 {
		return g.queryEdges(ctx, `SELECT `+edgeColumns+` FROM graph_edges ORDER BY created_at, id`)
	}
	return g.queryEdges(ctx,
		`SELECT `+edgeColumns+` FROM graph_edges WHERE relation = ANY($1) ORDER BY created_at, id`,
		relationStrings(relations))
}

func (g pgGraph) InsertEdge(ctx context.Context, e *model.GraphEdge) error {
	_, err := g.q.Exec(ctx,
		`INSERT INTO graph_edges (`+edgeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.FromRuleID, e.ToRuleID, string(e.Relation), e.ValidFrom, e.ValidTo, e.Notes, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (g pgGraph) FindEdge(ctx context.Context, fromID, toID string, relation model.Relation) (*model.GraphEdge, error) {
	edges, err := g.queryEdges(ctx,
		`SELECT `+edgeColumns+` FROM graph_edges WHERE from_rule_id = $1 AND to_rule_id = $2 AND relation = $3 ORDER BY created_at LIMIT 1`,
		fromID, toID, string(relation))
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, graph.ErrEdgeNotFound
	}
	return &edges[0], nil
}

func (g pgGraph) queryEdges(ctx context.Context, query string, args ...any) ([]model.GraphEdge, error) {
	rows, err := g.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []model.GraphEdge
	for rows.Next() {
		var e model.GraphEdge
		var relation string
		if err := rows.Scan(&e.ID, &e.FromRuleID, &e.ToRuleID, &relation, &e.ValidFrom, &e.ValidTo, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Relation = model.Relation(relation)
		e.CreatedAt = e.CreatedAt.UTC()
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return edges, nil
}

func relationStrings(relations []model.Relation) []string {
	out := make([]string, len(relations))
	for i, r := range relations {
		out[i] = string(r)
	}
	return out
}

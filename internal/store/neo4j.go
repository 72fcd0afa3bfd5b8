package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ppiankov/regtruth/internal/graph"
	"github.com/ppiankov/regtruth/internal/logfields"
	"github.com/ppiankov/regtruth/internal/model"
)

// Neo4jGraphStore keeps rule versions as (:Rule {id}) nodes and edges as
// [:RELATES {relation}] relationships. It has no multi-statement transaction
// support here, so writers serialize through the graph Locker alone.
type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

var _ graph.Store = (*Neo4jGraphStore)(nil)

// NewNeo4jGraphStore connects, verifies connectivity and creates the indexes
func NewNeo4jGraphStore(ctx context.Context, uri, username, password string, logger *slog.Logger) (*Neo4jGraphStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect to neo4j: %w", err)
	}

	s := &Neo4jGraphStore{driver: driver, logger: logger}
	s.buildIndexes(ctx)
	return s, nil
}

// Close closes the driver
func (s *Neo4jGraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jGraphStore) buildIndexes(ctx context.Context) {
	queries := []string{
		"CREATE INDEX rule_id IF NOT EXISTS FOR (r:Rule) ON (r.id)",
		"CREATE INDEX relates_relation IF NOT EXISTS FOR ()-[e:RELATES]-() ON (e.relation)",
	}
	for _, q := range queries {
		if _, err := s.execute(ctx, q, nil); err != nil {
			// an index may already exist under another name
			s.logger.Warn("create neo4j index failed", slog.String("query", q), logfields.Error(err))
		}
	}
}

func (s *Neo4jGraphStore) execute(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	return result, nil
}

const edgeReturn = `RETURN e.id AS id, a.id AS from_id, b.id AS to_id, e.relation AS relation,
	e.valid_from AS valid_from, e.valid_to AS valid_to, e.notes AS notes, e.created_at AS created_at
	ORDER BY e.created_at, e.id`

func (s *Neo4jGraphStore) OutgoingEdges(ctx context.Context, fromID string, relations []model.Relation) ([]model.GraphEdge, error) {
	result, err := s.execute(ctx,
		`MATCH (a:Rule {id: $from})-[e:RELATES]->(b:Rule)
		 WHERE size($relations) = 0 OR e.relation IN $relations
		 `+edgeReturn,
		map[string]any{"from": fromID, "relations": relationStrings(relations)})
	if err != nil {
		return nil, err
	}
	return edgesFromRecords(result.Records)
}

func (s *Neo4jGraphStore) Edges(ctx context.Context, relations []model.Relation) ([]model.GraphEdge, error) {
	result, err := s.execute(ctx,
		`MATCH (a:Rule)-[e:RELATES]->(b:Rule)
		 WHERE size($relations) = 0 OR e.relation IN $relations
		 `+edgeReturn,
		map[string]any{"relations": relationStrings(relations)})
	if err != nil {
		return nil, err
	}
	return edgesFromRecords(result.Records)
}

func (s *Neo4jGraphStore) InsertEdge(ctx context.Context, e *model.GraphEdge) error {
	_, err := s.execute(ctx,
		`MERGE (a:Rule {id: $from})
		 MERGE (b:Rule {id: $to})
		 CREATE (a)-[:RELATES {id: $id, relation: $relation, valid_from: $valid_from, valid_to: $valid_to, notes: $notes, created_at: $created_at}]->(b)`,
		map[string]any{
			"id":         e.ID,
			"from":       e.FromRuleID,
			"to":         e.ToRuleID,
			"relation":   string(e.Relation),
			"valid_from": unixNanos(e.ValidFrom),
			"valid_to":   unixNanos(e.ValidTo),
			"notes":      e.Notes,
			"created_at": e.CreatedAt.UTC().UnixNano(),
		})
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (s *Neo4jGraphStore) FindEdge(ctx context.Context, fromID, toID string, relation model.Relation) (*model.GraphEdge, error) {
	result, err := s.execute(ctx,
		`MATCH (a:Rule {id: $from})-[e:RELATES {relation: $relation}]->(b:Rule {id: $to})
		 `+edgeReturn+` LIMIT 1`,
		map[string]any{"from": fromID, "to": toID, "relation": string(relation)})
	if err != nil {
		return nil, err
	}
	edges, err := edgesFromRecords(result.Records)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, graph.ErrEdgeNotFound
	}
	return &edges[0], nil
}

func edgesFromRecords(records []*neo4j.Record) ([]model.GraphEdge, error) {
	edges := make([]model.GraphEdge, 0, len(records))
	for _, rec := range records {
		e, err := edgeFromValues(rec.AsMap())
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// edgeFromValues maps one returned row; times are stored as unix nanoseconds
func edgeFromValues(v map[string]any) (model.GraphEdge, error) {
	var e model.GraphEdge
	var ok bool
	if e.ID, ok = v["id"].(string); !ok {
		return e, fmt.Errorf("edge record without id: %v", v)
	}
	e.FromRuleID, _ = v["from_id"].(string)
	e.ToRuleID, _ = v["to_id"].(string)
	relation, _ := v["relation"].(string)
	e.Relation = model.Relation(relation)
	e.Notes, _ = v["notes"].(string)
	if ns, ok := v["created_at"].(int64); ok {
		e.CreatedAt = time.Unix(0, ns).UTC()
	}
	e.ValidFrom = optionalNanos(v["valid_from"])
	e.ValidTo = optionalNanos(v["valid_to"])
	return e, nil
}

func optionalNanos(v any) *time.Time {
	ns, ok := v.(int64)
	if !ok {
		return nil
	}
	t := time.Unix(0, ns).UTC()
	return &t
}

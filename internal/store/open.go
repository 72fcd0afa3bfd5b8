package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ppiankov/regtruth/internal/graph"
	"github.com/ppiankov/regtruth/internal/model"
)

// Graph backends accepted by graph.backend
const (
	GraphBackendSQLite   = "sqlite"
	GraphBackendPostgres = "postgres"
	GraphBackendNeo4j    = "neo4j"
	GraphBackendMemory   = "memory"
)

// Backend bundles the stores selected by configuration
type Backend struct {
	Evidence EvidenceStore
	Sources  SourceStore
	Nodes    NodeStore
	Graph    graph.Store

	closers []func() error
}

// Open selects and connects the configured stores. Evidence, sources and
// nodes live in Postgres when storage.postgres_dsn is set and in SQLite
// otherwise; the graph store follows graph.backend.
func Open(ctx context.Context, cfg *model.Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{}

	var sqlStore *SQLiteStore
	var pgStore *PostgresStore
	sqliteStore := func() (*SQLiteStore, error) {
		if sqlStore != nil {
			return sqlStore, nil
		}
		s, err := NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlStore = s
		b.closers = append(b.closers, s.Close)
		return s, nil
	}
	postgresStore := func() (*PostgresStore, error) {
		if pgStore != nil {
			return pgStore, nil
		}
		if cfg.Storage.PostgresDSN == "" {
			return nil, errors.New("storage.postgres_dsn is required for the postgres backend")
		}
		s, err := NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		pgStore = s
		b.closers = append(b.closers, s.Close)
		return s, nil
	}

	if cfg.Storage.PostgresDSN != "" {
		s, err := postgresStore()
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		b.Evidence, b.Sources, b.Nodes = s, s, s
	} else {
		s, err := sqliteStore()
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		b.Evidence, b.Sources, b.Nodes = s, s, s
	}

	switch cfg.Graph.Backend {
	case "", GraphBackendSQLite:
		s, err := sqliteStore()
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("open sqlite graph store: %w", err)
		}
		b.Graph = s
	case GraphBackendPostgres:
		s, err := postgresStore()
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("open postgres graph store: %w", err)
		}
		b.Graph = s
	case GraphBackendNeo4j:
		s, err := NewNeo4jGraphStore(ctx, cfg.Graph.Neo4jURI, cfg.Graph.Neo4jUser, cfg.Graph.Neo4jPassword, logger)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("open neo4j graph store: %w", err)
		}
		b.Graph = s
		b.closers = append(b.closers, func() error { return s.Close(context.Background()) })
	case GraphBackendMemory:
		b.Graph = graph.NewMemoryStore()
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Graph.Backend)
	}
	return b, nil
}

// Close closes every opened connection
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

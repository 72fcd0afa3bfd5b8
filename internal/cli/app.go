package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/regtruth/internal/blob"
	"github.com/ppiankov/regtruth/internal/graph"
	"github.com/ppiankov/regtruth/internal/lock"
	"github.com/ppiankov/regtruth/internal/metrics"
	"github.com/ppiankov/regtruth/internal/model"
	"github.com/ppiankov/regtruth/internal/pipeline"
	"github.com/ppiankov/regtruth/internal/store"
)

const (
	lockModeLocal = "local"
	lockModeRedis = "redis"
)

// app holds the components a command needs, built from configuration
type app struct {
	cfg      *model.Config
	logger   *slog.Logger
	backend  *store.Backend
	blobs    blob.Storage
	registry *prom.Registry
	recorder metrics.Recorder
	closers  []func() error
}

type appOption func(*app)

// withPrometheus registers a PrometheusRecorder on a fresh registry
func withPrometheus() appOption {
	return func(a *app) {
		a.registry = prom.NewRegistry()
		a.recorder = metrics.NewPrometheusRecorder(a.registry)
	}
}

func newApp(ctx context.Context, opts ...appOption) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: slog.Default(), recorder: metrics.NoopRecorder{}}
	for _, opt := range opts {
		opt(a)
	}

	backend, err := store.Open(ctx, cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.backend = backend
	a.closers = append(a.closers, backend.Close)

	blobs, err := blob.NewStorage(ctx, cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open blob storage: %w", err)
	}
	a.blobs = blobs
	return a, nil
}

// pipeline builds the scan pipeline over the app's stores
func (a *app) pipeline() *pipeline.Pipeline {
	opts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithRecorder(a.recorder),
	}
	if a.blobs != nil {
		opts = append(opts, pipeline.WithBlobStorage(a.blobs))
	}
	return pipeline.NewPipeline(a.cfg, a.backend, opts...)
}

// graphManager builds the precedence graph manager with the configured writer lock
func (a *app) graphManager() (*graph.Manager, error) {
	if err := validateLockMode(a.cfg.Graph); err != nil {
		return nil, err
	}
	opts := []graph.Option{
		graph.WithLogger(a.logger),
		graph.WithRecorder(a.recorder),
	}
	switch a.cfg.Graph.LockMode {
	case "", lockModeLocal:
	case lockModeRedis:
		locker, client, err := lock.NewRedisLockerFromURL(a.cfg.Graph.RedisURL, a.cfg.Graph.LockTTL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, graph.WithLocker(locker))
	}
	return graph.NewManager(a.backend.Graph, opts...), nil
}

// validateLockMode rejects lock modes that cannot keep concurrent writers
// from closing a precedence cycle. Neo4j has no check-then-insert
// transaction here, so only a lock shared by every process protects it.
func validateLockMode(cfg model.GraphConfig) error {
	mode := cfg.LockMode
	if mode == "" {
		mode = lockModeLocal
	}
	if mode != lockModeLocal && mode != lockModeRedis {
		return fmt.Errorf("unknown graph.lock_mode %q (use %s or %s)", cfg.LockMode, lockModeLocal, lockModeRedis)
	}
	if cfg.Backend == store.GraphBackendNeo4j && mode != lockModeRedis {
		return fmt.Errorf("graph.backend %s requires graph.lock_mode %s", store.GraphBackendNeo4j, lockModeRedis)
	}
	if mode == lockModeRedis && cfg.RedisURL == "" {
		return errors.New("graph.redis_url is required for lock_mode redis")
	}
	return nil
}

// Close releases every opened resource
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

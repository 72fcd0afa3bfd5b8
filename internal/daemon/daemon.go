// Package daemon runs the sentinel continuously: a gocron job sweeps due
// sources through the worker pool while an HTTP listener exposes metrics.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ppiankov/regtruth/internal/logfields"
	"github.com/ppiankov/regtruth/internal/model"
	"github.com/ppiankov/regtruth/internal/store"
	"github.com/ppiankov/regtruth/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Daemon sweeps due sources on a fixed interval
type Daemon struct {
	cfg     *model.Config
	sources store.SourceStore
	batch   *worker.BatchProcessor

	scheduler      gocron.Scheduler
	sweepJobID     string
	metricsHandler http.Handler
	server         *http.Server

	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastSweep *SweepResult
}

// SweepResult summarises one sweep
type SweepResult struct {
	StartedAt time.Time
	Duration  time.Duration
	Due       int
	Summary   worker.BatchSummary
}

// Option configures a Daemon
type Option func(*Daemon)

// WithMetricsHandler serves h on /metrics when metrics.enabled is set
func WithMetricsHandler(h http.Handler) Option {
	return func(d *Daemon) { d.metricsHandler = h }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithClock replaces time.Now when selecting due sources
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) { d.now = now }
}

// New creates a daemon scanning through scanner
func New(cfg *model.Config, sources store.SourceStore, scanner worker.Scanner, opts ...Option) (*Daemon, error) {
	if cfg.Daemon.SweepInterval <= 0 {
		return nil, fmt.Errorf("daemon.sweep_interval must be positive, got %s", cfg.Daemon.SweepInterval)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		sources:   sources,
		scheduler: s,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.batch = worker.NewBatchProcessor(scanner, cfg.Concurrency.Workers, d.logger)
	return d, nil
}

// Sweep scans every source due now, at most daemon.batch_size of them
func (d *Daemon) Sweep(ctx context.Context) (*SweepResult, error) {
	start := d.now()
	due, err := d.sources.DueSources(ctx, start, d.cfg.Daemon.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due sources: %w", err)
	}

	sources := make([]*model.RegulatorySource, len(due))
	for i := range due {
		sources[i] = &due[i]
	}
	results := d.batch.ProcessSources(ctx, sources)

	res := &SweepResult{
		StartedAt: start,
		Duration:  time.Since(start),
		Due:       len(due),
		Summary:   worker.Summarize(results),
	}
	d.mu.Lock()
	d.lastSweep = res
	d.mu.Unlock()
	return res, nil
}

// LastSweep returns the most recent sweep result, or nil before the first
func (d *Daemon) LastSweep() *SweepResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSweep
}

// schedule registers the sweep job; the first run starts immediately and
// runs never overlap
func (d *Daemon) schedule(ctx context.Context) error {
	job, err := d.scheduler.NewJob(
		gocron.DurationJob(d.cfg.Daemon.SweepInterval),
		gocron.NewTask(func() { d.runSweep(ctx) }),
		gocron.WithName("source-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweep job: %w", err)
	}
	d.sweepJobID = job.ID().String()
	return nil
}

// runSweep is called by gocron
func (d *Daemon) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := d.Sweep(ctx)
	if err != nil {
		d.logger.Error("sweep failed", logfields.Error(err))
		return
	}
	if res.Due == 0 {
		d.logger.Debug("no sources due")
		return
	}
	d.logger.Info("sweep complete",
		logfields.Count(res.Due),
		slog.Int("changed", res.Summary.Changed),
		slog.Int("unchanged", res.Summary.Unchanged+res.Summary.NotModified),
		slog.Int("skipped", res.Summary.Skipped),
		slog.Int("failed", res.Summary.Failed),
		logfields.Duration(res.Duration))
}

// Run starts the sweep job and the metrics listener and blocks until ctx is
// cancelled or the listener fails
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.schedule(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if d.cfg.Metrics.Enabled && d.metricsHandler != nil {
		d.server = &http.Server{
			Addr:              d.cfg.Metrics.Listen,
			Handler:           d.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			d.logger.Info("metrics listening", slog.String("addr", d.server.Addr))
			if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	d.logger.Info("starting scheduler", slog.Duration("sweep_interval", d.cfg.Daemon.SweepInterval))
	d.scheduler.Start()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	return errors.Join(runErr, d.stop())
}

func (d *Daemon) stop() error {
	d.logger.Info("stopping scheduler")
	var errs []error
	if err := d.scheduler.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown scheduler: %w", err))
	}
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", d.metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

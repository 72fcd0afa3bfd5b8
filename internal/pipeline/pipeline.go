// Package pipeline runs the sentinel pass over monitored sources: fetch,
// change detection, evidence capture, structural parsing and rescheduling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/regtruth/internal/blob"
	"github.com/ppiankov/regtruth/internal/fetch"
	"github.com/ppiankov/regtruth/internal/logfields"
	"github.com/ppiankov/regtruth/internal/metrics"
	"github.com/ppiankov/regtruth/internal/model"
	"github.com/ppiankov/regtruth/internal/parser"
	"github.com/ppiankov/regtruth/internal/sentinel"
	"github.com/ppiankov/regtruth/internal/store"
)

// Pipeline orchestrates a complete scan of one source
type Pipeline struct {
	fetcher   *fetch.Fetcher
	parser    *parser.Parser
	scheduler *sentinel.Scheduler
	authority *sentinel.AuthorityClassifier
	evidence  store.EvidenceStore
	sources   store.SourceStore
	nodes     store.NodeStore
	blobs     blob.Storage // nil keeps raw bytes inline only
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithFetcher replaces the fetcher built from configuration
func WithFetcher(f *fetch.Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithBlobStorage archives raw evidence bytes in s
func WithBlobStorage(s blob.Storage) Option {
	return func(p *Pipeline) { p.blobs = s }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithScheduler replaces the scheduler built from sentinel.jitter_fraction
func WithScheduler(s *sentinel.Scheduler) Option {
	return func(p *Pipeline) { p.scheduler = s }
}

// NewPipeline creates a new pipeline over the given stores
func NewPipeline(cfg *model.Config, backend *store.Backend, opts ...Option) *Pipeline {
	p := &Pipeline{
		scheduler: sentinel.NewScheduler(cfg.Sentinel.JitterFraction),
		authority: sentinel.NewAuthorityClassifier(cfg.Sentinel.Authority),
		evidence:  backend.Evidence,
		sources:   backend.Sources,
		nodes:     backend.Nodes,
		recorder:  metrics.NoopRecorder{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fetcher == nil {
		fetchOpts := fetch.OptionsFromConfig(cfg)
		fetchOpts.Logger = p.logger
		p.fetcher = fetch.NewFetcher(fetchOpts)
	}
	p.parser = parser.New(parser.OptionsFromConfig(cfg.Parser), p.logger)
	return p
}

// ScanURL scans rawURL, registering it as a source first when it is unknown
func (p *Pipeline) ScanURL(ctx context.Context, rawURL string) (*model.ScanReport, error) {
	src, err := p.sources.SourceByURL(ctx, rawURL)
	if errors.Is(err, store.ErrNotFound) {
		src = SourceFromURL(rawURL, p.authority)
		if err := p.sources.UpsertSource(ctx, src); err != nil {
			return nil, fmt.Errorf("register source: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("look up source: %w", err)
	}
	return p.ScanSource(ctx, src)
}

// ScanSource runs one sentinel pass over src and writes the new schedule
// back. src is updated in place. A failed fetch leaves the schedule alone,
// so the source stays due and is retried by the next sweep.
func (p *Pipeline) ScanSource(ctx context.Context, src *model.RegulatorySource) (*model.ScanReport, error) {
	start := p.now()
	log := p.logger.With(logfields.Source(src.ID), logfields.URL(src.URL))

	var lastScanned time.Time
	if src.LastScannedAt != nil {
		lastScanned = *src.LastScannedAt
	}
	report := &model.ScanReport{
		SourceID:       src.ID,
		SourceURL:      src.URL,
		ScannedAt:      start,
		Classification: sentinel.ClassifyURL(src.URL),
		Freshness:      sentinel.EvaluateFreshness(src.AuthorityLevel, lastScanned, start),
		Warnings:       []string{},
	}

	res, err := p.fetch(ctx, src.URL, src.LastContentHash == "")
	if err != nil {
		if errors.Is(err, fetch.ErrInFlight) {
			p.recorder.IncScan(metrics.ScanSkipped)
		} else {
			p.recorder.IncScan(metrics.ScanFailed)
		}
		return nil, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	report.FetchMeta = res.Meta

	if res.NotModified {
		report.NotModified = true
		report.ContentHash = src.LastContentHash
		if ev, err := p.evidence.LatestEvidence(ctx, src.ID); err == nil {
			report.EvidenceID = ev.ID
		}
		if err := p.reschedule(ctx, src, report, false); err != nil {
			return nil, err
		}
		p.recorder.IncScan(metrics.ScanNotModified)
		log.Debug("source not modified")
		return report, nil
	}

	change := sentinel.DetectContentChange(res.Body, res.Meta.ContentType, src.LastContentHash)
	report.ContentHash = change.NewHash
	report.HasChanged = change.HasChanged

	ev := &model.Evidence{
		SourceID:    src.ID,
		URL:         res.FinalURL,
		RawContent:  res.Body,
		ContentHash: change.NewHash,
		ContentType: sentinel.MediaType(res.Meta.ContentType),
		FetchedAt:   start,
		HasChanged:  change.HasChanged,
		BlobKey:     p.archive(ctx, change.NewHash, res.Meta.ContentType, res.Body, log),
	}
	stored, created, err := p.evidence.FindOrCreateEvidence(ctx, ev)
	if err != nil {
		p.recorder.IncScan(metrics.ScanFailed)
		return nil, fmt.Errorf("store evidence: %w", err)
	}
	report.EvidenceID = stored.ID
	report.EvidenceIsNew = created

	if change.HasChanged {
		if err := p.parseEvidence(ctx, stored.ID, res.Body, res.Meta.ContentType, report); err != nil {
			p.recorder.IncScan(metrics.ScanFailed)
			return nil, err
		}
	}

	if err := p.reschedule(ctx, src, report, change.HasChanged); err != nil {
		p.recorder.IncScan(metrics.ScanFailed)
		return nil, err
	}
	// only now may a 304 stand in for this body
	p.fetcher.CommitValidators(src.URL, res.Meta)

	if change.HasChanged {
		p.recorder.IncScan(metrics.ScanChanged)
		p.recorder.IncContentChange(sourceLabel(src))
		log.Info("source changed",
			logfields.ContentHash(change.NewHash),
			slog.Bool("evidence_new", created),
			logfields.Duration(p.now().Sub(start)))
	} else {
		p.recorder.IncScan(metrics.ScanUnchanged)
		log.Debug("source unchanged", logfields.ContentHash(change.NewHash))
	}
	return report, nil
}

// fetch retrieves rawURL. With needBody set, a 304 answer is not useful
// (there is nothing to compare it against), so validators are dropped and
// the fetch repeated unconditionally.
func (p *Pipeline) fetch(ctx context.Context, rawURL string, needBody bool) (*fetch.Result, error) {
	res, err := p.fetcher.FetchWithRetry(ctx, rawURL)
	if err != nil || !res.NotModified || !needBody {
		return res, err
	}
	p.fetcher.ForgetValidators(rawURL)
	return p.fetcher.FetchWithRetry(ctx, rawURL)
}

// archive writes the raw bytes to blob storage and returns the key, or ""
// when archiving is disabled or failed
func (p *Pipeline) archive(ctx context.Context, hash, contentType string, body []byte, log *slog.Logger) string {
	if p.blobs == nil {
		return ""
	}
	key := blob.EvidenceKey(hash)
	exists, err := p.blobs.Exists(ctx, key)
	if err == nil && !exists {
		err = p.blobs.Put(ctx, key, contentType, body)
	}
	if err != nil {
		log.Warn("archive evidence failed, keeping bytes inline", logfields.ContentHash(hash), logfields.Error(err))
		return ""
	}
	return key
}

func (p *Pipeline) parseEvidence(ctx context.Context, evidenceID string, body []byte, contentType string, report *model.ScanReport) error {
	if !parser.Supports(contentType) {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("content type %q is not parsed", sentinel.MediaType(contentType)))
		return nil
	}

	parseStart := time.Now()
	result, err := p.parser.Parse(body, contentType)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	p.recorder.ObserveParse(string(result.Status), time.Since(parseStart))
	report.Parse = result.Summarize()
	report.Warnings = append(report.Warnings, result.Warnings...)

	if result.Status == model.ParseFailed {
		return nil
	}
	if err := p.nodes.ReplaceNodes(ctx, evidenceID, result.Nodes); err != nil {
		return fmt.Errorf("store nodes: %w", err)
	}
	return nil
}

func (p *Pipeline) reschedule(ctx context.Context, src *model.RegulatorySource, report *model.ScanReport, changed bool) error {
	freq := sentinel.UpdateChangeFrequency(src.ChangeFrequency, changed)
	risk := report.Classification.FreshnessRisk
	next := report.ScannedAt.Add(p.scheduler.NextScanDelay(freq, risk))

	update := store.ScheduleUpdate{
		ScannedAt:       report.ScannedAt,
		NextScanAt:      next,
		ChangeFrequency: freq,
		FreshnessRisk:   risk,
		LastContentHash: report.ContentHash,
	}
	if err := p.sources.UpdateSchedule(ctx, src.ID, update); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}

	scanned := report.ScannedAt
	src.LastScannedAt = &scanned
	src.NextScanAt = &next
	src.ChangeFrequency = freq
	src.FreshnessRisk = risk
	src.LastContentHash = report.ContentHash

	report.ChangeFrequency = freq
	report.NextScanAt = next
	return nil
}

// SourceFromURL builds an active source for rawURL, deriving the slug and
// risk from the URL classification. A nil authority uses the built-in rules.
func SourceFromURL(rawURL string, authority *sentinel.AuthorityClassifier) *model.RegulatorySource {
	if authority == nil {
		authority = sentinel.DefaultAuthorityClassifier()
	}
	return &model.RegulatorySource{
		Slug:           Slug(rawURL),
		URL:            rawURL,
		AuthorityLevel: authority.Classify(rawURL),
		Active:         true,
		FreshnessRisk:  sentinel.ClassifyURL(rawURL).FreshnessRisk,
	}
}

// Slug derives a readable identifier from host and path
func Slug(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	raw := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www.") + u.Path)

	var b strings.Builder
	dash := false
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func sourceLabel(src *model.RegulatorySource) string {
	if src.Slug != "" {
		return src.Slug
	}
	if u, err := url.Parse(src.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return src.URL
}

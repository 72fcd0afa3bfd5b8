package pipeline

import (
	"context"
	"fmt"

	"github.com/ppiankov/regtruth/internal/logfields"
	"github.com/ppiankov/regtruth/internal/model"
	"github.com/ppiankov/regtruth/internal/sentinel"
)

// maxSitemapDepth bounds index-of-index nesting
const maxSitemapDepth = 3

// DiscoveredSource is a sitemap entry with its classification
type DiscoveredSource struct {
	Entry          sentinel.SitemapEntry   `json:"entry"`
	Classification model.URLClassification `json:"classification"`
	Sitemap        string                  `json:"sitemap"` // Sitemap the entry was listed in
}

// Discovery is the outcome of walking a sitemap tree
type Discovery struct {
	Sources  []DiscoveredSource `json:"sources"`
	Sitemaps []string           `json:"sitemaps"` // Every sitemap read, root first
	Warnings []string           `json:"warnings,omitempty"`
}

// DiscoverSitemap fetches rawURL and walks it: a sitemap index is followed
// into child sitemaps whose file names match allowedTypes (all children when
// allowedTypes is empty), and every listed location is classified.
// Unreachable child sitemaps become warnings.
func (p *Pipeline) DiscoverSitemap(ctx context.Context, rawURL string, allowedTypes []string) (*Discovery, error) {
	body, err := p.fetchFull(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", rawURL, err)
	}
	return p.DiscoverSitemapData(ctx, rawURL, body, allowedTypes)
}

// DiscoverSitemapData is DiscoverSitemap for an already loaded root document;
// location names the root in the result
func (p *Pipeline) DiscoverSitemapData(ctx context.Context, location string, data []byte, allowedTypes []string) (*Discovery, error) {
	d := &Discovery{Sources: []DiscoveredSource{}, Sitemaps: []string{}}
	w := &sitemapWalk{
		p:            p,
		allowedTypes: allowedTypes,
		visited:      map[string]bool{location: true},
		listed:       map[string]bool{},
		out:          d,
	}
	if err := w.walk(ctx, location, data, 0); err != nil {
		return nil, err
	}
	return d, nil
}

type sitemapWalk struct {
	p            *Pipeline
	allowedTypes []string
	visited      map[string]bool
	listed       map[string]bool
	out          *Discovery
}

func (w *sitemapWalk) walk(ctx context.Context, location string, data []byte, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.out.Sitemaps = append(w.out.Sitemaps, location)

	if !sentinel.IsSitemapIndex(data) {
		for _, e := range sentinel.ParseSitemap(data) {
			if w.listed[e.URL] {
				continue
			}
			w.listed[e.URL] = true
			w.out.Sources = append(w.out.Sources, DiscoveredSource{
				Entry:          e,
				Classification: sentinel.ClassifyURL(e.URL),
				Sitemap:        location,
			})
		}
		return nil
	}

	children := sentinel.ParseSitemapIndex(data)
	if len(w.allowedTypes) > 0 {
		children = sentinel.FilterURLsByType(children, w.allowedTypes)
	}
	if depth+1 >= maxSitemapDepth {
		w.out.Warnings = append(w.out.Warnings, fmt.Sprintf("%s: nested too deep, %d child sitemaps skipped", location, len(children)))
		return nil
	}

	for _, child := range children {
		if w.visited[child] {
			continue
		}
		w.visited[child] = true

		body, err := w.p.fetchFull(ctx, child)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.p.logger.Warn("child sitemap unreachable", logfields.URL(child), logfields.Error(err))
			w.out.Warnings = append(w.out.Warnings, fmt.Sprintf("%s: %v", child, err))
			continue
		}
		if err := w.walk(ctx, child, body, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDiscovered upserts every discovered location as an active source
// and returns how many were written
func (p *Pipeline) RegisterDiscovered(ctx context.Context, discovered []DiscoveredSource) (int, error) {
	n := 0
	for _, d := range discovered {
		src := SourceFromURL(d.Entry.URL, p.authority)
		if err := p.sources.UpsertSource(ctx, src); err != nil {
			return n, err
		}
		n++
	}
	p.logger.Info("registered discovered sources", logfields.Count(n))
	return n, nil
}

// fetchFull fetches rawURL ignoring stored validators, since a 304 carries
// no body to walk
func (p *Pipeline) fetchFull(ctx context.Context, rawURL string) ([]byte, error) {
	res, err := p.fetch(ctx, rawURL, true)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

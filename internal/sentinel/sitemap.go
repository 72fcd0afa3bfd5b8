// Package sentinel implements change detection for monitored regulatory
// sources: sitemap discovery, URL classification, content hashing and
// adaptive re-scan scheduling. Every function here is pure or uses only
// injected state, and fails soft (empty, nil or default) on bad input.
package sentinel

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// SitemapEntry is one <url> element of a sitemap
type SitemapEntry struct {
	URL      string     `json:"url"`
	LastMod  *time.Time `json:"lastmod,omitempty"`
	Priority *float64   `json:"priority,omitempty"`
}

// raw decoder shapes; converted to SitemapEntry right after decoding
type xmlURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc      string `xml:"loc"`
		LastMod  string `xml:"lastmod"`
		Priority string `xml:"priority"`
	} `xml:"url"`
}

type xmlSitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

var lastModLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseSitemap extracts entries from a <urlset> document.
// Malformed or non-urlset input yields an empty slice.
func ParseSitemap(data []byte) []SitemapEntry {
	var set xmlURLSet
	if err := xml.Unmarshal(DecodeSitemapBody(data), &set); err != nil {
		slog.Debug("sitemap: not a urlset", slog.String("error", err.Error()))
		return []SitemapEntry{}
	}

	entries := make([]SitemapEntry, 0, len(set.URLs))
	for _, u := range set.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		entry := SitemapEntry{URL: loc}
		if t, ok := parseLastMod(u.LastMod); ok {
			entry.LastMod = &t
		}
		if p, err := strconv.ParseFloat(strings.TrimSpace(u.Priority), 64); err == nil && p >= 0 && p <= 1 {
			entry.Priority = &p
		}
		entries = append(entries, entry)
	}
	return entries
}

// IsSitemapIndex reports whether data is a <sitemapindex> document
func IsSitemapIndex(data []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(DecodeSitemapBody(data)))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local == "sitemapindex"
		}
	}
}

// ParseSitemapIndex returns the child sitemap URLs of a <sitemapindex>.
// Anything that is not an index yields an empty slice.
func ParseSitemapIndex(data []byte) []string {
	var idx xmlSitemapIndex
	if err := xml.Unmarshal(DecodeSitemapBody(data), &idx); err != nil {
		return []string{}
	}
	urls := make([]string, 0, len(idx.Sitemaps))
	for _, s := range idx.Sitemaps {
		if loc := strings.TrimSpace(s.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls
}

// DecodeSitemapBody transparently gunzips *.xml.gz payloads.
// Non-gzip input, or a corrupt gzip stream, is returned unchanged.
func DecodeSitemapBody(data []byte) []byte {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return data
	}
	return out
}

func parseLastMod(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

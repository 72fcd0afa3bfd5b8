package sentinel

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
)

// Gazette sitemap parts are published as sitemap_<type>_<year>_<issue>.xml
var sourceFilenamePattern = regexp.MustCompile(`^sitemap_(\d+)_(\d{4})_(\d+)\.xml(?:\.gz)?$`)

// Gazette part types
const (
	GazetteTypeOfficial      = "1" // Službeni dio
	GazetteTypeInternational = "2" // Međunarodni ugovori
	GazetteTypeAnnouncements = "3" // Oglasni dio
)

// FilenameMeta is the type/year/issue encoded in a gazette sitemap name
type FilenameMeta struct {
	Type  string `json:"type"`
	Year  int    `json:"year"`
	Issue int    `json:"issue"`
}

// ParseSourceFilenameMeta decodes a gazette sitemap file name. Full URLs are
// accepted; only the last path segment is inspected. Returns nil on mismatch.
func ParseSourceFilenameMeta(filename string) *FilenameMeta {
	name := filename
	if u, err := url.Parse(filename); err == nil && u.Path != "" {
		name = u.Path
	}
	name = path.Base(name)

	m := sourceFilenamePattern.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	year, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	issue, err := strconv.Atoi(m[3])
	if err != nil {
		return nil
	}
	typ := m[1]
	if n, err := strconv.Atoi(typ); err == nil {
		typ = strconv.Itoa(n) // "01" and "1" are the same part
	}
	return &FilenameMeta{Type: typ, Year: year, Issue: issue}
}

// FilterByType keeps entries whose file name metadata type is in allowedTypes.
// Entries that do not follow the naming convention are dropped.
func FilterByType(entries []SitemapEntry, allowedTypes []string) []SitemapEntry {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}

	out := make([]SitemapEntry, 0, len(entries))
	for _, e := range entries {
		meta := ParseSourceFilenameMeta(e.URL)
		if meta != nil && allowed[meta.Type] {
			out = append(out, e)
		}
	}
	return out
}

// FilterURLsByType is FilterByType for bare URLs, as returned by ParseSitemapIndex
func FilterURLsByType(urls []string, allowedTypes []string) []string {
	entries := make([]SitemapEntry, len(urls))
	for i, u := range urls {
		entries[i] = SitemapEntry{URL: u}
	}
	kept := FilterByType(entries, allowedTypes)
	out := make([]string, len(kept))
	for i, e := range kept {
		out[i] = e.URL
	}
	return out
}

package sentinel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	markupCommentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)
	whitespaceRunPattern = regexp.MustCompile(`\s+`)
)

// markup content types are normalized before hashing; everything else is hashed
// byte-exact. A missing Content-Type is treated as HTML, as the parser does.
var markupContentTypes = map[string]bool{
	"":                      true,
	"text/html":             true,
	"application/xhtml+xml": true,
	"text/xml":              true,
	"application/xml":       true,
	"application/rss+xml":   true,
	"application/atom+xml":  true,
	"text/plain":            true,
	"text/markdown":         true,
}

// MediaType lowercases a Content-Type header and strips its parameters
func MediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsMarkupContentType reports whether contentType is hashed after normalization
func IsMarkupContentType(contentType string) bool {
	return markupContentTypes[MediaType(contentType)]
}

// NormalizeMarkup strips comments and collapses whitespace runs to one space
func NormalizeMarkup(content []byte) []byte {
	out := markupCommentPattern.ReplaceAll(content, nil)
	out = whitespaceRunPattern.ReplaceAll(out, []byte(" "))
	return bytes.TrimSpace(out)
}

// HashContent returns the hex SHA-256 of content. Markup is normalized
// first, so comment or whitespace-only edits do not count as changes.
// Structured payloads (JSON and unknown types) are hashed byte-exact.
func HashContent(content []byte, contentType string) string {
	if IsMarkupContentType(contentType) {
		content = NormalizeMarkup(content)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the hex SHA-256 of exactly these bytes
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ChangeResult is the outcome of comparing content against the last known hash
type ChangeResult struct {
	HasChanged bool   `json:"has_changed"`
	NewHash    string `json:"new_hash"`
}

// DetectContentChange hashes content and compares it with previousHash.
// An empty previousHash (first capture) always counts as a change.
func DetectContentChange(content []byte, contentType string, previousHash string) ChangeResult {
	newHash := HashContent(content, contentType)
	return ChangeResult{
		HasChanged: previousHash == "" || newHash != previousHash,
		NewHash:    newHash,
	}
}

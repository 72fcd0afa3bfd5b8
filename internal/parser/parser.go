// Package parser turns legal document markup into clean text plus an ordered
// hierarchy of provision nodes (članak, stavak, točka, podtočka) anchored to
// byte offsets in that text, with an explicit validity report.
package parser

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ppiankov/regtruth/internal/logfields"
	"github.com/ppiankov/regtruth/internal/model"
	"github.com/ppiankov/regtruth/internal/sentinel"
)

// ErrUnsupportedContentType is returned for payloads the parser cannot read
var ErrUnsupportedContentType = errors.New("unsupported content type")

type inputKind int

const (
	inputUnsupported inputKind = iota
	inputHTML
	inputPlain
	inputMarkdown
)

var inputKinds = map[string]inputKind{
	"":                      inputHTML,
	"text/html":             inputHTML,
	"application/xhtml+xml": inputHTML,
	"text/plain":            inputPlain,
	"text/markdown":         inputMarkdown,
	"text/x-markdown":       inputMarkdown,
}

// Supports reports whether contentType can be parsed
func Supports(contentType string) bool {
	return inputKinds[sentinel.MediaType(contentType)] != inputUnsupported
}

// Options tune validation thresholds and whitespace handling
type Options struct {
	MinCoveragePercent float64
	MaxBlankLines      int
}

// DefaultOptions returns the built-in parser options
func DefaultOptions() Options {
	return OptionsFromConfig(model.DefaultConfig().Parser)
}

// OptionsFromConfig maps the parser config section
func OptionsFromConfig(cfg model.ParserConfig) Options {
	return Options{
		MinCoveragePercent: cfg.MinCoveragePercent,
		MaxBlankLines:      cfg.MaxBlankLines,
	}
}

// Parser is stateless apart from its options and is safe for concurrent use
type Parser struct {
	opts   Options
	logger *slog.Logger
}

// New creates a parser; a nil logger uses slog.Default()
func New(opts Options, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{opts: opts, logger: logger}
}

// ParseEvidence parses a captured evidence payload
func (p *Parser) ParseEvidence(ev *model.Evidence) (*model.ParseResult, error) {
	return p.Parse(ev.RawContent, ev.ContentType)
}

// Parse runs the full structural parse. The only error is
// ErrUnsupportedContentType; unreadable input yields a FAILED result.
func (p *Parser) Parse(content []byte, contentType string) (*model.ParseResult, error) {
	start := time.Now()
	mediaType := sentinel.MediaType(contentType)

	kind := inputKinds[mediaType]
	if kind == inputUnsupported {
		return nil, ErrUnsupportedContentType
	}

	result := &model.ParseResult{
		Warnings:         []string{},
		UnparsedSegments: []string{},
		Nodes:            []model.ProvisionNode{},
		Stats:            model.ParseStats{ByType: map[model.NodeType]int{}},
	}

	var doc *document
	var err error
	switch kind {
	case inputPlain:
		doc = fromPlainText(content, p.opts.MaxBlankLines)
	case inputMarkdown:
		doc, err = fromMarkdown(content, p.opts.MaxBlankLines)
	default:
		doc, err = fromHTML(content, p.opts.MaxBlankLines, false)
	}
	if err != nil || doc.cleanText == "" {
		result.Status = model.ParseFailed
		result.DocMeta.ContentType = mediaType
		attrs := []any{logfields.ContentType(mediaType)}
		if err != nil {
			result.Warnings = append(result.Warnings, err.Error())
			attrs = append(attrs, logfields.Error(err))
		} else {
			result.Warnings = append(result.Warnings, "no clean text could be extracted")
		}
		p.logger.Warn("parse failed", attrs...)
		return result, nil
	}

	result.CleanText = doc.cleanText
	result.CleanTextHash = sentinel.HashBytes([]byte(doc.cleanText))
	result.DocMeta = extractDocMeta(doc, mediaType)

	b := newTreeBuilder(doc.cleanText)
	b.build(doc.fragments)
	result.Nodes = b.nodes
	if result.Nodes == nil {
		result.Nodes = []model.ProvisionNode{}
	}
	result.Warnings = append(result.Warnings, b.warnings...)
	result.UnparsedSegments = append(result.UnparsedSegments, b.unparsed...)

	result.Stats = computeStats(result.Nodes, len(doc.cleanText))

	violations := checkInvariants(result.Nodes, len(doc.cleanText), result.Stats.CoveragePercent, p.opts.MinCoveragePercent)
	result.Warnings = append(result.Warnings, violations...)

	switch {
	case len(result.Nodes) == 0:
		result.Warnings = append(result.Warnings, "no provision nodes recognized")
		result.Status = model.ParsePartial
	case len(violations) > 0:
		result.Status = model.ParsePartial
	default:
		result.Status = model.ParseSuccess
	}

	p.logger.Debug("parse complete",
		logfields.ContentType(mediaType),
		logfields.Status(string(result.Status)),
		logfields.Count(len(result.Nodes)),
		logfields.Duration(time.Since(start)))
	return result, nil
}

func computeStats(nodes []model.ProvisionNode, textLen int) model.ParseStats {
	stats := model.ParseStats{
		NodeCount: len(nodes),
		ByType:    make(map[model.NodeType]int),
	}
	for _, n := range nodes {
		stats.ByType[n.NodeType]++
		if n.Depth > stats.MaxDepth {
			stats.MaxDepth = n.Depth
		}
	}
	stats.CoverageChars = coverage(nodes)
	if textLen > 0 {
		stats.CoveragePercent = float64(stats.CoverageChars) / float64(textLen) * 100
	}
	return stats
}

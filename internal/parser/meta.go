package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ppiankov/regtruth/internal/model"
)

// maxTitleLen bounds heading-like lines considered as a title
const maxTitleLen = 300

// Document-type keywords, matched as word prefixes so inflected forms count
var docTypePattern = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(zakon|uredb|pravilnik|odluk|naredb|uput|mišljenj|naputak)`)

// keyword stem -> reported document type
var docTypeByStem = map[string]string{
	"zakon":     "zakon",
	"uredb":     "uredba",
	"pravilnik": "pravilnik",
	"odluk":     "odluka",
	"naredb":    "naredba",
	"uput":      "uputa",
	"mišljenj":  "mišljenje",
	"naputak":   "naputak",
}

// "NN 12/2024", "Narodne novine, br. 114/23", "(NN, 73/13)"
var gazetteRefPattern = regexp.MustCompile(`(?:\bNN|Narodne novine)[,.]?\s*(?:br(?:oj)?\.?\s*)?(\d{1,3})\s*/\s*(\d{4}|\d{2})\b`)

// titleRule is one step of the title fallback chain; rules run in order until one yields text
type titleRule struct {
	name    string
	extract func(doc *document) string
}

var titleRules = []titleRule{
	{name: "title-tag", extract: func(doc *document) string { return elementText(doc.root, atom.Title) }},
	{name: "first-h1", extract: func(doc *document) string { return elementText(doc.root, atom.H1) }},
	{name: "heading-line", extract: firstHeadingLine},
}

// extractDocMeta fills DocMeta heuristically; every field may stay empty
func extractDocMeta(doc *document, contentType string) model.DocMeta {
	meta := model.DocMeta{ContentType: contentType}

	for _, rule := range titleRules {
		if title := rule.extract(doc); title != "" {
			meta.Title = title
			meta.TitleRule = rule.name
			break
		}
	}

	meta.DocType = inferDocType(meta.Title)
	if meta.DocType == "" {
		meta.DocType = inferDocType(leadingText(doc.cleanText, 10))
	}

	meta.GazetteRef = findGazetteRef(meta.Title)
	if meta.GazetteRef == "" {
		meta.GazetteRef = findGazetteRef(doc.cleanText)
	}
	return meta
}

func elementText(root *html.Node, a atom.Atom) string {
	if root == nil {
		return ""
	}
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	if !walk(root) {
		return ""
	}

	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(found)
	return truncateTitle(collapseFragment(b.String()))
}

// firstHeadingLine picks the first line that is upper case or names a document type
func firstHeadingLine(doc *document) string {
	for _, line := range doc.fragments {
		if len(line) > maxTitleLen || ParseArticleNumber(line) != "" {
			continue
		}
		if isUpperLine(line) || docTypePattern.MatchString(line) {
			return line
		}
	}
	return ""
}

func isUpperLine(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

func truncateTitle(s string) string {
	if len(s) <= maxTitleLen {
		return s
	}
	cut := maxTitleLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// inferDocType returns the lowercase document type whose keyword occurs first in text
func inferDocType(text string) string {
	m := docTypePattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return docTypeByStem[strings.ToLower(m[1])]
}

// findGazetteRef returns the first gazette reference normalized to "NN <issue>/<yyyy>"
func findGazetteRef(text string) string {
	m := gazetteRefPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	issue, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[2])
	if len(m[2]) == 2 {
		if year <= 50 {
			year += 2000
		} else {
			year += 1900
		}
	}
	return fmt.Sprintf("NN %d/%d", issue, year)
}

func leadingText(text string, lines int) string {
	parts := strings.SplitN(text, "\n", lines+1)
	if len(parts) > lines {
		parts = parts[:lines]
	}
	return strings.Join(parts, "\n")
}

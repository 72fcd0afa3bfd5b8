package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

// every horizontal space, including no-break and typographic spaces
var intraLineSpace = regexp.MustCompile(`[\t\f\v\r\p{Zs}\x{0085}\x{2028}\x{2029}]+`)

// skipped elements never contribute text
var skippedElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Object:   true,
}

// block elements are forced onto their own lines
var blockElements = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Br: true, atom.Caption: true, atom.Dd: true, atom.Div: true, atom.Dl: true,
	atom.Dt: true, atom.Figcaption: true, atom.Figure: true, atom.Footer: true,
	atom.Form: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Header: true, atom.Hr: true, atom.Li: true,
	atom.Main: true, atom.Nav: true, atom.Ol: true, atom.P: true, atom.Pre: true,
	atom.Section: true, atom.Table: true, atom.Tbody: true, atom.Td: true,
	atom.Tfoot: true, atom.Th: true, atom.Thead: true, atom.Tr: true, atom.Ul: true,
}

// document is the intermediate form shared by every input type
type document struct {
	root      *html.Node // nil for plain text
	cleanText string
	fragments []string
}

// fragmentCollector accumulates inline text until a block boundary
type fragmentCollector struct {
	raw       strings.Builder
	current   strings.Builder
	fragments []string
}

func (c *fragmentCollector) text(s string) {
	c.raw.WriteString(s)
	c.current.WriteString(s)
}

func (c *fragmentCollector) boundary() {
	c.raw.WriteByte('\n')
	if f := collapseFragment(c.current.String()); f != "" {
		c.fragments = append(c.fragments, f)
	}
	c.current.Reset()
}

func collapseFragment(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(strings.ToValidUTF8(s, ""))), " ")
}

// fromHTML extracts clean text and block fragments from markup.
// For rendered markdown, soft line breaks also end a fragment and list
// items get the marker the renderer consumed ("1." or "–") written back.
func fromHTML(content []byte, maxBlankLines int, markdown bool) (*document, error) {
	root, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	c := &fragmentCollector{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skippedElements[n.DataAtom] {
				return
			}
			block := blockElements[n.DataAtom]
			if block {
				c.boundary()
			}
			if markdown && n.DataAtom == atom.Li {
				c.text(listItemMarker(n))
			}
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				walk(child)
			}
			if block {
				c.boundary()
			}
			return
		case html.TextNode:
			if !markdown {
				// source line breaks are insignificant in markup outside <pre>
				if n.Parent != nil && n.Parent.DataAtom == atom.Pre {
					c.text(n.Data)
				} else {
					c.text(strings.ReplaceAll(n.Data, "\n", " "))
				}
				return
			}
			for i, line := range strings.Split(n.Data, "\n") {
				if i > 0 {
					c.boundary()
				}
				c.text(line)
			}
			return
		case html.CommentNode, html.DoctypeNode:
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	c.boundary()

	return &document{
		root:      root,
		cleanText: normalizeWhitespace(c.raw.String(), maxBlankLines),
		fragments: c.fragments,
	}, nil
}

// fromPlainText treats every non-empty line as a block fragment
func fromPlainText(content []byte, maxBlankLines int) *document {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	doc := &document{cleanText: normalizeWhitespace(text, maxBlankLines)}
	for _, line := range strings.Split(text, "\n") {
		if f := collapseFragment(line); f != "" {
			doc.fragments = append(doc.fragments, f)
		}
	}
	return doc
}

// fromMarkdown renders markdown to markup first so headings and list items become blocks
func fromMarkdown(content []byte, maxBlankLines int) (*document, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(content, &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return fromHTML(buf.Bytes(), maxBlankLines, true)
}

// listItemMarker reconstructs the marker a renderer consumed from the source
func listItemMarker(li *html.Node) string {
	parent := li.Parent
	if parent == nil || parent.DataAtom != atom.Ol {
		return "– "
	}
	n := 1
	for _, a := range parent.Attr {
		if a.Key == "start" {
			if v, err := strconv.Atoi(a.Val); err == nil {
				n = v
			}
		}
	}
	for sib := parent.FirstChild; sib != nil && sib != li; sib = sib.NextSibling {
		if sib.Type == html.ElementNode && sib.DataAtom == atom.Li {
			n++
		}
	}
	return strconv.Itoa(n) + ". "
}

// normalizeWhitespace NFC-normalizes text, collapses intra-line whitespace,
// trims every line and caps runs of blank lines at maxBlankLines.
func normalizeWhitespace(text string, maxBlankLines int) string {
	text = norm.NFC.String(strings.ToValidUTF8(text, ""))
	if maxBlankLines < 0 {
		maxBlankLines = 0
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(intraLineSpace.ReplaceAllString(line, " "))
		if line == "" {
			blank++
			if blank > maxBlankLines || len(out) == 0 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

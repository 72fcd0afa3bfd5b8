package parser

import (
	"fmt"

	"github.com/ppiankov/regtruth/internal/model"
)

const none = -1

// treeBuilder walks fragments in document order and keeps the open
// article / paragraph / point / sub-point as indices into nodes.
type treeBuilder struct {
	loc     *locator
	nodes   []model.ProvisionNode
	parents []int

	article, stavak, tocka, podtocka int
	tockaStyle                       labelStyle

	warnings []string
	unparsed []string
}

func newTreeBuilder(cleanText string) *treeBuilder {
	return &treeBuilder{
		loc:      &locator{text: cleanText},
		article:  none,
		stavak:   none,
		tocka:    none,
		podtocka: none,
	}
}

func (b *treeBuilder) build(fragments []string) {
	for _, f := range fragments {
		b.fragment(f)
	}
}

func (b *treeBuilder) fragment(f string) {
	if num := ParseArticleNumber(f); num != "" {
		sp, ok := b.locate(f)
		if !ok {
			return
		}
		b.article = b.add(model.NodeClanak, num, none, sp, f)
		b.stavak, b.tocka, b.podtocka = none, none, none
		return
	}

	if num := ParseStavakNumber(f); num != "" {
		if b.article == none {
			b.orphan(f, "paragraph")
			return
		}
		sp, ok := b.locate(f)
		if !ok {
			return
		}
		b.stavak = b.add(model.NodeStavak, num, b.article, sp, f)
		b.tocka, b.podtocka = none, none
		return
	}

	if label, style := parsePointLabel(f); label != "" {
		if b.article == none {
			b.orphan(f, "point")
			return
		}
		sp, ok := b.locate(f)
		if !ok {
			return
		}
		b.point(label, style, sp, f)
		return
	}

	sp, ok := b.locate(f)
	if !ok {
		return
	}
	if open := b.innermost(); open != none {
		b.extend(open, sp.end)
	}
}

// point opens a point, or a sub-point when the label style differs from the open point's
func (b *treeBuilder) point(label string, style labelStyle, sp span, text string) {
	if b.tocka != none && style != b.tockaStyle {
		b.podtocka = b.add(model.NodePodtocka, label, b.tocka, sp, text)
		return
	}

	parent := b.stavak
	if parent == none {
		parent = b.article
	}
	b.tocka = b.add(model.NodeTocka, label, parent, sp, text)
	b.tockaStyle = style
	b.podtocka = none
}

func (b *treeBuilder) innermost() int {
	for _, idx := range []int{b.podtocka, b.tocka, b.stavak, b.article} {
		if idx != none {
			return idx
		}
	}
	return none
}

func (b *treeBuilder) add(nodeType model.NodeType, label string, parent int, sp span, text string) int {
	path := BuildNodePath(PathToken{Type: nodeType, Label: label})
	parentPath := ""
	if parent != none {
		parentPath = b.nodes[parent].NodePath
		path = parentPath + path
		b.nodes[parent].IsContainer = true
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, model.ProvisionNode{
		NodeType:    nodeType,
		NodePath:    path,
		Label:       label,
		OrderIndex:  idx,
		Depth:       pathDepth(path),
		StartOffset: sp.start,
		EndOffset:   sp.end,
		ParentPath:  parentPath,
		Text:        text,
	})
	b.parents = append(b.parents, parent)
	if parent != none {
		b.extend(parent, sp.end)
	}
	return idx
}

// extend grows the node and all its ancestors to cover end
func (b *treeBuilder) extend(idx, end int) {
	for i := idx; i != none; i = b.parents[i] {
		if b.nodes[i].EndOffset < end {
			b.nodes[i].EndOffset = end
		}
	}
}

func (b *treeBuilder) locate(f string) (span, bool) {
	sp, ok := b.loc.locate(f)
	if !ok {
		b.warnings = append(b.warnings, fmt.Sprintf("fragment not found in clean text: %q", truncateTitle(f)))
		b.unparsed = append(b.unparsed, f)
	}
	return sp, ok
}

// orphan records a paragraph or point marker seen before any article
func (b *treeBuilder) orphan(f, kind string) {
	b.warnings = append(b.warnings, fmt.Sprintf("%s outside any article skipped: %q", kind, truncateTitle(f)))
	b.unparsed = append(b.unparsed, f)
	// keep the cursor monotonic past the skipped text
	b.loc.locate(f)
}

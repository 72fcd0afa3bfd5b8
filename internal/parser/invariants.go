package parser

import (
	"fmt"
	"path"
	"sort"

	"github.com/ppiankov/regtruth/internal/model"
)

// checkInvariants validates the node set against the clean text.
// Every violation is reported; none aborts the parse.
func checkInvariants(nodes []model.ProvisionNode, textLen int, coveragePercent, minCoverage float64) []string {
	var violations []string

	byPath := make(map[string]model.ProvisionNode, len(nodes))
	children := make(map[string][]model.ProvisionNode)

	for _, n := range nodes {
		if n.StartOffset < 0 || n.EndOffset > textLen || n.StartOffset >= n.EndOffset {
			violations = append(violations, fmt.Sprintf("%s: span [%d,%d) invalid for clean text of length %d",
				n.NodePath, n.StartOffset, n.EndOffset, textLen))
		}
		if got := pathDepth(n.NodePath); got != n.Depth {
			violations = append(violations, fmt.Sprintf("%s: depth %d does not match path depth %d", n.NodePath, n.Depth, got))
		}
		if parent := path.Dir(n.NodePath); n.ParentPath != "" && parent != n.ParentPath {
			violations = append(violations, fmt.Sprintf("%s: parent path %s is not its prefix", n.NodePath, n.ParentPath))
		}
		if prev, dup := byPath[n.NodePath]; dup && n.Label != BulletLabel {
			violations = append(violations, fmt.Sprintf("%s: duplicate path (order %d and %d)", n.NodePath, prev.OrderIndex, n.OrderIndex))
		} else if !dup {
			byPath[n.NodePath] = n
		}
		children[n.ParentPath] = append(children[n.ParentPath], n)
	}

	for parentPath, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[i].OrderIndex < kids[j].OrderIndex })

		parent, hasParent := byPath[parentPath]
		if parentPath != "" && !hasParent {
			violations = append(violations, fmt.Sprintf("%s: parent node missing", parentPath))
		}
		for i, k := range kids {
			if hasParent && (k.StartOffset < parent.StartOffset || k.EndOffset > parent.EndOffset) {
				violations = append(violations, fmt.Sprintf("%s: span escapes parent %s", k.NodePath, parentPath))
			}
			if i > 0 && kids[i-1].EndOffset > k.StartOffset {
				violations = append(violations, fmt.Sprintf("%s: overlaps preceding sibling %s", k.NodePath, kids[i-1].NodePath))
			}
		}
	}

	if len(nodes) > 0 && coveragePercent < minCoverage {
		violations = append(violations, fmt.Sprintf("coverage %.1f%% below minimum %.1f%%", coveragePercent, minCoverage))
	}

	sort.Strings(violations)
	return violations
}

// coverage merges non-container spans and returns the covered byte count
func coverage(nodes []model.ProvisionNode) int {
	spans := make([]span, 0, len(nodes))
	for _, n := range nodes {
		if !n.IsContainer && n.EndOffset > n.StartOffset {
			spans = append(spans, span{start: n.StartOffset, end: n.EndOffset})
		}
	}
	if len(spans) == 0 {
		return 0
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	total := 0
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.start <= cur.end {
			if s.end > cur.end {
				cur.end = s.end
			}
			continue
		}
		total += cur.len()
		cur = s
	}
	return total + cur.len()
}

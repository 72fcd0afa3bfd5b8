package parser

import (
	"regexp"
	"strings"

	"github.com/ppiankov/regtruth/internal/model"
)

var (
	// "Članak 15.", "Članak 15.a", "Članak 15 a" - the header is the whole fragment
	articleHeaderPattern = regexp.MustCompile(`^(?i:članak|clanak)\s+(\d+)\s*\.?\s*([a-z])?\s*\.?$`)
	stavakHeaderPattern  = regexp.MustCompile(`^\((\d+)\)(?:\s|$)`)
	letterLabelPattern   = regexp.MustCompile(`^([a-z])\)(?:\s|$)`)
	// at most three digits, so a sentence opening with a year stays prose
	numberLabelPattern   = regexp.MustCompile(`^(\d{1,3})\.(?:\s|$)`)
	bulletLabelPattern   = regexp.MustCompile(`^[-–—•·▪]\s`)
)

// BulletLabel is the label every bullet-glyph point is normalized to
const BulletLabel = "bullet"

// labelStyle distinguishes point numbering schemes; a change of style opens a sub-point
type labelStyle int

const (
	styleNone labelStyle = iota
	styleLetter
	styleNumber
	styleBullet
)

// ParseArticleNumber returns the normalized number of an article header
// ("Članak 15.a" -> "15a") or "" if text is not an article header.
func ParseArticleNumber(text string) string {
	m := articleHeaderPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ""
	}
	return m[1] + m[2]
}

// ParseStavakNumber returns the paragraph number of a "(n)" header or "".
func ParseStavakNumber(text string) string {
	m := stavakHeaderPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ""
	}
	return m[1]
}

// ParseTockaLabel returns the point label ("a", "3" or "bullet") or "".
func ParseTockaLabel(text string) string {
	label, _ := parsePointLabel(text)
	return label
}

func parsePointLabel(text string) (string, labelStyle) {
	text = strings.TrimSpace(text)
	if m := letterLabelPattern.FindStringSubmatch(text); m != nil {
		return m[1], styleLetter
	}
	if m := numberLabelPattern.FindStringSubmatch(text); m != nil {
		return m[1], styleNumber
	}
	if bulletLabelPattern.MatchString(text + " ") {
		return BulletLabel, styleBullet
	}
	return "", styleNone
}

// PathToken is one numbering token of a node path
type PathToken struct {
	Type  model.NodeType
	Label string
}

var pathSegmentNames = map[model.NodeType]string{
	model.NodeDocument: "dokument",
	model.NodeTitle:    "naslov",
	model.NodeChapter:  "glava",
	model.NodePart:     "dio",
	model.NodeClanak:   "članak",
	model.NodeStavak:   "stavak",
	model.NodeTocka:    "točka",
	model.NodePodtocka: "podtočka",
}

// BuildNodePath renders tokens outer-to-inner as "/članak:28/stavak:1/točka:a".
func BuildNodePath(tokens ...PathToken) string {
	var b strings.Builder
	for _, t := range tokens {
		name, ok := pathSegmentNames[t.Type]
		if !ok {
			name = strings.ToLower(string(t.Type))
		}
		b.WriteByte('/')
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(t.Label)
	}
	return b.String()
}

// pathDepth counts the segments of a node path
func pathDepth(path string) int {
	return strings.Count(path, "/")
}

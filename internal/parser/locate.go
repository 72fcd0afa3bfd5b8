package parser

import (
	"regexp"
	"strings"
)

// locator finds fragments in clean text, only ever moving forward
type locator struct {
	text   string
	cursor int
}

type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// locate matches fragment at or after the cursor, tolerating any whitespace
// between its words, and advances the cursor past the match.
func (l *locator) locate(fragment string) (span, bool) {
	words := strings.Fields(fragment)
	if len(words) == 0 || l.cursor >= len(l.text) {
		return span{}, false
	}

	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	re, err := regexp.Compile(strings.Join(quoted, `\s+`))
	if err != nil {
		return span{}, false
	}
	loc := re.FindStringIndex(l.text[l.cursor:])
	if loc == nil {
		return span{}, false
	}
	s := span{start: l.cursor + loc[0], end: l.cursor + loc[1]}
	l.cursor = s.end
	return s, true
}

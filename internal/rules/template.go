package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var errEmptyPattern = errors.New("pattern is empty")

// placeholderRegex matches {last:N} and {first:N} in Mask replacements.
// Any other brace sequence is literal text.
var placeholderRegex = regexp.MustCompile(`\{(last|first):(\d+)\}`)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segFirst
	segLast
)

type segment struct {
	kind segmentKind
	text string
	n    int
}

// Template is a compiled Mask replacement.
type Template struct {
	segments []segment
	static   bool
}

func parseTemplate(s string) (Template, error) {
	var t Template
	pos := 0
	for _, loc := range placeholderRegex.FindAllStringSubmatchIndex(s, -1) {
		if loc[0] > pos {
			t.segments = append(t.segments, segment{kind: segLiteral, text: s[pos:loc[0]]})
		}
		n, err := strconv.Atoi(s[loc[4]:loc[5]])
		if err != nil || n <= 0 {
			return Template{}, fmt.Errorf("invalid placeholder %q in replacement", s[loc[0]:loc[1]])
		}
		kind := segLast
		if s[loc[2]:loc[3]] == "first" {
			kind = segFirst
		}
		t.segments = append(t.segments, segment{kind: kind, n: n})
		pos = loc[1]
	}
	if pos < len(s) {
		t.segments = append(t.segments, segment{kind: segLiteral, text: s[pos:]})
	}
	t.static = len(t.segments) <= 1 && (len(t.segments) == 0 || t.segments[0].kind == segLiteral)
	return t, nil
}

// Render expands the template against the matched value.
func (t Template) Render(value string) string {
	if t.static {
		if len(t.segments) == 0 {
			return ""
		}
		return t.segments[0].text
	}

	runes := []rune(value)
	var b strings.Builder
	for _, seg := range t.segments {
		switch seg.kind {
		case segLiteral:
			b.WriteString(seg.text)
		case segFirst:
			b.WriteString(string(runes[:min(seg.n, len(runes))]))
		case segLast:
			b.WriteString(string(runes[len(runes)-min(seg.n, len(runes)):]))
		}
	}
	return b.String()
}

// MaskTemplate returns the compiled replacement of a Mask rule.
func (r *Rule) MaskTemplate() Template {
	return r.template
}

// Package matcher finds non-overlapping rule matches in a single line.
package matcher

import (
	"sort"
	"unicode/utf8"

	"github.com/bimmerbailey/phantom/internal/rules"
)

// Match is a region of a line claimed by one rule. Start and End are byte
// offsets into the line, End exclusive.
type Match struct {
	Rule  *rules.Rule
	Start int
	End   int
	Text  string
}

// Len returns the byte length of the match.
func (m Match) Len() int {
	return m.End - m.Start
}

func (m Match) overlaps(o Match) bool {
	return m.Start < o.End && o.Start < m.End
}

// Scan evaluates every enabled rule against line and returns the surviving
// matches sorted by start offset. The result never contains overlapping
// matches, and never contains bytes that are not valid UTF-8.
func Scan(line string, rs *rules.RuleSet) []Match {
	if rs == nil || !rs.Enabled || line == "" {
		return nil
	}

	spans := validSpans(line)
	var candidates []Match
	for _, rule := range rs.Rules() {
		if !rule.Enabled {
			continue
		}
		for _, sp := range spans {
			candidates = appendCandidates(candidates, rule, line, sp)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return resolve(candidates, rs.Policy)
}

func appendCandidates(dst []Match, rule *rules.Rule, line string, sp span) []Match {
	text := line[sp.start:sp.end]
	g := rule.ValueGroup()
	for _, loc := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		if g > 0 {
			// A value group that did not participate leaves nothing to obfuscate.
			if loc[2*g] < 0 {
				continue
			}
			start, end = loc[2*g], loc[2*g+1]
		}
		if start == end {
			continue
		}
		start += sp.start
		end += sp.start
		dst = append(dst, Match{Rule: rule, Start: start, End: end, Text: line[start:end]})
	}
	return dst
}

// resolve orders candidates by policy priority, greedily keeps those that do
// not overlap an already kept match, and returns them by start offset.
func resolve(candidates []Match, policy rules.Policy) []Match {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch policy {
		case rules.RuleOrder:
			if a.Rule.Index != b.Rule.Index {
				return a.Rule.Index < b.Rule.Index
			}
			if a.Len() != b.Len() {
				return a.Len() > b.Len()
			}
		default:
			if a.Len() != b.Len() {
				return a.Len() > b.Len()
			}
			if a.Rule.Index != b.Rule.Index {
				return a.Rule.Index < b.Rule.Index
			}
		}
		return a.Start < b.Start
	})

	kept := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		free := true
		for _, k := range kept {
			if c.overlaps(k) {
				free = false
				break
			}
		}
		if free {
			kept = append(kept, c)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

type span struct {
	start, end int
}

// validSpans splits line into maximal runs of valid UTF-8.
func validSpans(line string) []span {
	if utf8.ValidString(line) {
		return []span{{0, len(line)}}
	}

	var spans []span
	start := -1
	for i := 0; i < len(line); {
		r, size := utf8.DecodeRuneInString(line[i:])
		if r == utf8.RuneError && size == 1 {
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
			i++
			continue
		}
		if start < 0 {
			start = i
		}
		i += size
	}
	if start >= 0 {
		spans = append(spans, span{start, len(line)})
	}
	return spans
}

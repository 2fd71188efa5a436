package obfuscate

import (
	"sort"
	"strings"

	"github.com/bimmerbailey/phantom/internal/trace"
)

// Detokenizer restores original values for every token in a trace map.
type Detokenizer struct {
	replacer *strings.Replacer
	size     int
}

// NewDetokenizer snapshots tm. Tokens issued after construction are not
// reversed.
func NewDetokenizer(tm *trace.TraceMap) *Detokenizer {
	entries := tm.Snapshot()

	// Longer tokens first so a prefix of one token never shadows another.
	tokens := make([]string, 0, len(entries))
	for tok := range entries {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	pairs := make([]string, 0, 2*len(tokens))
	for _, tok := range tokens {
		pairs = append(pairs, tok, entries[tok])
	}
	return &Detokenizer{replacer: strings.NewReplacer(pairs...), size: len(tokens)}
}

// Len returns the number of tokens the detokenizer knows.
func (d *Detokenizer) Len() int {
	return d.size
}

// Line replaces every known token in line with its original value.
func (d *Detokenizer) Line(line string) string {
	if d.size == 0 {
		return line
	}
	return d.replacer.Replace(line)
}

// Detokenize reverses every token of tm found in line.
func Detokenize(line string, tm *trace.TraceMap) string {
	return NewDetokenizer(tm).Line(line)
}

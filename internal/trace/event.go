// Package trace records what the obfuscator did: per-application events,
// run-wide counters, and the token map that makes Tokenize reversible.
package trace

import (
	"fmt"

	"github.com/bimmerbailey/phantom/internal/rules"
)

// Event describes one obfuscation applied to one match. It never carries the
// original value.
type Event struct {
	Rule              string         `json:"rule"`
	Severity          rules.Severity `json:"severity"`
	Method            rules.Method   `json:"method"`
	Line              int64          `json:"line"`
	Start             int            `json:"start"`
	End               int            `json:"end"`
	OriginalLength    int            `json:"original_length"`
	ReplacementLength int            `json:"replacement_length"`
	Token             string         `json:"token,omitempty"`
}

// TokenCollisionError is returned when a token already maps to a different
// original value. Continuing would make detokenization ambiguous.
type TokenCollisionError struct {
	Token string
	Rule  string
}

func (e *TokenCollisionError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("token collision on %s", e.Token)
	}
	return fmt.Sprintf("token collision on %s (rule %q)", e.Token, e.Rule)
}

// Package rules compiles obfuscation rule definitions into an immutable,
// validated RuleSet shared read-only by every pipeline worker.
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Method is the obfuscation applied to a matched value. The set is closed;
// configuration strings are resolved to a Method once, at compile time.
type Method int

const (
	Phantom  Method = iota // mask all but a preserved prefix with a filler glyph
	Vanish                 // remove the match entirely
	Mirror                 // keyed one-way digest
	Mask                   // fixed literal template
	Tokenize               // reversible opaque token recorded in the trace map
)

var methodNames = [...]string{
	Phantom:  "Phantom",
	Vanish:   "Vanish",
	Mirror:   "Mirror",
	Mask:     "Mask",
	Tokenize: "Tokenize",
}

// String returns the canonical name of the method.
func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "Unknown"
	}
	return methodNames[m]
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(b []byte) error {
	v, ok := ParseMethod(string(b))
	if !ok {
		return fmt.Errorf("unknown obfuscation method %q", string(b))
	}
	*m = v
	return nil
}

// ParseMethod converts a configuration string to a Method, ignoring case.
func ParseMethod(s string) (Method, bool) {
	for i, name := range methodNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Method(i), true
		}
	}
	return 0, false
}

// Severity classifies how sensitive the data matched by a rule is.
type Severity int

const (
	Critical Severity = iota // PCI data, credentials
	High                     // direct PII
	Medium                   // indirect identifiers
	Low
)

var severityNames = [...]string{
	Critical: "Critical",
	High:     "High",
	Medium:   "Medium",
	Low:      "Low",
}

// Severities lists every severity from most to least severe.
func Severities() []Severity {
	return []Severity{Critical, High, Medium, Low}
}

// String returns the canonical name of the severity.
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "Unknown"
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler so severities can key JSON maps.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, ok := ParseSeverity(string(b))
	if !ok {
		return fmt.Errorf("unknown severity %q", string(b))
	}
	*s = v
	return nil
}

// ParseSeverity converts a configuration string to a Severity, ignoring case.
func ParseSeverity(s string) (Severity, bool) {
	for i, name := range severityNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Severity(i), true
		}
	}
	return 0, false
}

// Policy decides which candidate survives when two matches overlap.
type Policy int

const (
	// LongestMatch keeps the longest candidate; equal lengths fall back to
	// the rule that appears first in the set.
	LongestMatch Policy = iota
	// RuleOrder keeps the candidate from the earliest rule; equal rules fall
	// back to the longer candidate.
	RuleOrder
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case RuleOrder:
		return "rule-order"
	default:
		return "longest"
	}
}

// ParsePolicy converts a configuration string to a Policy. The empty string
// selects LongestMatch.
func ParsePolicy(s string) (Policy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "longest", "longest-match":
		return LongestMatch, true
	case "rule-order", "first", "order":
		return RuleOrder, true
	default:
		return LongestMatch, false
	}
}

// Definition is the uncompiled form of a rule as it appears in configuration.
type Definition struct {
	Name          string `mapstructure:"name" json:"name" yaml:"name"`
	Pattern       string `mapstructure:"pattern" json:"pattern" yaml:"pattern"`
	Method        string `mapstructure:"method" json:"method" yaml:"method"`
	Severity      string `mapstructure:"severity" json:"severity" yaml:"severity"`
	Replacement   string `mapstructure:"replacement" json:"replacement,omitempty" yaml:"replacement,omitempty"`
	PreserveChars *int   `mapstructure:"preserve_chars" json:"preserve_chars,omitempty" yaml:"preserve_chars,omitempty"`
	Salt          string `mapstructure:"salt" json:"salt,omitempty" yaml:"salt,omitempty"`
	TokenPrefix   string `mapstructure:"token_prefix" json:"token_prefix,omitempty" yaml:"token_prefix,omitempty"`
	Filler        string `mapstructure:"filler" json:"filler,omitempty" yaml:"filler,omitempty"`
	DigestLength  int    `mapstructure:"digest_length" json:"digest_length,omitempty" yaml:"digest_length,omitempty"`
	CaseSensitive *bool  `mapstructure:"case_sensitive" json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	Enabled       *bool  `mapstructure:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil means enabled
}

// Rule is a compiled, immutable rule.
type Rule struct {
	Name          string
	Index         int // position in the RuleSet, used for tie-breaking
	Pattern       *regexp.Regexp
	Method        Method
	Severity      Severity
	Replacement   string
	PreserveChars int
	Salt          string
	TokenPrefix   string
	Filler        string
	DigestLength  int
	CaseSensitive bool
	Enabled       bool

	// valueGroup is the submatch index of the named group "value", or 0 when
	// the whole match is the region to obfuscate.
	valueGroup int
	template   Template
}

// ValueGroup returns the submatch index that bounds the obfuscated region.
// Zero means the entire match.
func (r *Rule) ValueGroup() int {
	return r.valueGroup
}

// RuleSet is an ordered, immutable collection of compiled rules.
type RuleSet struct {
	rules         []*Rule
	byName        map[string]*Rule
	Enabled       bool
	CaseSensitive bool
	Policy        Policy
}

// Rules returns the rules in evaluation order. The slice must not be modified.
func (rs *RuleSet) Rules() []*Rule {
	if rs == nil {
		return nil
	}
	return rs.rules
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Lookup returns the rule with the given name.
func (rs *RuleSet) Lookup(name string) (*Rule, bool) {
	if rs == nil {
		return nil, false
	}
	r, ok := rs.byName[name]
	return r, ok
}

// BySeverity returns the rules at the given severity, in set order.
func (rs *RuleSet) BySeverity(sev Severity) []*Rule {
	var out []*Rule
	for _, r := range rs.Rules() {
		if r.Severity == sev {
			out = append(out, r)
		}
	}
	return out
}

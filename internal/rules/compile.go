package rules

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultFiller is the glyph Phantom writes over masked characters.
	DefaultFiller = "█"

	// DefaultPreserveChars is used by Phantom rules that leave preserve_chars unset.
	DefaultPreserveChars = 2

	// DefaultDigestLength is the number of digest bytes Mirror renders.
	DefaultDigestLength = 8

	// DefaultMaskReplacement is used by Mask rules without a replacement.
	DefaultMaskReplacement = "[PHANTOMED]"

	// ValueGroupName names the optional submatch that narrows the obfuscated region.
	ValueGroupName = "value"
)

// Options are the rule-set wide settings applied during compilation.
type Options struct {
	Enabled       bool
	CaseSensitive bool
	Policy        Policy
}

// Compile validates and compiles definitions into a RuleSet. It stops at the
// first invalid definition and never returns a partial set.
func Compile(defs []Definition, opts Options) (*RuleSet, error) {
	rs := &RuleSet{
		rules:         make([]*Rule, 0, len(defs)),
		byName:        make(map[string]*Rule, len(defs)),
		Enabled:       opts.Enabled,
		CaseSensitive: opts.CaseSensitive,
		Policy:        opts.Policy,
	}

	for i, def := range defs {
		rule, err := compileRule(def, i, opts.CaseSensitive)
		if err != nil {
			return nil, err
		}
		if _, dup := rs.byName[rule.Name]; dup {
			return nil, &InvalidRuleConfigError{Rule: rule.Name, Reason: "duplicate rule name"}
		}
		rs.rules = append(rs.rules, rule)
		rs.byName[rule.Name] = rule
	}

	return rs, nil
}

func compileRule(def Definition, index int, caseSensitive bool) (*Rule, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, &InvalidRuleConfigError{Reason: "rule name is required"}
	}
	if def.Pattern == "" {
		return nil, &InvalidPatternError{Rule: name, Pattern: def.Pattern, Err: errEmptyPattern}
	}

	method, ok := ParseMethod(def.Method)
	if !ok {
		return nil, &InvalidRuleConfigError{Rule: name, Reason: "unknown method " + strconv.Quote(def.Method)}
	}
	severity, ok := ParseSeverity(def.Severity)
	if !ok {
		return nil, &InvalidRuleConfigError{Rule: name, Reason: "unknown severity " + strconv.Quote(def.Severity)}
	}

	if def.CaseSensitive != nil {
		caseSensitive = *def.CaseSensitive
	}
	expr := def.Pattern
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &InvalidPatternError{Rule: name, Pattern: def.Pattern, Err: err}
	}

	rule := &Rule{
		Name:          name,
		Index:         index,
		Pattern:       re,
		Method:        method,
		Severity:      severity,
		Replacement:   def.Replacement,
		Salt:          def.Salt,
		TokenPrefix:   def.TokenPrefix,
		Filler:        def.Filler,
		DigestLength:  def.DigestLength,
		CaseSensitive: caseSensitive,
		Enabled:       def.Enabled == nil || *def.Enabled,
		valueGroup:    re.SubexpIndex(ValueGroupName),
	}
	if rule.valueGroup < 0 {
		rule.valueGroup = 0
	}

	if err := applyMethodParams(rule, def); err != nil {
		return nil, err
	}
	return rule, nil
}

// applyMethodParams fills method defaults and rejects missing required parameters.
func applyMethodParams(rule *Rule, def Definition) error {
	switch rule.Method {
	case Phantom:
		rule.PreserveChars = DefaultPreserveChars
		if def.PreserveChars != nil {
			if *def.PreserveChars < 0 {
				return &InvalidRuleConfigError{Rule: rule.Name, Reason: "preserve_chars must not be negative"}
			}
			rule.PreserveChars = *def.PreserveChars
		}
		if rule.Filler == "" {
			rule.Filler = DefaultFiller
		}
		if utf8.RuneCountInString(rule.Filler) != 1 {
			return &InvalidRuleConfigError{Rule: rule.Name, Reason: "filler must be a single character"}
		}
	case Mask:
		if rule.Replacement == "" {
			rule.Replacement = DefaultMaskReplacement
		}
		tmpl, err := parseTemplate(rule.Replacement)
		if err != nil {
			return &InvalidRuleConfigError{Rule: rule.Name, Reason: err.Error()}
		}
		rule.template = tmpl
	case Mirror:
		if rule.Salt == "" {
			return &InvalidRuleConfigError{Rule: rule.Name, Reason: "Mirror requires a salt"}
		}
		if rule.DigestLength == 0 {
			rule.DigestLength = DefaultDigestLength
		}
		if rule.DigestLength < 4 || rule.DigestLength > 32 {
			return &InvalidRuleConfigError{Rule: rule.Name, Reason: "digest_length must be between 4 and 32"}
		}
	case Tokenize:
		if strings.TrimSpace(rule.TokenPrefix) == "" {
			return &InvalidRuleConfigError{Rule: rule.Name, Reason: "Tokenize requires a token_prefix"}
		}
	case Vanish:
	}
	return nil
}

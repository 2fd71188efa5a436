package rules

import "fmt"

// InvalidPatternError reports a rule whose pattern does not compile.
type InvalidPatternError struct {
	Rule    string
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("rule %q: invalid pattern %q: %v", e.Rule, e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }

// InvalidRuleConfigError reports a rule whose method parameters, method, or
// severity are missing or malformed.
type InvalidRuleConfigError struct {
	Rule   string
	Reason string
}

func (e *InvalidRuleConfigError) Error() string {
	if e.Rule == "" {
		return "invalid rule configuration: " + e.Reason
	}
	return fmt.Sprintf("rule %q: %s", e.Rule, e.Reason)
}

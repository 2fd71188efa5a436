package rules

// DefaultMirrorSalt keys the built-in ssn rule. Deployments should override it.
const DefaultMirrorSalt = "phantom-default-salt"

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

// Built-in rule definitions for common regulated data.
// Order matters: it is the tie-breaker when two matches have equal length.
var builtinDefinitions = []Definition{
	{
		Name:        "credit_card",
		Pattern:     `\b(?:\d{4}[-\s]?){3}\d{4}\b`,
		Method:      "Mask",
		Severity:    "Critical",
		Replacement: "████-████-████-{last:4}",
	},
	{
		Name:     "ssn",
		Pattern:  `\b\d{3}-\d{2}-\d{4}\b`,
		Method:   "Mirror",
		Severity: "High",
		Salt:     DefaultMirrorSalt,
	},
	{
		// Only the local part is obfuscated; the domain stays readable.
		Name:          "email",
		Pattern:       `\b(?P<value>[A-Za-z0-9._%+-]+)@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		Method:        "Phantom",
		Severity:      "High",
		PreserveChars: intPtr(3),
	},
	{
		Name:          "phone",
		Pattern:       `\b(?:\+1[-.\s]?)?(?:\([0-9]{3}\)|[0-9]{3})[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`,
		Method:        "Phantom",
		Severity:      "Medium",
		PreserveChars: intPtr(4),
	},
	{
		Name:        "ip_address",
		Pattern:     `\b(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)(?:\.(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)){3}\b`,
		Method:      "Mask",
		Severity:    "Medium",
		Replacement: "XXX.XXX.XXX.XXX",
	},
	{
		Name:        "api_key",
		Pattern:     `\bapi[_-]?key[:\s=]+[\w\-]{20,}\b`,
		Method:      "Mask",
		Severity:    "Critical",
		Replacement: "[API_KEY_PHANTOMED]",
	},
	{
		Name:          "aws_access_key",
		Pattern:       `\bAKIA[0-9A-Z]{16}\b`,
		Method:        "Mask",
		Severity:      "Critical",
		Replacement:   "[AWS_KEY_PHANTOMED]",
		CaseSensitive: boolPtr(true),
	},
	{
		Name:        "password",
		Pattern:     `\bpassword[:\s=]+\S+`,
		Method:      "Mask",
		Severity:    "Critical",
		Replacement: "[PASSWORD_PHANTOMED]",
	},
	{
		Name:          "jwt",
		Pattern:       `\beyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*\b`,
		Method:        "Mask",
		Severity:      "Critical",
		Replacement:   "[JWT_PHANTOMED]",
		CaseSensitive: boolPtr(true),
	},
	{
		Name:          "private_key",
		Pattern:       `-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`,
		Method:        "Mask",
		Severity:      "Critical",
		Replacement:   "[PRIVATE_KEY_PHANTOMED]",
		CaseSensitive: boolPtr(true),
	},
}

// DefaultDefinitions returns a fresh copy of the built-in rule definitions.
func DefaultDefinitions() []Definition {
	out := make([]Definition, len(builtinDefinitions))
	copy(out, builtinDefinitions)
	return out
}

// BuiltinNames returns the names of the built-in rules in evaluation order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinDefinitions))
	for _, d := range builtinDefinitions {
		names = append(names, d.Name)
	}
	return names
}

// Builtins returns the built-in definitions matching the given names.
// Unknown names are silently ignored.
func Builtins(names []string) []Definition {
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		for _, d := range builtinDefinitions {
			if d.Name == name {
				defs = append(defs, d)
				break
			}
		}
	}
	return defs
}

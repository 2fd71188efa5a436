package obfuscate

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/bimmerbailey/phantom/internal/matcher"
	"github.com/bimmerbailey/phantom/internal/rules"
	"github.com/bimmerbailey/phantom/internal/trace"
)

func mustCompile(t *testing.T, defs ...rules.Definition) *rules.RuleSet {
	t.Helper()
	rs, err := rules.Compile(defs, rules.Options{Enabled: true, CaseSensitive: true})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return rs
}

func run(t *testing.T, o *Obfuscator, rs *rules.RuleSet, line string) (string, []trace.Event) {
	t.Helper()
	out, events, err := o.Apply(line, matcher.Scan(line, rs), 1)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return out, events
}

func TestApplyDefaultRules(t *testing.T) {
	rs, err := rules.Compile(rules.DefaultDefinitions(), rules.Options{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	o := New(trace.NewTraceMap())

	got, events := run(t, o, rs, "User: john.doe@example.com, Card: 4532-1234-5678-9012")
	want := "User: joh█████@example.com, Card: ████-████-████-9012"
	if got != want {
		t.Errorf("Apply() = %q, want %q", got, want)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Rule != "email" || events[0].Severity != rules.High || events[0].Method != rules.Phantom {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].Rule != "credit_card" || events[1].Severity != rules.Critical || events[1].OriginalLength != 19 {
		t.Errorf("event[1] = %+v", events[1])
	}
}

func TestApplyMethods(t *testing.T) {
	three := 3
	tests := []struct {
		name string
		def  rules.Definition
		line string
		want string
	}{
		{
			name: "phantom default preserve",
			def:  rules.Definition{Name: "p", Pattern: `secret\w+`, Method: "Phantom", Severity: "Low"},
			line: "key secretvalue end",
			want: "key se█████████ end",
		},
		{
			name: "phantom custom filler",
			def:  rules.Definition{Name: "p", Pattern: `\d+`, Method: "Phantom", Severity: "Low", PreserveChars: &three, Filler: "*"},
			line: "id 1234567",
			want: "id 123****",
		},
		{
			name: "phantom short value fully filled",
			def:  rules.Definition{Name: "p", Pattern: `\d+`, Method: "Phantom", Severity: "Low", PreserveChars: &three},
			line: "n=42",
			want: "n=██",
		},
		{
			name: "vanish",
			def:  rules.Definition{Name: "v", Pattern: ` token=\S+`, Method: "Vanish", Severity: "Low"},
			line: "login token=abc ok",
			want: "login ok",
		},
		{
			name: "mask literal",
			def:  rules.Definition{Name: "m", Pattern: `\d{3}-\d{2}-\d{4}`, Method: "Mask", Severity: "High", Replacement: "[SSN]"},
			line: "ssn 123-45-6789.",
			want: "ssn [SSN].",
		},
		{
			name: "mask default",
			def:  rules.Definition{Name: "m", Pattern: `hunter2`, Method: "Mask", Severity: "High"},
			line: "pw hunter2",
			want: "pw [PHANTOMED]",
		},
		{
			name: "multibyte phantom",
			def:  rules.Definition{Name: "p", Pattern: `ñandú\w*`, Method: "Phantom", Severity: "Low"},
			line: "ave ñandúes",
			want: "ave ña█████",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := mustCompile(t, tt.def)
			got, events := run(t, New(nil), rs, tt.line)
			if got != tt.want {
				t.Errorf("Apply() = %q, want %q", got, tt.want)
			}
			if len(events) != 1 {
				t.Errorf("got %d events, want 1", len(events))
			}
		})
	}
}

func TestMirrorDeterministic(t *testing.T) {
	def := rules.Definition{Name: "ssn", Pattern: `\d{3}-\d{2}-\d{4}`, Method: "Mirror", Severity: "High", Salt: "pepper"}
	rs := mustCompile(t, def)
	o := New(nil)

	a, _ := run(t, o, rs, "ssn 123-45-6789")
	b, _ := run(t, New(nil), rs, "ssn 123-45-6789")
	if a != b {
		t.Errorf("Mirror not deterministic: %q vs %q", a, b)
	}
	if !regexp.MustCompile(`^ssn PHANTOM_[0-9A-F]{16}$`).MatchString(a) {
		t.Errorf("Mirror output = %q", a)
	}

	c, _ := run(t, o, rs, "ssn 123-45-6780")
	if a == c {
		t.Error("different values should produce different digests")
	}

	def.Salt = "salt"
	other, _ := run(t, o, mustCompile(t, def), "ssn 123-45-6789")
	if other == a {
		t.Error("different salts should produce different digests")
	}

	def.DigestLength = 4
	short, _ := run(t, o, mustCompile(t, def), "ssn 123-45-6789")
	if len(short) != len("ssn PHANTOM_")+8 {
		t.Errorf("digest_length 4 output = %q", short)
	}
}

func TestTokenizeAndDetokenize(t *testing.T) {
	rs := mustCompile(t, rules.Definition{
		Name: "customer", Pattern: `CUST-\d{6}`, Method: "Tokenize", Severity: "Medium", TokenPrefix: "CUST",
	})
	tm := trace.NewTraceMap()
	o := New(tm)

	line := "order for CUST-123456 and CUST-654321, again CUST-123456"
	got, events := run(t, o, rs, line)

	if strings.Contains(got, "CUST-") {
		t.Errorf("original ids leaked: %q", got)
	}
	tokenRe := regexp.MustCompile(`CUST_[0-9A-F]{16}`)
	tokens := tokenRe.FindAllString(got, -1)
	if len(tokens) != 3 {
		t.Fatalf("found %d tokens in %q", len(tokens), got)
	}
	if tokens[0] != tokens[2] || tokens[0] == tokens[1] {
		t.Errorf("tokens = %v; same value must map to the same token", tokens)
	}
	if tm.Len() != 2 {
		t.Errorf("TraceMap.Len() = %d, want 2", tm.Len())
	}
	for i, ev := range events {
		if ev.Token != tokens[i] {
			t.Errorf("event %d token = %q, want %q", i, ev.Token, tokens[i])
		}
	}

	if back := Detokenize(got, tm); back != line {
		t.Errorf("Detokenize() = %q, want %q", back, line)
	}
}

func TestTokenizeCollision(t *testing.T) {
	rs := mustCompile(t, rules.Definition{
		Name: "customer", Pattern: `CUST-\d{6}`, Method: "Tokenize", Severity: "Medium", TokenPrefix: "CUST",
	})
	tm := trace.NewTraceMap()
	if err := tm.Insert(Token("CUST", "", "CUST-123456"), "someone else"); err != nil {
		t.Fatal(err)
	}

	line := "CUST-123456"
	_, _, err := New(tm).Apply(line, matcher.Scan(line, rs), 7)
	var collision *trace.TokenCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("Apply() error = %v, want *TokenCollisionError", err)
	}
	if collision.Rule != "customer" {
		t.Errorf("collision rule = %q", collision.Rule)
	}
}

func TestStagingCommit(t *testing.T) {
	rs := mustCompile(t, rules.Definition{
		Name: "customer", Pattern: `CUST-\d{6}`, Method: "Tokenize", Severity: "Medium", TokenPrefix: "CUST",
	})
	tm := trace.NewTraceMap()
	o := New(tm)

	st := o.Stage()
	line := "CUST-111111 and CUST-222222 and CUST-111111"
	got, events, err := st.Apply(line, matcher.Scan(line, rs), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || strings.Contains(got, "CUST-") {
		t.Fatalf("Apply() = %q with %d events", got, len(events))
	}
	if st.Len() != 2 || tm.Len() != 0 {
		t.Fatalf("staged %d, trace map %d before commit", st.Len(), tm.Len())
	}
	if err := st.Commit(); err != nil {
		t.Fatal(err)
	}
	if tm.Len() != 2 {
		t.Errorf("TraceMap.Len() = %d after commit, want 2", tm.Len())
	}
	if back := Detokenize(got, tm); back != line {
		t.Errorf("Detokenize() = %q, want %q", back, line)
	}

	// An abandoned staging never reaches the map.
	other := "CUST-333333"
	if _, _, err := o.Stage().Apply(other, matcher.Scan(other, rs), 2); err != nil {
		t.Fatal(err)
	}
	if tm.Len() != 2 {
		t.Errorf("abandoned staging recorded tokens: %v", tm.Tokens())
	}
}

func TestStagingCommitCollision(t *testing.T) {
	rs := mustCompile(t, rules.Definition{
		Name: "customer", Pattern: `CUST-\d{6}`, Method: "Tokenize", Severity: "Medium", TokenPrefix: "CUST",
	})
	tm := trace.NewTraceMap()
	st := New(tm).Stage()
	line := "CUST-123456"
	if _, _, err := st.Apply(line, matcher.Scan(line, rs), 1); err != nil {
		t.Fatal(err)
	}
	// Another batch commits a different original under the same token first.
	if err := tm.Insert(Token("CUST", "", line), "someone else"); err != nil {
		t.Fatal(err)
	}

	var collision *trace.TokenCollisionError
	if err := st.Commit(); !errors.As(err, &collision) {
		t.Fatalf("Commit() error = %v, want *TokenCollisionError", err)
	}
	if collision.Rule != "customer" {
		t.Errorf("collision rule = %q", collision.Rule)
	}
}

func TestApplyPreservesUnmatchedBytes(t *testing.T) {
	rs := mustCompile(t,
		rules.Definition{Name: "num", Pattern: `\d+`, Method: "Vanish", Severity: "Low"},
		rules.Definition{Name: "upper", Pattern: `[A-Z]{2,}`, Method: "Vanish", Severity: "Low"},
	)
	lines := []string{
		"abc 123 DEF ghi 45",
		"no matches at all\r",
		"bad \xff bytes 99 stay",
		"",
	}
	for _, line := range lines {
		matches := matcher.Scan(line, rs)
		got, _, err := New(nil).Apply(line, matches, 1)
		if err != nil {
			t.Fatal(err)
		}
		var want strings.Builder
		pos := 0
		for _, m := range matches {
			want.WriteString(line[pos:m.Start])
			pos = m.End
		}
		want.WriteString(line[pos:])
		if got != want.String() {
			t.Errorf("Apply(%q) = %q, want %q", line, got, want.String())
		}
	}
}

func TestApplyRejectsUnsortedMatches(t *testing.T) {
	rs := mustCompile(t, rules.Definition{Name: "v", Pattern: `x`, Method: "Vanish", Severity: "Low"})
	r := rs.Rules()[0]
	matches := []matcher.Match{{Rule: r, Start: 2, End: 3}, {Rule: r, Start: 0, End: 1}}
	if _, _, err := New(nil).Apply("x x", matches, 1); err == nil {
		t.Error("Apply() should reject out-of-order matches")
	}
}

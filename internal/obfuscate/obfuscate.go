// Package obfuscate rewrites matched regions of a line according to each
// rule's method and reports one trace event per rewrite.
package obfuscate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bimmerbailey/phantom/internal/matcher"
	"github.com/bimmerbailey/phantom/internal/rules"
	"github.com/bimmerbailey/phantom/internal/trace"
)

// MirrorPrefix starts every Mirror digest.
const MirrorPrefix = "PHANTOM_"

// tokenDigestBytes is the number of SHA-256 bytes rendered into a token.
const tokenDigestBytes = 8

// Obfuscator applies rule methods to matches. Tokenize writes into the trace
// map it was built with; every other method is a pure function of the value.
type Obfuscator struct {
	traces *trace.TraceMap

	// HMAC instances are pooled per salt.
	macPools sync.Map
}

// New creates an Obfuscator that records issued tokens in tm. tm may be nil
// when no rule uses Tokenize.
func New(tm *trace.TraceMap) *Obfuscator {
	return &Obfuscator{traces: tm}
}

// TraceMap returns the map tokens are recorded in.
func (o *Obfuscator) TraceMap() *trace.TraceMap {
	return o.traces
}

// Apply rewrites line in a single left-to-right pass. matches must be
// non-overlapping and sorted by start offset, as returned by matcher.Scan.
// Bytes outside every match are copied unchanged. Issued tokens are recorded
// in the trace map before Apply returns.
func (o *Obfuscator) Apply(line string, matches []matcher.Match, lineNo int64) (string, []trace.Event, error) {
	st := o.Stage()
	text, events, err := st.Apply(line, matches, lineNo)
	if err != nil {
		return "", nil, err
	}
	if err := st.Commit(); err != nil {
		return "", nil, err
	}
	return text, events, nil
}

func (o *Obfuscator) apply(st *Staging, line string, matches []matcher.Match, lineNo int64) (string, []trace.Event, error) {
	if len(matches) == 0 {
		return line, nil, nil
	}

	var b strings.Builder
	b.Grow(len(line))
	events := make([]trace.Event, 0, len(matches))

	pos := 0
	for _, m := range matches {
		if m.Start < pos || m.End > len(line) || m.Start > m.End {
			return "", nil, fmt.Errorf("match %s [%d,%d) out of order at offset %d", m.Rule.Name, m.Start, m.End, pos)
		}
		value := line[m.Start:m.End]
		replacement, token, err := o.replace(st, m.Rule, value)
		if err != nil {
			return "", nil, err
		}

		b.WriteString(line[pos:m.Start])
		b.WriteString(replacement)
		pos = m.End

		events = append(events, trace.Event{
			Rule:              m.Rule.Name,
			Severity:          m.Rule.Severity,
			Method:            m.Rule.Method,
			Line:              lineNo,
			Start:             m.Start,
			End:               m.End,
			OriginalLength:    len(value),
			ReplacementLength: len(replacement),
			Token:             token,
		})
	}
	b.WriteString(line[pos:])

	return b.String(), events, nil
}

// Replace computes the replacement for a single value. token is set only for
// Tokenize rules and is recorded in the trace map before Replace returns.
func (o *Obfuscator) Replace(rule *rules.Rule, value string) (replacement, token string, err error) {
	st := o.Stage()
	if replacement, token, err = o.replace(st, rule, value); err != nil {
		return "", "", err
	}
	if err := st.Commit(); err != nil {
		return "", "", err
	}
	return replacement, token, nil
}

func (o *Obfuscator) replace(st *Staging, rule *rules.Rule, value string) (replacement, token string, err error) {
	switch rule.Method {
	case rules.Phantom:
		return phantom(value, rule.PreserveChars, rule.Filler), "", nil
	case rules.Vanish:
		return "", "", nil
	case rules.Mirror:
		return o.mirror(value, rule.Salt, rule.DigestLength), "", nil
	case rules.Mask:
		return rule.MaskTemplate().Render(value), "", nil
	case rules.Tokenize:
		token = Token(rule.TokenPrefix, rule.Salt, value)
		if err := st.add(token, value, rule.Name); err != nil {
			return "", "", err
		}
		return token, token, nil
	default:
		return "", "", fmt.Errorf("rule %s: unsupported method %v", rule.Name, rule.Method)
	}
}

// Staging holds the tokens issued while rewriting one batch. They reach the
// trace map only on Commit, so a batch that is dropped leaves no tokens
// behind. A Staging is used by one goroutine at a time.
type Staging struct {
	o      *Obfuscator
	tokens map[string]stagedToken
}

type stagedToken struct {
	original string
	rule     string
}

// Stage starts a batch of rewrites whose tokens are committed together.
func (o *Obfuscator) Stage() *Staging {
	return &Staging{o: o}
}

// Apply rewrites line like Obfuscator.Apply but keeps issued tokens in s.
func (s *Staging) Apply(line string, matches []matcher.Match, lineNo int64) (string, []trace.Event, error) {
	return s.o.apply(s, line, matches, lineNo)
}

// Len returns the number of distinct tokens staged.
func (s *Staging) Len() int {
	return len(s.tokens)
}

// add stages token for original. A token already bound to a different
// original, in the trace map or in s, is a collision.
func (s *Staging) add(token, original, rule string) error {
	traces := s.o.traces
	if traces == nil {
		return nil
	}
	if existing, ok := traces.Lookup(token); ok {
		if existing != original {
			return &trace.TokenCollisionError{Token: token, Rule: rule}
		}
		return nil
	}
	if staged, ok := s.tokens[token]; ok {
		if staged.original != original {
			return &trace.TokenCollisionError{Token: token, Rule: rule}
		}
		return nil
	}
	if s.tokens == nil {
		s.tokens = make(map[string]stagedToken)
	}
	s.tokens[token] = stagedToken{original: original, rule: rule}
	return nil
}

// Commit records the staged tokens in the trace map. It stops at the first
// collision with a token committed since it was staged.
func (s *Staging) Commit() error {
	if s == nil || s.o.traces == nil {
		return nil
	}
	for token, st := range s.tokens {
		if err := s.o.traces.Insert(token, st.original); err != nil {
			var tc *trace.TokenCollisionError
			if errors.As(err, &tc) {
				tc.Rule = st.rule
			}
			return err
		}
	}
	s.tokens = nil
	return nil
}

// phantom keeps the first preserve runes and fills the rest. Values no longer
// than preserve are filled entirely.
func phantom(value string, preserve int, filler string) string {
	n := utf8.RuneCountInString(value)
	if n <= preserve {
		return strings.Repeat(filler, n)
	}

	var b strings.Builder
	b.Grow(len(value) + (n-preserve)*len(filler))
	i := 0
	for _, r := range value {
		if i < preserve {
			b.WriteRune(r)
		} else {
			b.WriteString(filler)
		}
		i++
	}
	return b.String()
}

func (o *Obfuscator) mirror(value, salt string, digestLen int) string {
	pool := o.macPool(salt)
	mac := pool.Get().(hash.Hash)
	defer pool.Put(mac)

	mac.Reset()
	mac.Write([]byte(value))
	sum := mac.Sum(nil)
	if digestLen <= 0 || digestLen > len(sum) {
		digestLen = rules.DefaultDigestLength
	}
	return MirrorPrefix + strings.ToUpper(hex.EncodeToString(sum[:digestLen]))
}

func (o *Obfuscator) macPool(salt string) *sync.Pool {
	if p, ok := o.macPools.Load(salt); ok {
		return p.(*sync.Pool)
	}
	key := []byte(salt)
	p, _ := o.macPools.LoadOrStore(salt, &sync.Pool{
		New: func() any { return hmac.New(sha256.New, key) },
	})
	return p.(*sync.Pool)
}

// Token derives the token for value. It depends only on its arguments, so
// the same value always yields the same token regardless of processing order.
func Token(prefix, salt, value string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return prefix + "_" + strings.ToUpper(hex.EncodeToString(sum[:tokenDigestBytes]))
}

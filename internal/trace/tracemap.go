package trace

import (
	"sort"
	"sync"
)

// TraceMap maps issued tokens back to their original values. Entries are
// insert-only; an existing token is never overwritten.
type TraceMap struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewTraceMap returns an empty trace map.
func NewTraceMap() *TraceMap {
	return &TraceMap{tokens: make(map[string]string)}
}

// Insert records token → original. Inserting the same pair again is a no-op;
// inserting a different original under an existing token returns a
// *TokenCollisionError and leaves the map unchanged.
func (m *TraceMap) Insert(token, original string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tokens[token]; ok {
		if existing != original {
			return &TokenCollisionError{Token: token}
		}
		return nil
	}
	m.tokens[token] = original
	return nil
}

// Lookup returns the original value for a token.
func (m *TraceMap) Lookup(token string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.tokens[token]
	return v, ok
}

// Len returns the number of tokens issued.
func (m *TraceMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// Snapshot returns a copy of every entry.
func (m *TraceMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.tokens))
	for k, v := range m.tokens {
		out[k] = v
	}
	return out
}

// Tokens returns the issued tokens in sorted order.
func (m *TraceMap) Tokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tokens))
	for k := range m.tokens {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Merge inserts every entry, stopping at the first collision.
func (m *TraceMap) Merge(entries map[string]string) error {
	for token, original := range entries {
		if err := m.Insert(token, original); err != nil {
			return err
		}
	}
	return nil
}

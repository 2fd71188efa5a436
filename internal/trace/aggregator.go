package trace

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bimmerbailey/phantom/internal/rules"
)

// RuleStats summarizes the events produced by one rule.
type RuleStats struct {
	Rule      string         `json:"rule"`
	Severity  rules.Severity `json:"severity"`
	Method    rules.Method   `json:"method"`
	Count     int64          `json:"count"`
	Bytes     int64          `json:"bytes"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
}

// Aggregator accumulates counters for a single run. It is safe for
// concurrent use.
type Aggregator struct {
	mu sync.Mutex

	runID   string
	started time.Time
	now     func() time.Time

	linesProcessed  int64
	linesModified   int64
	eventsTotal     int64
	bytesObfuscated int64
	batchesDropped  int64
	linesDropped    int64

	bySeverity map[rules.Severity]int64
	byMethod   map[rules.Method]int64
	byRule     map[string]*RuleStats

	logEvents bool
	eventLog  []Event
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithEventLog keeps every event in an ordered, append-only log.
func WithEventLog(enabled bool) AggregatorOption {
	return func(a *Aggregator) { a.logEvents = enabled }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an empty aggregator with a fresh run ID.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		runID:      uuid.NewString(),
		now:        time.Now,
		bySeverity: make(map[rules.Severity]int64),
		byMethod:   make(map[rules.Method]int64),
		byRule:     make(map[string]*RuleStats),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.started = a.now()
	return a
}

// RunID identifies this run in reports and trace stores.
func (a *Aggregator) RunID() string {
	return a.runID
}

// RecordLine counts one processed line and the events it produced.
func (a *Aggregator) RecordLine(events []Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.linesProcessed++
	if len(events) == 0 {
		return
	}
	a.linesModified++

	now := a.now()
	for _, ev := range events {
		a.eventsTotal++
		a.bytesObfuscated += int64(ev.OriginalLength)
		a.bySeverity[ev.Severity]++
		a.byMethod[ev.Method]++

		rs, ok := a.byRule[ev.Rule]
		if !ok {
			rs = &RuleStats{Rule: ev.Rule, Severity: ev.Severity, Method: ev.Method, FirstSeen: now}
			a.byRule[ev.Rule] = rs
		}
		rs.Count++
		rs.Bytes += int64(ev.OriginalLength)
		rs.LastSeen = now
	}
	if a.logEvents {
		a.eventLog = append(a.eventLog, events...)
	}
}

// RecordDropped counts a batch that was discarded after a non-fatal error.
func (a *Aggregator) RecordDropped(lines int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batchesDropped++
	a.linesDropped += int64(lines)
}

// Report returns an immutable snapshot of the counters.
func (a *Aggregator) Report() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	r := &Report{
		RunID:           a.runID,
		StartedAt:       a.started,
		GeneratedAt:     now,
		Duration:        now.Sub(a.started),
		LinesProcessed:  a.linesProcessed,
		LinesModified:   a.linesModified,
		EventsTotal:     a.eventsTotal,
		BytesObfuscated: a.bytesObfuscated,
		BatchesDropped:  a.batchesDropped,
		LinesDropped:    a.linesDropped,
		BySeverity:      make(map[string]int64, len(rules.Severities())),
		ByMethod:        make(map[string]int64, len(a.byMethod)),
		RulesTriggered:  len(a.byRule),
	}
	if a.linesProcessed > 0 {
		r.Coverage = float64(a.linesModified) / float64(a.linesProcessed) * 100
	}
	for _, sev := range rules.Severities() {
		r.BySeverity[sev.String()] = a.bySeverity[sev]
	}
	for m, n := range a.byMethod {
		r.ByMethod[m.String()] = n
	}

	r.Rules = make([]RuleStats, 0, len(a.byRule))
	for _, rs := range a.byRule {
		r.Rules = append(r.Rules, *rs)
	}
	sort.Slice(r.Rules, func(i, j int) bool {
		if r.Rules[i].Count != r.Rules[j].Count {
			return r.Rules[i].Count > r.Rules[j].Count
		}
		return r.Rules[i].Rule < r.Rules[j].Rule
	})

	if a.logEvents {
		r.Events = make([]Event, len(a.eventLog))
		copy(r.Events, a.eventLog)
	}
	return r
}

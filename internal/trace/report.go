package trace

import "time"

// Report is a point-in-time snapshot of an Aggregator.
type Report struct {
	RunID           string           `json:"run_id"`
	StartedAt       time.Time        `json:"started_at"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Duration        time.Duration    `json:"duration_ns"`
	LinesProcessed  int64            `json:"lines_processed"`
	LinesModified   int64            `json:"lines_modified"`
	EventsTotal     int64            `json:"events_total"`
	BytesObfuscated int64            `json:"bytes_obfuscated"`
	BatchesDropped  int64            `json:"batches_dropped"`
	LinesDropped    int64            `json:"lines_dropped"`
	Coverage        float64          `json:"coverage_percent"`
	BySeverity      map[string]int64 `json:"by_severity"`
	ByMethod        map[string]int64 `json:"by_method"`
	RulesTriggered  int              `json:"rules_triggered"`
	Rules           []RuleStats      `json:"rules"`
	TokensIssued    int              `json:"tokens_issued"`
	Events          []Event          `json:"events,omitempty"`
}

// Severity returns the event count for a severity name.
func (r *Report) Severity(name string) int64 {
	return r.BySeverity[name]
}

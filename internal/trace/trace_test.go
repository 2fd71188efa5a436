package trace

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bimmerbailey/phantom/internal/rules"
)

func TestTraceMapInsert(t *testing.T) {
	m := NewTraceMap()
	if err := m.Insert("CUST_AB12", "CUST-123456"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := m.Insert("CUST_AB12", "CUST-123456"); err != nil {
		t.Errorf("re-inserting the same pair should be a no-op, got %v", err)
	}

	err := m.Insert("CUST_AB12", "CUST-999999")
	var collision *TokenCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("Insert() error = %v, want *TokenCollisionError", err)
	}
	if collision.Token != "CUST_AB12" {
		t.Errorf("Token = %q", collision.Token)
	}

	got, ok := m.Lookup("CUST_AB12")
	if !ok || got != "CUST-123456" {
		t.Errorf("Lookup() = %q, %v; original entry must not be overwritten", got, ok)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestTraceMapConcurrentInsert(t *testing.T) {
	m := NewTraceMap()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if err := m.Insert(fmt.Sprintf("T_%d", i), fmt.Sprintf("v%d", i)); err != nil {
					t.Errorf("Insert() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if m.Len() != 500 {
		t.Errorf("Len() = %d, want 500", m.Len())
	}
	if tokens := m.Tokens(); len(tokens) != 500 || tokens[0] != "T_0" {
		t.Errorf("Tokens() not sorted or incomplete")
	}
}

func TestAggregatorReport(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	a := NewAggregator(WithEventLog(true), WithClock(clock))

	a.RecordLine(nil)
	a.RecordLine([]Event{
		{Rule: "credit_card", Severity: rules.Critical, Method: rules.Mask, Line: 2, OriginalLength: 19},
		{Rule: "email", Severity: rules.High, Method: rules.Phantom, Line: 2, OriginalLength: 8},
	})
	a.RecordLine([]Event{
		{Rule: "email", Severity: rules.High, Method: rules.Phantom, Line: 3, OriginalLength: 5},
	})
	a.RecordDropped(10)

	r := a.Report()
	if r.RunID == "" || r.RunID != a.RunID() {
		t.Errorf("RunID = %q", r.RunID)
	}
	if r.LinesProcessed != 3 || r.LinesModified != 2 {
		t.Errorf("lines = %d/%d, want 3/2", r.LinesProcessed, r.LinesModified)
	}
	if r.EventsTotal != 3 || r.BytesObfuscated != 32 {
		t.Errorf("events = %d bytes = %d", r.EventsTotal, r.BytesObfuscated)
	}
	if r.Severity("Critical") != 1 || r.Severity("High") != 2 || r.Severity("Low") != 0 {
		t.Errorf("BySeverity = %v", r.BySeverity)
	}
	if _, ok := r.BySeverity["Medium"]; !ok {
		t.Error("every severity should be present in the report")
	}
	if r.ByMethod["Phantom"] != 2 {
		t.Errorf("ByMethod = %v", r.ByMethod)
	}
	if r.RulesTriggered != 2 || r.Rules[0].Rule != "email" || r.Rules[0].Count != 2 {
		t.Errorf("Rules = %+v", r.Rules)
	}
	if r.BatchesDropped != 1 || r.LinesDropped != 10 {
		t.Errorf("dropped = %d/%d", r.BatchesDropped, r.LinesDropped)
	}
	if len(r.Events) != 3 || r.Events[2].Line != 3 {
		t.Errorf("Events = %+v", r.Events)
	}
	want := float64(2) / 3 * 100
	if r.Coverage != want {
		t.Errorf("Coverage = %f, want %f", r.Coverage, want)
	}
}

func TestAggregatorWithoutEventLog(t *testing.T) {
	a := NewAggregator()
	a.RecordLine([]Event{{Rule: "x", Severity: rules.Low, Method: rules.Vanish}})
	if r := a.Report(); r.Events != nil {
		t.Errorf("Events should be omitted when the log is disabled, got %d", len(r.Events))
	}
}

func TestAggregatorConcurrent(t *testing.T) {
	a := NewAggregator()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				a.RecordLine([]Event{{Rule: "r", Severity: rules.Medium, Method: rules.Mask, OriginalLength: 1}})
			}
		}()
	}
	wg.Wait()
	r := a.Report()
	if r.LinesProcessed != 4000 || r.Severity("Medium") != 4000 {
		t.Errorf("report = %d lines, %d medium", r.LinesProcessed, r.Severity("Medium"))
	}
}

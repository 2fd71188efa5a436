package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bimmerbailey/phantom/internal/pipeline"
	"github.com/bimmerbailey/phantom/internal/rules"
	"github.com/bimmerbailey/phantom/internal/trace"
)

func testConfig() Config {
	return Config{Enabled: true, Namespace: "test", Subsystem: "pipeline"}
}

func TestCollectorLineWritten(t *testing.T) {
	c := NewCollector(testConfig(), nil)

	c.LineWritten(nil)
	c.LineWritten([]trace.Event{
		{Rule: "email", Severity: rules.High, Method: rules.Phantom, OriginalLength: 8},
		{Rule: "email", Severity: rules.High, Method: rules.Phantom, OriginalLength: 5},
		{Rule: "ssn", Severity: rules.High, Method: rules.Mirror, OriginalLength: 11},
	})

	if got := testutil.ToFloat64(c.linesTotal); got != 2 {
		t.Errorf("lines_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.linesModified); got != 1 {
		t.Errorf("lines_modified_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.eventsTotal.WithLabelValues("email", "High", "Phantom")); got != 2 {
		t.Errorf("events_total{email} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.bytesObfuscated.WithLabelValues("email")); got != 13 {
		t.Errorf("bytes_obfuscated_total{email} = %v, want 13", got)
	}
}

func TestCollectorBatches(t *testing.T) {
	c := NewCollector(testConfig(), nil)

	c.BatchProcessed(100, 2*time.Millisecond)
	c.BatchProcessed(100, 3*time.Millisecond)
	c.BatchDropped(100)

	if got := testutil.CollectAndCount(c.batchDuration); got != 1 {
		t.Errorf("batch_duration_seconds series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(c.batchesDropped); got != 1 {
		t.Errorf("batches_dropped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.linesDropped); got != 100 {
		t.Errorf("lines_dropped_total = %v, want 100", got)
	}
}

func TestCollectorDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := NewCollector(cfg, nil)

	c.LineWritten([]trace.Event{{Rule: "email"}})
	c.BatchDropped(10)

	if got := testutil.ToFloat64(c.linesTotal); got != 0 {
		t.Errorf("lines_total = %v, want 0 when disabled", got)
	}
	if got := testutil.ToFloat64(c.linesDropped); got != 0 {
		t.Errorf("lines_dropped_total = %v, want 0 when disabled", got)
	}
}

func TestCollectorObservesEngine(t *testing.T) {
	rs, err := rules.Compile(rules.DefaultDefinitions(), rules.Options{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	c := NewCollector(testConfig(), nil)
	e := pipeline.New(rs, pipeline.Config{Workers: 2, BatchSize: 10}, pipeline.WithObserver(c))
	if err := c.RegisterEngine(e); err != nil {
		t.Fatal(err)
	}

	src := pipeline.SourceFunc(func(ctx context.Context, emit func(string) error) error {
		for i := 0; i < 25; i++ {
			line := "plain"
			if i%5 == 0 {
				line = "mail bob@example.com"
			}
			if err := emit(line); err != nil {
				return err
			}
		}
		return nil
	})
	if err := e.Run(context.Background(), src, discardSink{}); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(c.linesTotal); got != 25 {
		t.Errorf("lines_total = %v, want 25", got)
	}
	if got := testutil.ToFloat64(c.eventsTotal.WithLabelValues("email", "High", "Phantom")); got != 5 {
		t.Errorf("events_total{email} = %v, want 5", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"test_pipeline_lines_total 25", "test_pipeline_state 3", "test_pipeline_active_streams 0"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegisterEngineTwice(t *testing.T) {
	rs, _ := rules.Compile(nil, rules.Options{})
	c := NewCollector(testConfig(), nil)
	e := pipeline.New(rs, pipeline.Config{})
	if err := c.RegisterEngine(e); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterEngine(e); err == nil {
		t.Error("expected duplicate registration error")
	}
}

type discardSink struct{}

func (discardSink) WriteLines([]pipeline.ProcessedLine) error { return nil }
func (discardSink) Flush() error                              { return nil }

// Package metrics exposes pipeline throughput and obfuscation counters in the
// Prometheus exposition format.
//
// Metrics:
//   - phantom_pipeline_lines_total: lines written to sinks
//   - phantom_pipeline_lines_modified_total: lines with at least one obfuscation
//   - phantom_pipeline_events_total: obfuscations by rule, severity and method
//   - phantom_pipeline_bytes_obfuscated_total: matched bytes by rule
//   - phantom_pipeline_batch_duration_seconds: worker time per batch
//   - phantom_pipeline_batches_dropped_total / lines_dropped_total
//
// Gauges for live engine state are added with AddGaugeFunc.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bimmerbailey/phantom/internal/pipeline"
	"github.com/bimmerbailey/phantom/internal/trace"
)

// Config controls metric naming.
type Config struct {
	Enabled              bool
	Namespace            string
	Subsystem            string
	BatchDurationBuckets []float64
}

// Collector records pipeline measurements. It implements pipeline.Observer.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	linesTotal      prometheus.Counter
	linesModified   prometheus.Counter
	eventsTotal     *prometheus.CounterVec
	bytesObfuscated *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	batchesDropped  prometheus.Counter
	linesDropped    prometheus.Counter
}

var _ pipeline.Observer = (*Collector)(nil)

// NewCollector creates a collector registered on registry. A nil registry
// gets a fresh one.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "phantom"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "pipeline"
	}
	if len(cfg.BatchDurationBuckets) == 0 {
		// 100µs to 1.6s
		cfg.BatchDurationBuckets = prometheus.ExponentialBuckets(0.0001, 4, 8)
	}

	c := &Collector{
		config:   cfg,
		registry: registry,
		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lines_total",
			Help:      "Total number of lines written to sinks",
		}),
		linesModified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lines_modified_total",
			Help:      "Lines that had at least one obfuscation applied",
		}),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "events_total",
				Help:      "Obfuscations applied, by rule, severity and method",
			},
			[]string{"rule", "severity", "method"},
		),
		bytesObfuscated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "bytes_obfuscated_total",
				Help:      "Bytes of matched sensitive data, by rule",
			},
			[]string{"rule"},
		),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "batch_duration_seconds",
			Help:      "Worker time spent obfuscating one batch",
			Buckets:   cfg.BatchDurationBuckets,
		}),
		batchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "batches_dropped_total",
			Help:      "Batches dropped after a worker failure",
		}),
		linesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lines_dropped_total",
			Help:      "Lines in dropped batches",
		}),
	}

	registry.MustRegister(
		c.linesTotal,
		c.linesModified,
		c.eventsTotal,
		c.bytesObfuscated,
		c.batchDuration,
		c.batchesDropped,
		c.linesDropped,
	)
	return c
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// BatchProcessed observes the worker time of one batch.
func (c *Collector) BatchProcessed(lines int, elapsed time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.batchDuration.Observe(elapsed.Seconds())
}

// LineWritten counts one written line and its obfuscations.
func (c *Collector) LineWritten(events []trace.Event) {
	if !c.config.Enabled {
		return
	}
	c.linesTotal.Inc()
	if len(events) == 0 {
		return
	}
	c.linesModified.Inc()
	for _, ev := range events {
		c.eventsTotal.WithLabelValues(ev.Rule, ev.Severity.String(), ev.Method.String()).Inc()
		c.bytesObfuscated.WithLabelValues(ev.Rule).Add(float64(ev.OriginalLength))
	}
}

// BatchDropped counts a dropped batch.
func (c *Collector) BatchDropped(lines int) {
	if !c.config.Enabled {
		return
	}
	c.batchesDropped.Inc()
	c.linesDropped.Add(float64(lines))
}

// AddGaugeFunc registers a gauge whose value is read from fn on every scrape.
func (c *Collector) AddGaugeFunc(name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.config.Namespace,
		Subsystem: c.config.Subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// RegisterEngine adds gauges for the engine's live state.
func (c *Collector) RegisterEngine(e *pipeline.Engine) error {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"active_streams", "Streams currently running", func() float64 { return float64(e.ActiveStreams()) }},
		{"queue_length", "Batches waiting for a worker", func() float64 { return float64(e.QueueLen()) }},
		{"state", "Engine state (0 idle, 1 running, 2 draining, 3 stopped, 4 failed)", func() float64 { return float64(e.State()) }},
		{"tokens_issued", "Distinct tokens in the trace map", func() float64 { return float64(e.TraceMap().Len()) }},
	}
	for _, g := range gauges {
		if err := c.AddGaugeFunc(g.name, g.help, g.fn); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

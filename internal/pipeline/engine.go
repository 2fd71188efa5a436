// Package pipeline runs the rule engine over line streams with a bounded,
// shared worker pool while preserving input order on output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bimmerbailey/phantom/internal/matcher"
	"github.com/bimmerbailey/phantom/internal/obfuscate"
	"github.com/bimmerbailey/phantom/internal/rules"
	"github.com/bimmerbailey/phantom/internal/trace"
)

// State is the lifecycle state of an Engine.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 100 * time.Millisecond
)

// Config sizes the engine. Zero values select defaults.
type Config struct {
	Workers       int           // pool size, default runtime.NumCPU()
	BatchSize     int           // lines per batch
	FlushInterval time.Duration // dispatch a partial batch after this much idle time
	QueueDepth    int           // pending batches in the shared job queue
	Window        int           // in-flight batches per stream
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = c.Workers * 2
	}
	if c.Window <= 0 {
		c.Window = max(c.Workers*2, 2)
	}
	return c
}

// Engine owns the worker pool, the active rule set and the run-wide trace
// state. Many streams may run against one Engine concurrently.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	rules    atomic.Pointer[rules.RuleSet]
	obf      *obfuscate.Obfuscator
	agg      *trace.Aggregator
	observer Observer

	jobs    chan job
	workers sync.WaitGroup

	state    atomic.Int32
	stopOnce sync.Once
	failOnce sync.Once
	failed   chan struct{}
	err      error

	streams atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAggregator sets the aggregator that counts events.
func WithAggregator(a *trace.Aggregator) Option {
	return func(e *Engine) { e.agg = a }
}

// WithTraceMap sets the map Tokenize records into.
func WithTraceMap(tm *trace.TraceMap) Option {
	return func(e *Engine) { e.obf = obfuscate.New(tm) }
}

// WithObserver registers processing metrics.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New creates an idle engine for rs.
func New(rs *rules.RuleSet, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		failed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.agg == nil {
		e.agg = trace.NewAggregator()
	}
	if e.obf == nil {
		e.obf = obfuscate.New(trace.NewTraceMap())
	}
	e.rules.Store(rs)
	e.jobs = make(chan job, e.cfg.QueueDepth)
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Rules returns the active rule set.
func (e *Engine) Rules() *rules.RuleSet { return e.rules.Load() }

// SetRules swaps the active rule set. Batches already dispatched finish with
// the set they started with.
func (e *Engine) SetRules(rs *rules.RuleSet) {
	e.rules.Store(rs)
	e.logger.Info("rules reloaded", zap.Int("rules", rs.Len()))
}

// Aggregator returns the run-wide counters.
func (e *Engine) Aggregator() *trace.Aggregator { return e.agg }

// TraceMap returns the token map.
func (e *Engine) TraceMap() *trace.TraceMap { return e.obf.TraceMap() }

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// ActiveStreams returns the number of streams currently running.
func (e *Engine) ActiveStreams() int64 { return e.streams.Load() }

// QueueLen returns the number of batches waiting for a worker.
func (e *Engine) QueueLen() int { return len(e.jobs) }

// Err returns the error that moved the engine to Failed.
func (e *Engine) Err() error {
	select {
	case <-e.failed:
		return e.err
	default:
		return nil
	}
}

// Done is closed when the engine fails.
func (e *Engine) Done() <-chan struct{} { return e.failed }

// Report returns a snapshot of the counters including issued tokens.
func (e *Engine) Report() *trace.Report {
	r := e.agg.Report()
	if tm := e.TraceMap(); tm != nil {
		r.TokensIssued = tm.Len()
	}
	return r
}

// Start launches the worker pool.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return fmt.Errorf("pipeline: cannot start from state %s", e.State())
	}
	for i := 0; i < e.cfg.Workers; i++ {
		e.workers.Add(1)
		go e.worker()
	}
	e.logger.Info("pipeline started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("batch_size", e.cfg.BatchSize),
		zap.Int("rules", e.Rules().Len()),
	)
	return nil
}

// Drain marks the engine as draining. Streams still finish their in-flight
// batches.
func (e *Engine) Drain() {
	if e.state.CompareAndSwap(int32(Running), int32(Draining)) {
		e.logger.Info("pipeline draining")
	}
}

// Stop waits for the worker pool to exit. All streams must have returned.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
			return
		}
		close(e.jobs)
		e.workers.Wait()
		if e.state.CompareAndSwap(int32(Running), int32(Stopped)) ||
			e.state.CompareAndSwap(int32(Draining), int32(Stopped)) {
			e.logger.Info("pipeline stopped")
		}
	})
}

// Fail moves the engine to Failed. Only the first error is kept.
func (e *Engine) Fail(err error) {
	e.failOnce.Do(func() {
		e.err = err
		e.state.Store(int32(Failed))
		close(e.failed)
		e.logger.Error("pipeline failed", zap.Error(err))
	})
}

// Run processes a single stream from start to finish: it starts the pool,
// runs src through to sink and stops the pool. Cancelling ctx drains the
// stream and returns nil.
func (e *Engine) Run(ctx context.Context, src Source, sink Sink) error {
	if err := e.Start(); err != nil {
		return err
	}
	err := e.RunStream(ctx, "main", src, sink)
	if err != nil {
		e.Fail(err)
	}
	e.Stop()
	return err
}

// IsFatal reports whether err must stop the whole engine rather than a single
// stream.
func IsFatal(err error) bool {
	var collision *trace.TokenCollisionError
	return errors.As(err, &collision)
}

type job struct {
	batch   Batch
	rules   *rules.RuleSet
	results chan<- batchResult
	done    func()
}

type batchResult struct {
	seq    uint64
	count  int
	lines  []ProcessedLine
	tokens *obfuscate.Staging // committed with the lines
	err    error
}

func (e *Engine) worker() {
	defer e.workers.Done()
	for j := range e.jobs {
		e.process(j)
	}
}

// process runs one batch. A panic is converted into a dropped batch; the
// result is always delivered so the stream's reorder buffer can advance.
// Tokens issued for the batch stay staged until the stream commits it.
func (e *Engine) process(j job) {
	res := batchResult{seq: j.batch.Seq, count: len(j.batch.Lines)}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.lines = nil
			res.tokens = nil
			res.err = &BatchError{Seq: j.batch.Seq, Lines: len(j.batch.Lines), Err: fmt.Errorf("panic: %v", r)}
		}
		j.results <- res
		j.done()
	}()

	staged := e.obf.Stage()
	out := make([]ProcessedLine, len(j.batch.Lines))
	for i, line := range j.batch.Lines {
		lineNo := j.batch.StartLine + int64(i)
		text, events, err := staged.Apply(line, matcher.Scan(line, j.rules), lineNo)
		if err != nil {
			if !IsFatal(err) {
				err = &BatchError{Seq: j.batch.Seq, Lines: len(j.batch.Lines), Err: err}
			}
			res.err = err
			return
		}
		out[i] = ProcessedLine{Seq: lineNo, Text: text, Events: events}
	}
	res.lines = out
	res.tokens = staged

	if e.observer != nil {
		e.observer.BatchProcessed(len(out), time.Since(start))
	}
}

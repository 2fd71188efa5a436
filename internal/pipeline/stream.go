package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errStreamClosed = errors.New("stream closed")

// stream is the per-source state: its sequence space, in-flight window and
// reorder buffer. Streams share the engine's worker pool.
type stream struct {
	e      *Engine
	name   string
	sink   Sink
	logger *zap.Logger

	results  chan batchResult
	window   chan struct{}
	inflight sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{} // closed when the writer hits a fatal error

	seq      uint64
	nextLine int64
}

// RunStream reads src to completion (or until ctx is done) and writes the
// obfuscated lines to sink in input order. The engine must be running.
//
// On cancellation the stream drains: it stops reading, dispatches the lines
// already read, waits for in-flight batches, flushes the sink and returns nil.
// A batch is written whole or not at all.
func (e *Engine) RunStream(ctx context.Context, name string, src Source, sink Sink) error {
	if st := e.State(); st != Running && st != Draining {
		return errors.New("pipeline: engine is not running (" + st.String() + ")")
	}
	e.streams.Add(1)
	defer e.streams.Add(-1)

	s := &stream{
		e:        e,
		name:     name,
		sink:     sink,
		logger:   e.logger.With(zap.String("stream", name)),
		results:  make(chan batchResult, e.cfg.Window),
		window:   make(chan struct{}, e.cfg.Window),
		stopped:  make(chan struct{}),
		nextLine: 1,
	}

	writeErr := make(chan error, 1)
	go func() { writeErr <- s.writeLoop() }()

	readErr := s.readLoop(ctx, src)

	s.inflight.Wait()
	close(s.results)
	werr := <-writeErr

	if werr != nil {
		return werr
	}
	if err := e.Err(); err != nil {
		return err
	}
	if err := sink.Flush(); err != nil {
		return &IoError{Op: "flush", Stream: name, Err: err}
	}
	if readErr != nil {
		return &IoError{Op: "read", Stream: name, Err: readErr}
	}
	return nil
}

// readLoop runs the source and groups its lines into batches. It returns the
// source's error, ignoring errors caused by cancellation or a stopped stream.
func (s *stream) readLoop(ctx context.Context, src Source) error {
	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	srcDone := make(chan error, 1)
	go func() {
		defer close(lines)
		srcDone <- src.Read(srcCtx, func(line string) error {
			select {
			case lines <- line:
				return nil
			case <-srcCtx.Done():
				return srcCtx.Err()
			}
		})
	}()

	timer := time.NewTimer(s.e.cfg.FlushInterval)
	timer.Stop()
	defer timer.Stop()

	batch := make([]string, 0, s.e.cfg.BatchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		ok := s.dispatch(batch)
		batch = make([]string, 0, s.e.cfg.BatchSize)
		return ok
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				flush()
				return s.sourceErr(<-srcDone)
			}
			batch = append(batch, line)
			if len(batch) >= s.e.cfg.BatchSize {
				timer.Stop()
				if !flush() {
					return nil
				}
			} else if len(batch) == 1 {
				timer.Reset(s.e.cfg.FlushInterval)
			}

		case <-timer.C:
			if !flush() {
				return nil
			}

		case <-ctx.Done():
			s.e.Drain()
			s.logger.Debug("stream draining", zap.Int("pending_lines", len(batch)))
			flush()
			return nil

		case <-s.stopped:
			return nil

		case <-s.e.Done():
			return nil
		}
	}
}

func (s *stream) sourceErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errStreamClosed) {
		return nil
	}
	return err
}

// dispatch hands a batch to the pool. It blocks while the stream's in-flight
// window is full and reports false if the stream stopped meanwhile.
func (s *stream) dispatch(lines []string) bool {
	select {
	case s.window <- struct{}{}:
	case <-s.stopped:
		return false
	case <-s.e.Done():
		return false
	}

	b := Batch{Seq: s.seq, StartLine: s.nextLine, Lines: lines}
	s.seq++
	s.nextLine += int64(len(lines))

	s.inflight.Add(1)
	s.e.jobs <- job{
		batch:   b,
		rules:   s.e.Rules(),
		results: s.results,
		done:    s.inflight.Done,
	}
	return true
}

// writeLoop reorders results by sequence and commits them to the sink. After
// a fatal error it keeps consuming results, without writing, so workers and
// the window never block.
func (s *stream) writeLoop() error {
	pending := make(map[uint64]batchResult)
	var next uint64
	var ferr error

	for res := range s.results {
		pending[res.seq] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if ferr == nil {
				if err := s.commit(r); err != nil {
					ferr = err
					s.stop()
					if IsFatal(err) {
						s.e.Fail(err)
					}
				}
			}
			<-s.window
		}
	}
	return ferr
}

func (s *stream) commit(r batchResult) error {
	if r.err != nil {
		if IsFatal(r.err) {
			return r.err
		}
		s.logger.Warn("batch dropped", zap.Uint64("seq", r.seq), zap.Int("lines", r.count), zap.Error(r.err))
		s.e.agg.RecordDropped(r.count)
		if s.e.observer != nil {
			s.e.observer.BatchDropped(r.count)
		}
		return nil
	}

	// Tokens are recorded before the lines that carry them are written.
	if err := r.tokens.Commit(); err != nil {
		return err
	}
	if err := s.sink.WriteLines(r.lines); err != nil {
		return &IoError{Op: "write", Stream: s.name, Err: err}
	}
	for _, l := range r.lines {
		s.e.agg.RecordLine(l.Events)
		if s.e.observer != nil {
			s.e.observer.LineWritten(l.Events)
		}
	}
	return nil
}

func (s *stream) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

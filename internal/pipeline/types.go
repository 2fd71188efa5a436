package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/bimmerbailey/phantom/internal/trace"
)

// Source produces lines for one stream. Read calls emit for every line, in
// order, and returns when the input is exhausted or ctx is done. emit blocks
// while the stream is at capacity and returns an error once the stream stops
// accepting lines; Read should return promptly after that.
type Source interface {
	Read(ctx context.Context, emit func(line string) error) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, emit func(line string) error) error

// Read implements Source.
func (f SourceFunc) Read(ctx context.Context, emit func(line string) error) error {
	return f(ctx, emit)
}

// Sink receives obfuscated lines in input order, one whole batch at a time.
type Sink interface {
	WriteLines(lines []ProcessedLine) error
	Flush() error
}

// ProcessedLine is the obfuscated form of one input line.
type ProcessedLine struct {
	Seq    int64         // 1-based line number within the stream
	Text   string        // obfuscated text without a trailing newline
	Events []trace.Event // one per obfuscation applied
}

// Batch is a run of consecutive lines processed by one worker.
type Batch struct {
	Seq       uint64 // monotonic per stream, starting at 0
	StartLine int64  // line number of Lines[0]
	Lines     []string
}

// Observer receives processing measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	BatchProcessed(lines int, elapsed time.Duration)
	LineWritten(events []trace.Event)
	BatchDropped(lines int)
}

// IoError wraps a failure reading from a source or writing to a sink.
type IoError struct {
	Op     string // read, write or flush
	Stream string
	Err    error
}

func (e *IoError) Error() string {
	if e.Stream == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// BatchError reports a batch discarded after a non-fatal failure.
type BatchError struct {
	Seq   uint64
	Lines int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d lines) dropped: %v", e.Seq, e.Lines, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

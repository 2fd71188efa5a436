// Package ingest provides the line sources phantom reads from: readers and
// files, a watched file that follows appends and rotation, and a TCP server
// that runs one pipeline stream per connection.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const readBufferSize = 64 * 1024

// ReaderSource emits the lines of an io.Reader. Lines are split on '\n' only;
// a '\r' before the newline is kept as part of the line. A trailing line
// without a newline is emitted at EOF.
type ReaderSource struct {
	r io.Reader
}

// NewReaderSource wraps r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Read implements pipeline.Source.
func (s *ReaderSource) Read(ctx context.Context, emit func(string) error) error {
	return readLines(ctx, bufio.NewReaderSize(s.r, readBufferSize), emit)
}

type lineReader interface {
	ReadString(delim byte) (string, error)
}

func readLines(ctx context.Context, br lineReader, emit func(string) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if emitErr := emit(strings.TrimSuffix(line, "\n")); emitErr != nil {
				return emitErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// FileSource emits the lines of each file in turn.
type FileSource struct {
	paths []string
}

// NewFileSource reads paths in order. Use config.ExpandGlobs to resolve
// patterns first.
func NewFileSource(paths ...string) *FileSource {
	return &FileSource{paths: paths}
}

// Read implements pipeline.Source.
func (s *FileSource) Read(ctx context.Context, emit func(string) error) error {
	for _, path := range s.paths {
		if err := s.readFile(ctx, path, emit); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileSource) readFile(ctx context.Context, path string, emit func(string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if err := readLines(ctx, bufio.NewReaderSize(f, readBufferSize), emit); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Package output renders obfuscated lines and trace reports. Sinks write
// text, JSON lines, CSV event rows, or Splunk HEC events.
package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/bimmerbailey/phantom/internal/parser"
	"github.com/bimmerbailey/phantom/internal/pipeline"
	"github.com/bimmerbailey/phantom/internal/trace"
)

// Format represents an output format type.
type Format string

const (
	FormatText   Format = "text"
	FormatJSON   Format = "json"
	FormatCSV    Format = "csv"
	FormatSplunk Format = "splunk"
)

// ParseFormat converts a string to a Format, defaulting to text.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	case "splunk":
		return FormatSplunk
	default:
		return FormatText
	}
}

// ValidFormat reports whether s names a known format.
func ValidFormat(s string) bool {
	switch Format(strings.ToLower(s)) {
	case FormatText, FormatJSON, FormatCSV, FormatSplunk:
		return true
	}
	return false
}

var csvHeader = []string{
	"line", "rule", "severity", "method", "start", "end",
	"original_length", "replacement_length", "token",
}

// SplunkOptions configures HEC-style events.
type SplunkOptions struct {
	Sourcetype string
	Index      string
	Source     string
}

// Option configures a Writer.
type Option func(*Writer)

// WithColor colors text output by log level when mode allows it.
func WithColor(mode ColorMode) Option {
	return func(wr *Writer) { wr.color = mode }
}

// WithSplunk sets the HEC event metadata.
func WithSplunk(opts SplunkOptions) Option {
	return func(wr *Writer) { wr.splunk = opts }
}

// WithParser sets the parser used to recover timestamps and levels.
func WithParser(p *parser.Parser) Option {
	return func(wr *Writer) { wr.parser = p }
}

// Writer is a pipeline.Sink that renders lines in one format. Output is
// buffered until Flush.
type Writer struct {
	buf      *bufio.Writer
	format   Format
	color    ColorMode
	colorize bool
	splunk   SplunkOptions
	parser   *parser.Parser

	csv         *csv.Writer
	wroteHeader bool
	enc         *json.Encoder
}

var _ pipeline.Sink = (*Writer)(nil)

// New creates a new output Writer.
func New(w io.Writer, format Format, opts ...Option) *Writer {
	wr := &Writer{
		buf:    bufio.NewWriterSize(w, 64*1024),
		format: format,
		color:  ColorNever,
	}
	for _, opt := range opts {
		opt(wr)
	}
	if wr.parser == nil {
		wr.parser = parser.New(nil)
	}
	if wr.splunk.Sourcetype == "" {
		wr.splunk.Sourcetype = "phantom:obfuscated"
	}
	wr.colorize = format == FormatText && shouldColorize(wr.color, w)
	wr.csv = csv.NewWriter(wr.buf)
	wr.enc = json.NewEncoder(wr.buf)
	wr.enc.SetEscapeHTML(false)
	return wr
}

// Format returns the configured format.
func (wr *Writer) Format() Format { return wr.format }

// WriteLines renders one batch.
func (wr *Writer) WriteLines(lines []pipeline.ProcessedLine) error {
	switch wr.format {
	case FormatJSON:
		return wr.writeJSON(lines)
	case FormatCSV:
		return wr.writeCSV(lines)
	case FormatSplunk:
		return wr.writeSplunk(lines)
	default:
		return wr.writeText(lines)
	}
}

// Flush writes buffered output to the underlying writer. CSV output always
// carries its header, even when no lines were written.
func (wr *Writer) Flush() error {
	if wr.format == FormatCSV {
		if err := wr.writeCSVHeader(); err != nil {
			return err
		}
		wr.csv.Flush()
		if err := wr.csv.Error(); err != nil {
			return err
		}
	}
	return wr.buf.Flush()
}

func (wr *Writer) writeText(lines []pipeline.ProcessedLine) error {
	for _, l := range lines {
		text := l.Text
		if wr.colorize {
			text = ColorizeLine(wr.parser.Extract(text).Level, text)
		}
		if _, err := wr.buf.WriteString(text); err != nil {
			return err
		}
		if err := wr.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

type jsonLine struct {
	Line   int64         `json:"line"`
	Text   string        `json:"text"`
	Events []trace.Event `json:"events"`
}

func (wr *Writer) writeJSON(lines []pipeline.ProcessedLine) error {
	for _, l := range lines {
		events := l.Events
		if events == nil {
			events = []trace.Event{}
		}
		if err := wr.enc.Encode(jsonLine{Line: l.Seq, Text: l.Text, Events: events}); err != nil {
			return err
		}
	}
	return nil
}

func (wr *Writer) writeCSVHeader() error {
	if wr.wroteHeader {
		return nil
	}
	if err := wr.csv.Write(csvHeader); err != nil {
		return err
	}
	wr.wroteHeader = true
	return nil
}

func (wr *Writer) writeCSV(lines []pipeline.ProcessedLine) error {
	if err := wr.writeCSVHeader(); err != nil {
		return err
	}
	for _, l := range lines {
		for _, ev := range l.Events {
			row := []string{
				strconv.FormatInt(ev.Line, 10),
				ev.Rule,
				ev.Severity.String(),
				ev.Method.String(),
				strconv.Itoa(ev.Start),
				strconv.Itoa(ev.End),
				strconv.Itoa(ev.OriginalLength),
				strconv.Itoa(ev.ReplacementLength),
				ev.Token,
			}
			if err := wr.csv.Write(row); err != nil {
				return err
			}
		}
	}
	return nil
}

type splunkEvent struct {
	Time       *float64     `json:"time,omitempty"`
	Source     string       `json:"source,omitempty"`
	Sourcetype string       `json:"sourcetype"`
	Index      string       `json:"index,omitempty"`
	Event      string       `json:"event"`
	Fields     splunkFields `json:"fields"`
}

type splunkFields struct {
	Line     int64    `json:"line"`
	Level    string   `json:"level,omitempty"`
	Phantoms int      `json:"phantom_events"`
	Rules    []string `json:"phantom_rules,omitempty"`
}

func (wr *Writer) writeSplunk(lines []pipeline.ProcessedLine) error {
	for _, l := range lines {
		meta := wr.parser.Extract(l.Text)
		ev := splunkEvent{
			Source:     wr.splunk.Source,
			Sourcetype: wr.splunk.Sourcetype,
			Index:      wr.splunk.Index,
			Event:      l.Text,
			Fields:     splunkFields{Line: l.Seq, Phantoms: len(l.Events)},
		}
		if !meta.Timestamp.IsZero() {
			ts := float64(meta.Timestamp.UnixNano()) / 1e9
			ev.Time = &ts
		}
		if meta.Source != "" && ev.Source == "" {
			ev.Source = meta.Source
		}
		if meta.Level != parser.LevelUnknown {
			ev.Fields.Level = meta.Level.String()
		}
		ev.Fields.Rules = ruleNames(l.Events)
		if err := wr.enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// ruleNames returns the distinct rule names of events in first-seen order.
func ruleNames(events []trace.Event) []string {
	if len(events) == 0 {
		return nil
	}
	names := make([]string, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if !seen[ev.Rule] {
			seen[ev.Rule] = true
			names = append(names, ev.Rule)
		}
	}
	return names
}

// WriteJSON outputs any value as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

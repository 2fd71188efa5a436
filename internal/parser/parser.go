// Package parser extracts event metadata (timestamp, level, source) from a
// log line so sinks such as Splunk HEC can index obfuscated lines by their
// original time.
//
// It recognizes JSON log lines and falls back to a leading timestamp plus a
// level keyword for everything else.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Format represents a detected log format.
type Format string

const (
	FormatJSON    Format = "json"
	FormatGeneric Format = "generic"
)

// Meta is the metadata recovered from one line. Zero fields were not found.
type Meta struct {
	Format    Format
	Timestamp time.Time
	Level     LogLevel
	Source    string
}

// Parser extracts Meta from lines. It is safe for concurrent use.
type Parser struct {
	timestampFormats []string
}

// New creates a new Parser with the given timestamp layouts.
func New(timestampFormats []string) *Parser {
	if len(timestampFormats) == 0 {
		timestampFormats = []string{
			time.RFC3339Nano,
			"2006-01-02T15:04:05Z07:00",
			"2006-01-02 15:04:05",
			"Jan 02 15:04:05",
			"02/Jan/2006:15:04:05 -0700",
		}
	}
	return &Parser{timestampFormats: timestampFormats}
}

// Extract returns the metadata of line.
func (p *Parser) Extract(line string) Meta {
	meta := Meta{Format: FormatGeneric, Level: LevelUnknown}
	if p.tryParseJSON(line, &meta) {
		return meta
	}
	meta.Timestamp = p.extractTimestamp(line)
	meta.Level = extractLevel(line)
	return meta
}

// tryParseJSON reads the common JSON log keys.
func (p *Parser) tryParseJSON(line string, meta *Meta) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return false
	}
	meta.Format = FormatJSON

	for _, key := range []string{"level", "severity", "lvl"} {
		if v, ok := data[key].(string); ok {
			meta.Level = ParseLevel(v)
			break
		}
	}

	for _, key := range []string{"time", "timestamp", "ts", "@timestamp"} {
		switch v := data[key].(type) {
		case string:
			meta.Timestamp = p.parseTimestamp(v)
		case float64:
			sec := int64(v)
			meta.Timestamp = time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
		default:
			continue
		}
		break
	}

	if v, ok := data["source"].(string); ok {
		meta.Source = v
	}
	return true
}

// levelPattern matches common log level strings.
var levelPattern = regexp.MustCompile(`(?i)\b(DEBUG|INFO|WARN(?:ING)?|ERROR|FATAL|CRITICAL)\b`)

func extractLevel(line string) LogLevel {
	match := levelPattern.FindString(line)
	if match == "" {
		return LevelUnknown
	}
	return ParseLevel(match)
}

// extractTimestamp tries every layout against the leading fields of the
// line, one field per space in the layout.
func (p *Parser) extractTimestamp(line string) time.Time {
	line = strings.TrimPrefix(line, "[")
	for _, format := range p.timestampFormats {
		n := strings.Count(format, " ") + 1
		fields := strings.SplitN(line, " ", n+1)
		if len(fields) < n {
			continue
		}
		candidate := strings.TrimSuffix(strings.Join(fields[:n], " "), "]")
		if t, err := time.Parse(format, candidate); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (p *Parser) parseTimestamp(s string) time.Time {
	for _, format := range p.timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

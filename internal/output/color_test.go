package output

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/bimmerbailey/phantom/internal/parser"
	"github.com/bimmerbailey/phantom/internal/pipeline"
	"github.com/bimmerbailey/phantom/internal/rules"
)

func TestColorizeLine(t *testing.T) {
	tests := []struct {
		name          string
		level         parser.LogLevel
		expectColor   bool
		expectedColor string
	}{
		{"DEBUG level - gray", parser.LevelDebug, true, colorGray},
		{"INFO level - no color", parser.LevelInfo, false, ""},
		{"WARN level - yellow", parser.LevelWarn, true, colorYellow},
		{"ERROR level - red", parser.LevelError, true, colorRed},
		{"FATAL level - bold red", parser.LevelFatal, true, colorBold + colorRed},
		{"UNKNOWN level - no color", parser.LevelUnknown, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := "message"
			result := ColorizeLine(tt.level, line)

			if !tt.expectColor {
				if result != line {
					t.Errorf("Expected line to be unchanged, got: %s", result)
				}
				return
			}
			if !strings.HasPrefix(result, tt.expectedColor) {
				t.Errorf("Expected result to start with %q, got: %q", tt.expectedColor, result)
			}
			if !strings.HasSuffix(result, colorReset) {
				t.Errorf("Expected result to end with reset code, got: %q", result)
			}
		})
	}
}

func TestColorizeSeverity(t *testing.T) {
	tests := []struct {
		sev   rules.Severity
		color string
	}{
		{rules.Critical, colorBold + colorRed},
		{rules.High, colorRed},
		{rules.Medium, colorYellow},
		{rules.Low, colorGray},
	}

	for _, tt := range tests {
		t.Run(tt.sev.String(), func(t *testing.T) {
			got := colorizeSeverity(tt.sev, "x")
			if got != tt.color+"x"+colorReset {
				t.Errorf("colorizeSeverity() = %q", got)
			}
		})
	}
}

func TestShouldColorize(t *testing.T) {
	tests := []struct {
		name     string
		mode     ColorMode
		writer   any
		expected bool
	}{
		{"ColorAlways - any writer", ColorAlways, &bytes.Buffer{}, true},
		{"ColorNever - any writer", ColorNever, os.Stdout, false},
		{"ColorAuto - non-file writer", ColorAuto, &bytes.Buffer{}, false},
		{"ColorAuto - file writer (stdout)", ColorAuto, os.Stdout, isTerminal(os.Stdout)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := shouldColorize(tt.mode, tt.writer); result != tt.expected {
				t.Errorf("shouldColorize() = %v, expected %v", result, tt.expected)
			}
		})
	}
}

func TestParseColorMode(t *testing.T) {
	tests := map[string]ColorMode{
		"always": ColorAlways,
		"NEVER":  ColorNever,
		"auto":   ColorAuto,
		"":       ColorAuto,
	}
	for in, want := range tests {
		if got := ParseColorMode(in); got != want {
			t.Errorf("ParseColorMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTextSinkColor(t *testing.T) {
	lines := []pipeline.ProcessedLine{{Seq: 1, Text: "ERROR card ████-████-████-9012"}}

	t.Run("ColorNever", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w := New(buf, FormatText, WithColor(ColorNever))
		if err := w.WriteLines(lines); err != nil {
			t.Fatal(err)
		}
		w.Flush()
		if strings.Contains(buf.String(), "\033[") {
			t.Errorf("Expected no color codes, got: %q", buf.String())
		}
	})

	t.Run("ColorAlways", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w := New(buf, FormatText, WithColor(ColorAlways))
		if err := w.WriteLines(lines); err != nil {
			t.Fatal(err)
		}
		w.Flush()
		if !strings.HasPrefix(buf.String(), colorRed) {
			t.Errorf("Expected red color code, got: %q", buf.String())
		}
	})

	t.Run("ColorAuto with buffer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w := New(buf, FormatText, WithColor(ColorAuto))
		if err := w.WriteLines(lines); err != nil {
			t.Fatal(err)
		}
		w.Flush()
		if strings.Contains(buf.String(), "\033[") {
			t.Errorf("Expected no color codes for non-TTY, got: %q", buf.String())
		}
	})
}

func TestColorizeLine_PreservesContent(t *testing.T) {
	testLines := []string{
		"simple line",
		"line with special chars: !@#$%^&*()",
		"line with unicode: 你好世界 ████",
		"line with\ttabs\tand\tspaces",
	}

	for _, line := range testLines {
		t.Run(line, func(t *testing.T) {
			colored := ColorizeLine(parser.LevelError, line)
			cleaned := strings.ReplaceAll(colored, colorRed, "")
			cleaned = strings.ReplaceAll(cleaned, colorReset, "")
			if cleaned != line {
				t.Errorf("Content was modified: expected %q, got %q", line, cleaned)
			}
		})
	}
}

// Package config provides configuration types, presets and loading for
// phantom.
package config

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/bimmerbailey/phantom/internal/ingest"
	"github.com/bimmerbailey/phantom/internal/logging"
	"github.com/bimmerbailey/phantom/internal/output"
	"github.com/bimmerbailey/phantom/internal/pipeline"
	"github.com/bimmerbailey/phantom/internal/report"
	"github.com/bimmerbailey/phantom/internal/rules"
	"github.com/bimmerbailey/phantom/internal/tracestore"
)

// Config holds the application-wide configuration.
type Config struct {
	Tracing          TracingConfig       `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
	Preprocessing    PreprocessingConfig `mapstructure:"preprocessing" json:"preprocessing" yaml:"preprocessing"`
	Processing       ProcessingConfig    `mapstructure:"processing" json:"processing" yaml:"processing"`
	Output           OutputConfig        `mapstructure:"output" json:"output" yaml:"output"`
	Logging          LoggingConfig       `mapstructure:"logging" json:"logging" yaml:"logging"`
	Metrics          MetricsConfig       `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
	TraceStore       tracestore.Config   `mapstructure:"trace_store" json:"trace_store" yaml:"trace_store"`
	TimestampFormats []string            `mapstructure:"timestamp_formats" json:"timestamp_formats" yaml:"timestamp_formats"`
}

// TracingConfig holds the rule set.
type TracingConfig struct {
	Enabled       bool               `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	CaseSensitive bool               `mapstructure:"case_sensitive" json:"case_sensitive" yaml:"case_sensitive"`
	OverlapPolicy string             `mapstructure:"overlap_policy" json:"overlap_policy" yaml:"overlap_policy"` // longest or rule-order
	Rules         []rules.Definition `mapstructure:"rules" json:"rules" yaml:"rules"`
}

// PreprocessingConfig selects the run mode and its inputs.
type PreprocessingConfig struct {
	Mode              string        `mapstructure:"mode" json:"mode" yaml:"mode"`
	SplunkIntegration SplunkConfig  `mapstructure:"splunk_integration" json:"splunk_integration" yaml:"splunk_integration"`
	TCP               TCPConfig     `mapstructure:"tcp" json:"tcp" yaml:"tcp"`
	Monitor           MonitorConfig `mapstructure:"monitor" json:"monitor" yaml:"monitor"`
}

// SplunkConfig holds HEC event metadata.
type SplunkConfig struct {
	Enabled           bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	PhantomSourcetype string `mapstructure:"phantom_sourcetype" json:"phantom_sourcetype" yaml:"phantom_sourcetype"`
	Index             string `mapstructure:"index" json:"index" yaml:"index"`
	Source            string `mapstructure:"source" json:"source" yaml:"source"`
}

// TCPConfig configures TcpServer mode.
type TCPConfig struct {
	Address        string   `mapstructure:"address" json:"address" yaml:"address"`
	ReadTimeout    Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	MaxConnections int      `mapstructure:"max_connections" json:"max_connections" yaml:"max_connections"`
	AcceptRate     float64  `mapstructure:"accept_rate" json:"accept_rate" yaml:"accept_rate"` // connections per second, 0 = unlimited
	AcceptBurst    int      `mapstructure:"accept_burst" json:"accept_burst" yaml:"accept_burst"`
}

// MonitorConfig configures FileMonitor mode.
type MonitorConfig struct {
	Path         string   `mapstructure:"path" json:"path" yaml:"path"`
	PollInterval Duration `mapstructure:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
	FromStart    bool     `mapstructure:"from_start" json:"from_start" yaml:"from_start"`
}

// ProcessingConfig sizes the worker pool.
type ProcessingConfig struct {
	PerformanceMode bool     `mapstructure:"performance_mode" json:"performance_mode" yaml:"performance_mode"`
	BatchSize       int      `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`
	Workers         int      `mapstructure:"workers" json:"workers" yaml:"workers"` // 0 = one per CPU
	FlushInterval   Duration `mapstructure:"flush_interval" json:"flush_interval" yaml:"flush_interval"`
	QueueDepth      int      `mapstructure:"queue_depth" json:"queue_depth" yaml:"queue_depth"`
}

// OutputConfig controls sinks and reports.
type OutputConfig struct {
	Format             string `mapstructure:"format" json:"format" yaml:"format"`
	Color              string `mapstructure:"color" json:"color" yaml:"color"` // auto, always, never
	IncludeTraceReport bool   `mapstructure:"include_trace_report" json:"include_trace_report" yaml:"include_trace_report"`
	LogPhantomEvents   bool   `mapstructure:"log_phantom_events" json:"log_phantom_events" yaml:"log_phantom_events"`
	CreateTraceMap     bool   `mapstructure:"create_trace_map" json:"create_trace_map" yaml:"create_trace_map"`
	ReportSchedule     string `mapstructure:"report_schedule" json:"report_schedule" yaml:"report_schedule"`
}

// LoggingConfig configures the stderr logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

// MetricsConfig configures the health server, which also serves /metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" json:"address" yaml:"address"`
}

// Run modes.
const (
	ModeStandalone      = "Standalone"
	ModeStreamProcessor = "StreamProcessor"
	ModeTCPServer       = "TcpServer"
	ModeFileMonitor     = "FileMonitor"
	ModeHealthServer    = "HealthServer"
)

var modes = []string{ModeStandalone, ModeStreamProcessor, ModeTCPServer, ModeFileMonitor, ModeHealthServer}

// ParseMode resolves a mode name, ignoring case.
func ParseMode(s string) (string, bool) {
	for _, m := range modes {
		if strings.EqualFold(m, strings.TrimSpace(s)) {
			return m, true
		}
	}
	return "", false
}

// DefaultTimestampFormats are the layouts tried when extracting event times.
var DefaultTimestampFormats = []string{
	"2006-01-02T15:04:05Z07:00",  // RFC3339
	time.RFC3339Nano,             // RFC3339 with fraction
	"2006-01-02 15:04:05",        // Common datetime
	"Jan 02 15:04:05",            // Syslog
	"02/Jan/2006:15:04:05 -0700", // Apache/Nginx
}

// Default returns the default configuration with the built-in rule set.
func Default() *Config {
	return &Config{
		Tracing: TracingConfig{
			Enabled:       true,
			OverlapPolicy: rules.LongestMatch.String(),
			Rules:         rules.DefaultDefinitions(),
		},
		Preprocessing: PreprocessingConfig{
			Mode: ModeStandalone,
			SplunkIntegration: SplunkConfig{
				PhantomSourcetype: "phantom:obfuscated",
			},
			TCP: TCPConfig{
				Address:        ":5140",
				ReadTimeout:    Duration(5 * time.Minute),
				WriteTimeout:   Duration(30 * time.Second),
				MaxConnections: 128,
			},
			Monitor: MonitorConfig{
				PollInterval: Duration(ingest.DefaultPollInterval),
			},
		},
		Processing: ProcessingConfig{
			BatchSize:     pipeline.DefaultBatchSize,
			FlushInterval: Duration(pipeline.DefaultFlushInterval),
		},
		Output: OutputConfig{
			Format: string(output.FormatText),
			Color:  "auto",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		TraceStore: tracestore.Config{
			Backend:   tracestore.BackendNone,
			KeyPrefix: "phantom:",
		},
		TimestampFormats: append([]string(nil), DefaultTimestampFormats...),
	}
}

// Preset names.
const (
	PresetDefault         = "default"
	PresetSplunk          = "splunk"
	PresetELK             = "elk"
	PresetHighPerformance = "high-performance"
)

var presets = map[string]func(*Config){
	PresetDefault: func(*Config) {},
	PresetSplunk: func(c *Config) {
		c.Preprocessing.SplunkIntegration.Enabled = true
		c.Preprocessing.SplunkIntegration.Index = "main"
		c.Output.Format = string(output.FormatSplunk)
		c.Logging.Format = "json"
	},
	PresetELK: func(c *Config) {
		c.Output.Format = string(output.FormatJSON)
		c.Output.Color = "never"
		c.Logging.Format = "json"
	},
	PresetHighPerformance: func(c *Config) {
		c.Processing.PerformanceMode = true
		c.Processing.BatchSize = 5000
		c.Processing.Workers = runtime.NumCPU() * 2
		c.Processing.QueueDepth = runtime.NumCPU() * 8
		c.Processing.FlushInterval = Duration(250 * time.Millisecond)
		c.Output.LogPhantomEvents = false
	},
}

// PresetNames returns the known preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns the default configuration adjusted for name. The empty
// name selects the default preset.
func Preset(name string) (*Config, error) {
	if name == "" {
		name = PresetDefault
	}
	apply, ok := presets[strings.ToLower(name)]
	if !ok {
		return nil, &ValidationError{Field: "preset", Reason: fmt.Sprintf("unknown preset %q (want one of %s)", name, strings.Join(PresetNames(), ", "))}
	}
	c := Default()
	apply(c)
	return c, nil
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Validate checks every field that can be checked without compiling rules.
func (c *Config) Validate() error {
	if _, ok := ParseMode(c.Preprocessing.Mode); !ok {
		return &ValidationError{Field: "preprocessing.mode", Reason: fmt.Sprintf("unknown mode %q (want one of %s)", c.Preprocessing.Mode, strings.Join(modes, ", "))}
	}
	if _, ok := rules.ParsePolicy(c.Tracing.OverlapPolicy); !ok {
		return &ValidationError{Field: "tracing.overlap_policy", Reason: fmt.Sprintf("unknown policy %q (want longest or rule-order)", c.Tracing.OverlapPolicy)}
	}
	if !output.ValidFormat(c.Output.Format) {
		return &ValidationError{Field: "output.format", Reason: fmt.Sprintf("unknown format %q (want text, json, csv or splunk)", c.Output.Format)}
	}
	switch strings.ToLower(c.Output.Color) {
	case "", "auto", "always", "never":
	default:
		return &ValidationError{Field: "output.color", Reason: fmt.Sprintf("unknown color mode %q", c.Output.Color)}
	}
	if err := report.Validate(c.Output.ReportSchedule); err != nil {
		return &ValidationError{Field: "output.report_schedule", Reason: err.Error()}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "logging.level", Reason: fmt.Sprintf("%q (must be debug, info, warn, or error)", c.Logging.Level)}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return &ValidationError{Field: "logging.format", Reason: fmt.Sprintf("%q (must be json or console)", c.Logging.Format)}
	}
	p := c.Processing
	if p.BatchSize < 0 || p.Workers < 0 || p.QueueDepth < 0 || p.FlushInterval < 0 {
		return &ValidationError{Field: "processing", Reason: "sizes and intervals must not be negative"}
	}
	t := c.Preprocessing.TCP
	if t.MaxConnections < 0 || t.AcceptRate < 0 || t.AcceptBurst < 0 || t.ReadTimeout < 0 || t.WriteTimeout < 0 {
		return &ValidationError{Field: "preprocessing.tcp", Reason: "limits and timeouts must not be negative"}
	}
	if err := c.TraceStore.Validate(); err != nil {
		return &ValidationError{Field: "trace_store", Reason: err.Error()}
	}
	return nil
}

// RuleOptions returns the compile options for the tracing section.
func (c *Config) RuleOptions() rules.Options {
	policy, _ := rules.ParsePolicy(c.Tracing.OverlapPolicy)
	return rules.Options{
		Enabled:       c.Tracing.Enabled,
		CaseSensitive: c.Tracing.CaseSensitive,
		Policy:        policy,
	}
}

// CompileRules compiles the configured rules. Errors are
// *rules.InvalidPatternError or *rules.InvalidRuleConfigError.
func (c *Config) CompileRules() (*rules.RuleSet, error) {
	return rules.Compile(c.Tracing.Rules, c.RuleOptions())
}

// PipelineConfig maps the processing section onto the engine configuration.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Workers:       c.Processing.Workers,
		BatchSize:     c.Processing.BatchSize,
		FlushInterval: c.Processing.FlushInterval.Std(),
		QueueDepth:    c.Processing.QueueDepth,
	}
}

// LoggingOptions maps the logging section onto the logger configuration.
func (c *Config) LoggingOptions(quiet bool) logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format, Quiet: quiet}
}

// SplunkOptions returns the HEC metadata for the Splunk sink.
func (c *Config) SplunkOptions() output.SplunkOptions {
	s := c.Preprocessing.SplunkIntegration
	return output.SplunkOptions{Sourcetype: s.PhantomSourcetype, Index: s.Index, Source: s.Source}
}

// OutputFormat resolves the sink format; Splunk integration forces the
// Splunk format.
func (c *Config) OutputFormat() output.Format {
	if c.Preprocessing.SplunkIntegration.Enabled {
		return output.FormatSplunk
	}
	return output.ParseFormat(c.Output.Format)
}

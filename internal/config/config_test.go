package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bimmerbailey/phantom/internal/output"
	"github.com/bimmerbailey/phantom/internal/rules"
)

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if c.Preprocessing.Mode != ModeStandalone {
		t.Errorf("mode = %q", c.Preprocessing.Mode)
	}
	if len(c.Tracing.Rules) != len(rules.BuiltinNames()) {
		t.Errorf("rules = %d, want %d", len(c.Tracing.Rules), len(rules.BuiltinNames()))
	}
	rs, err := c.CompileRules()
	if err != nil {
		t.Fatalf("CompileRules() = %v", err)
	}
	if rs.Len() == 0 {
		t.Error("expected compiled rules")
	}
	if c.OutputFormat() != output.FormatText {
		t.Errorf("OutputFormat() = %v", c.OutputFormat())
	}
}

func TestPresets(t *testing.T) {
	for _, name := range PresetNames() {
		t.Run(name, func(t *testing.T) {
			c, err := Preset(name)
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}

	c, _ := Preset("splunk")
	if c.OutputFormat() != output.FormatSplunk || c.SplunkOptions().Index != "main" {
		t.Errorf("splunk preset = %+v", c.Preprocessing.SplunkIntegration)
	}

	c, _ = Preset("High-Performance")
	if c.Processing.BatchSize != 5000 || c.Processing.Workers != runtime.NumCPU()*2 {
		t.Errorf("high-performance preset = %+v", c.Processing)
	}
	if got := c.PipelineConfig().FlushInterval; got != 250*time.Millisecond {
		t.Errorf("FlushInterval = %v", got)
	}

	_, err := Preset("turbo")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "preset" {
		t.Errorf("Preset(turbo) error = %v", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"standalone", ModeStandalone, true},
		{"TCPSERVER", ModeTCPServer, true},
		{" FileMonitor ", ModeFileMonitor, true},
		{"healthserver", ModeHealthServer, true},
		{"daemon", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, ok)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"mode", func(c *Config) { c.Preprocessing.Mode = "daemon" }, "preprocessing.mode"},
		{"policy", func(c *Config) { c.Tracing.OverlapPolicy = "shortest" }, "tracing.overlap_policy"},
		{"format", func(c *Config) { c.Output.Format = "xml" }, "output.format"},
		{"color", func(c *Config) { c.Output.Color = "sometimes" }, "output.color"},
		{"schedule", func(c *Config) { c.Output.ReportSchedule = "every tuesday" }, "output.report_schedule"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"batch size", func(c *Config) { c.Processing.BatchSize = -1 }, "processing"},
		{"tcp timeout", func(c *Config) { c.Preprocessing.TCP.ReadTimeout = -1 }, "preprocessing.tcp"},
		{"trace store", func(c *Config) { c.TraceStore.Backend = "sqlite" }, "trace_store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestOutputFormatSplunkOverride(t *testing.T) {
	c := Default()
	c.Output.Format = "json"
	c.Preprocessing.SplunkIntegration.Enabled = true
	if c.OutputFormat() != output.FormatSplunk {
		t.Errorf("OutputFormat() = %v, want splunk", c.OutputFormat())
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "phantom.yaml", `
tracing:
  overlap_policy: rule-order
  rules:
    - name: customer_id
      pattern: 'CUST-\d{6}'
      method: Tokenize
      severity: High
      token_prefix: CUST_
    - name: internal_host
      pattern: 'host-\d+'
      method: Vanish
      severity: Low
      enabled: false
processing:
  batch_size: 250
  flush_interval: 2s
preprocessing:
  mode: tcpserver
  tcp:
    read_timeout: 1d
output:
  format: json
`)
	c, err := Load(viper.New(), path, "")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if len(c.Tracing.Rules) != 2 || c.Tracing.Rules[0].Name != "customer_id" {
		t.Fatalf("rules = %+v, want the two configured rules only", c.Tracing.Rules)
	}
	if en := c.Tracing.Rules[1].Enabled; en == nil || *en {
		t.Errorf("internal_host enabled = %v", en)
	}
	if c.Processing.BatchSize != 250 || c.Processing.FlushInterval.Std() != 2*time.Second {
		t.Errorf("processing = %+v", c.Processing)
	}
	if c.Preprocessing.TCP.ReadTimeout.Std() != 24*time.Hour {
		t.Errorf("read_timeout = %v", c.Preprocessing.TCP.ReadTimeout)
	}
	if c.Preprocessing.TCP.Address != ":5140" {
		t.Errorf("unset address lost its default: %q", c.Preprocessing.TCP.Address)
	}
	if c.RuleOptions().Policy != rules.RuleOrder {
		t.Errorf("policy = %v", c.RuleOptions().Policy)
	}

	rs, err := c.CompileRules()
	if err != nil {
		t.Fatal(err)
	}
	if rs.Len() != 2 {
		t.Errorf("compiled %d rules", rs.Len())
	}
}

func TestLoadJSONKeepsDefaultRules(t *testing.T) {
	path := writeFile(t, "phantom.json", `{"output": {"format": "csv"}, "logging": {"level": "debug"}}`)
	c, err := Load(viper.New(), path, "elk")
	if err != nil {
		t.Fatal(err)
	}
	if c.Output.Format != "csv" || c.Logging.Level != "debug" {
		t.Errorf("file values not applied: %+v %+v", c.Output, c.Logging)
	}
	if c.Output.Color != "never" {
		t.Errorf("preset value lost: color = %q", c.Output.Color)
	}
	if len(c.Tracing.Rules) != len(rules.BuiltinNames()) {
		t.Errorf("rules = %d, want built-ins", len(c.Tracing.Rules))
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PHANTOM_PROCESSING_WORKERS", "7")
	t.Setenv("PHANTOM_OUTPUT_FORMAT", "splunk")
	c, err := Load(viper.New(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if c.Processing.Workers != 7 {
		t.Errorf("workers = %d, want 7", c.Processing.Workers)
	}
	if c.Output.Format != "splunk" {
		t.Errorf("format = %q", c.Output.Format)
	}
}

func TestLoadErrors(t *testing.T) {
	var lerr *LoadError
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"), ""); !errors.As(err, &lerr) {
		t.Errorf("missing file error = %v, want LoadError", err)
	}

	bad := writeFile(t, "bad.yaml", "processing:\n  flush_interval: whenever\n")
	if _, err := Load(viper.New(), bad, ""); !errors.As(err, &lerr) {
		t.Errorf("bad duration error = %v, want LoadError", err)
	}

	invalid := writeFile(t, "invalid.yaml", "output:\n  format: xml\n")
	var verr *ValidationError
	if _, err := Load(viper.New(), invalid, ""); !errors.As(err, &verr) {
		t.Errorf("invalid format error = %v, want ValidationError", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			c, _ := Preset("splunk")
			c.Preprocessing.Monitor.PollInterval = Duration(3 * time.Second)
			path := filepath.Join(t.TempDir(), name)
			if err := c.Save(path); err != nil {
				t.Fatal(err)
			}

			got, err := Load(viper.New(), path, "")
			if err != nil {
				t.Fatalf("Load(saved) = %v", err)
			}
			if got.Output.Format != "splunk" || got.Preprocessing.SplunkIntegration.Index != "main" {
				t.Errorf("output = %+v", got.Output)
			}
			if got.Preprocessing.Monitor.PollInterval.Std() != 3*time.Second {
				t.Errorf("poll_interval = %v", got.Preprocessing.Monitor.PollInterval)
			}
			if len(got.Tracing.Rules) != len(c.Tracing.Rules) {
				t.Errorf("rules = %d, want %d", len(got.Tracing.Rules), len(c.Tracing.Rules))
			}
			if _, err := got.CompileRules(); err != nil {
				t.Errorf("saved rules do not compile: %v", err)
			}
		})
	}
}

func TestWatchReload(t *testing.T) {
	path := writeFile(t, "phantom.yaml", "processing:\n  batch_size: 10\n")
	v := viper.New()
	if _, err := Load(v, path, ""); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	Watch(v, "", zap.NewNop(), func(c *Config) error {
		reloaded <- c
		return nil
	})

	// Give the watcher time to register before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("processing:\n  batch_size: 20\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Processing.BatchSize == 20 {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// PHANTOM_PROCESSING_WORKERS=8.
const EnvPrefix = "PHANTOM"

// LoadError reports a config file that could not be read or decoded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load configuration: %v", e.Err)
	}
	return fmt.Sprintf("load configuration %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load builds the configuration from the preset, the optional config file at
// path (JSON or YAML) and PHANTOM_* environment variables, in increasing
// precedence. Command-line flags are applied by the caller afterwards.
func Load(v *viper.Viper, path, preset string) (*Config, error) {
	cfg, err := Preset(preset)
	if err != nil {
		return nil, err
	}
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
	}

	if err := decode(v, cfg); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so environment overrides apply to
// nested fields. Rules have no default key: a file that sets tracing.rules
// replaces the built-in list.
func setDefaults(v *viper.Viper, c *Config) {
	defaults := map[string]any{
		"tracing.enabled":        c.Tracing.Enabled,
		"tracing.case_sensitive": c.Tracing.CaseSensitive,
		"tracing.overlap_policy": c.Tracing.OverlapPolicy,

		"preprocessing.mode":                                  c.Preprocessing.Mode,
		"preprocessing.splunk_integration.enabled":            c.Preprocessing.SplunkIntegration.Enabled,
		"preprocessing.splunk_integration.phantom_sourcetype": c.Preprocessing.SplunkIntegration.PhantomSourcetype,
		"preprocessing.splunk_integration.index":              c.Preprocessing.SplunkIntegration.Index,
		"preprocessing.splunk_integration.source":             c.Preprocessing.SplunkIntegration.Source,
		"preprocessing.tcp.address":                           c.Preprocessing.TCP.Address,
		"preprocessing.tcp.read_timeout":                      c.Preprocessing.TCP.ReadTimeout.String(),
		"preprocessing.tcp.write_timeout":                     c.Preprocessing.TCP.WriteTimeout.String(),
		"preprocessing.tcp.max_connections":                   c.Preprocessing.TCP.MaxConnections,
		"preprocessing.tcp.accept_rate":                       c.Preprocessing.TCP.AcceptRate,
		"preprocessing.tcp.accept_burst":                      c.Preprocessing.TCP.AcceptBurst,
		"preprocessing.monitor.path":                          c.Preprocessing.Monitor.Path,
		"preprocessing.monitor.poll_interval":                 c.Preprocessing.Monitor.PollInterval.String(),
		"preprocessing.monitor.from_start":                    c.Preprocessing.Monitor.FromStart,

		"processing.performance_mode": c.Processing.PerformanceMode,
		"processing.batch_size":       c.Processing.BatchSize,
		"processing.workers":          c.Processing.Workers,
		"processing.flush_interval":   c.Processing.FlushInterval.String(),
		"processing.queue_depth":      c.Processing.QueueDepth,

		"output.format":               c.Output.Format,
		"output.color":                c.Output.Color,
		"output.include_trace_report": c.Output.IncludeTraceReport,
		"output.log_phantom_events":   c.Output.LogPhantomEvents,
		"output.create_trace_map":     c.Output.CreateTraceMap,
		"output.report_schedule":      c.Output.ReportSchedule,

		"logging.level":  c.Logging.Level,
		"logging.format": c.Logging.Format,

		"metrics.enabled": c.Metrics.Enabled,
		"metrics.address": c.Metrics.Address,

		"trace_store.backend":    c.TraceStore.Backend,
		"trace_store.dsn":        c.TraceStore.DSN,
		"trace_store.redis_addr": c.TraceStore.RedisAddr,
		"trace_store.key_prefix": c.TraceStore.KeyPrefix,

		"timestamp_formats": c.TimestampFormats,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func decode(v *viper.Viper, cfg *Config) error {
	if v.IsSet("tracing.rules") {
		cfg.Tracing.Rules = nil
	}
	return v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	)))
}

var durationType = reflect.TypeOf(Duration(0))

// durationHook decodes "30s" or "2d" strings into Duration fields.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		d, err := ParseDuration(v)
		if err != nil {
			return nil, err
		}
		return Duration(d), nil
	case time.Duration:
		return Duration(v), nil
	}
	return data, nil
}

// Watch reloads the config file on change and hands every valid result to
// onChange. Invalid files, and configs onChange rejects, are logged and
// ignored so the running configuration stays in effect.
func Watch(v *viper.Viper, preset string, logger *zap.Logger, onChange func(*Config) error) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Preset(preset)
		if err == nil {
			err = decode(v, cfg)
		}
		if err == nil {
			err = cfg.Validate()
		}
		if err == nil {
			err = onChange(cfg)
		}
		if err != nil {
			logger.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()
}

// Save writes c to path as YAML when the extension is .yaml or .yml and as
// JSON otherwise.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}
	return nil
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bimmerbailey/phantom/internal/config"
)

var (
	cfgFile      string
	configPreset string
)

var rootCmd = &cobra.Command{
	Use:   "phantom",
	Short: "Obfuscate sensitive data in log streams",
	Long: `Phantom rewrites log lines so that credentials, card numbers, personal
data and other sensitive values never leave the host in clear text.

It reads log files, stdin, TCP clients or a followed file, applies a
configurable rule set and writes the sanitized lines with a trace report
of everything it changed.

Examples:
  phantom -i /var/log/app.log -o app.clean.log --trace-report
  tail -F app.log | phantom --stream
  phantom --tcp-server 5140 --health-server 9090
  phantom --monitor /var/log/app.log -o -
  phantom --generate-config phantom.yaml --config-preset splunk`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

// Execute is called by main.main(). It runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	addPersistentFlags(rootCmd)
	addRunFlags(rootCmd)
}

func addPersistentFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (JSON or YAML)")
	pf.StringVar(&configPreset, "config-preset", config.PresetDefault,
		"base configuration ("+strings.Join(config.PresetNames(), ", ")+")")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (console, json)")
	pf.BoolP("quiet", "q", false, "only log errors and skip the summary")
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayP("input", "i", nil, "input file or glob (repeatable, default stdin)")
	f.StringP("output", "o", "", "output file (default stdout)")
	f.String("generate-config", "", "write the effective configuration to FILE and exit")
	f.Bool("trace-report", false, "print the trace report on stderr when done")
	f.StringP("format", "f", "", "output format (text, json, csv, splunk)")
	f.String("color", "", "color text output (auto, always, never)")
	f.Bool("log-phantoms", false, "include every phantom event in the trace report")
	f.Bool("create-trace-map", false, "write <output>.tracemap and persist issued tokens")
	f.Bool("performance-mode", false, "apply the high-performance processing settings")
	f.IntP("workers", "w", 0, "worker goroutines (default one per CPU)")
	f.Int("buffer-size", 0, "lines per batch")
	f.Bool("stream", false, "process stdin continuously (StreamProcessor mode)")
	f.Int("tcp-server", 0, "accept newline-delimited logs on PORT (TcpServer mode)")
	f.String("monitor", "", "follow FILE and obfuscate appended lines (FileMonitor mode)")
	f.Int("health-server", 0, "serve /health, /ready, /stats and /metrics on PORT")
	f.Bool("health-check", false, "validate configuration and rules, then exit")
	f.Bool("splunk-mode", false, "emit Splunk HEC events")
	f.String("report-schedule", "", "cron schedule for periodic trace report snapshots")
}

// loadConfig resolves the configuration from preset, file, environment and
// the flags of cmd, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper(), cfgFile, configPreset)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := flags.Changed

	if changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if flags.Lookup("format") == nil {
		// Subcommands only carry the persistent flags.
		return nil
	}

	if changed("format") {
		cfg.Output.Format, _ = flags.GetString("format")
	}
	if changed("color") {
		cfg.Output.Color, _ = flags.GetString("color")
	}
	if v, _ := flags.GetBool("trace-report"); v {
		cfg.Output.IncludeTraceReport = true
	}
	if v, _ := flags.GetBool("log-phantoms"); v {
		cfg.Output.LogPhantomEvents = true
	}
	if v, _ := flags.GetBool("create-trace-map"); v {
		cfg.Output.CreateTraceMap = true
	}
	if changed("report-schedule") {
		cfg.Output.ReportSchedule, _ = flags.GetString("report-schedule")
	}
	if v, _ := flags.GetBool("splunk-mode"); v {
		cfg.Preprocessing.SplunkIntegration.Enabled = true
	}

	if v, _ := flags.GetBool("performance-mode"); v {
		hp, err := config.Preset(config.PresetHighPerformance)
		if err != nil {
			return err
		}
		cfg.Processing = hp.Processing
	}
	if changed("workers") {
		cfg.Processing.Workers, _ = flags.GetInt("workers")
	}
	if changed("buffer-size") {
		cfg.Processing.BatchSize, _ = flags.GetInt("buffer-size")
	}

	if v, _ := flags.GetBool("stream"); v {
		cfg.Preprocessing.Mode = config.ModeStreamProcessor
	}
	if port, _ := flags.GetInt("tcp-server"); port != 0 {
		addr, err := portAddr("tcp-server", port)
		if err != nil {
			return err
		}
		cfg.Preprocessing.Mode = config.ModeTCPServer
		cfg.Preprocessing.TCP.Address = addr
	}
	if path, _ := flags.GetString("monitor"); path != "" {
		cfg.Preprocessing.Mode = config.ModeFileMonitor
		cfg.Preprocessing.Monitor.Path = path
	}
	if port, _ := flags.GetInt("health-server"); port != 0 {
		addr, err := portAddr("health-server", port)
		if err != nil {
			return err
		}
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = addr
		if mode, _ := config.ParseMode(cfg.Preprocessing.Mode); mode == config.ModeStandalone && !changed("input") {
			cfg.Preprocessing.Mode = config.ModeHealthServer
		}
	}
	return nil
}

func portAddr(flag string, port int) (string, error) {
	if port < 1 || port > 65535 {
		return "", &config.ValidationError{Field: flag, Reason: fmt.Sprintf("port %d out of range", port)}
	}
	return fmt.Sprintf(":%d", port), nil
}

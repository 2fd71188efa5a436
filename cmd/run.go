package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bimmerbailey/phantom/internal/config"
	"github.com/bimmerbailey/phantom/internal/health"
	"github.com/bimmerbailey/phantom/internal/ingest"
	"github.com/bimmerbailey/phantom/internal/logging"
	"github.com/bimmerbailey/phantom/internal/metrics"
	"github.com/bimmerbailey/phantom/internal/output"
	"github.com/bimmerbailey/phantom/internal/parser"
	"github.com/bimmerbailey/phantom/internal/pipeline"
	"github.com/bimmerbailey/phantom/internal/report"
	"github.com/bimmerbailey/phantom/internal/rules"
	"github.com/bimmerbailey/phantom/internal/trace"
	"github.com/bimmerbailey/phantom/internal/tracestore"
)

// persistTimeout bounds trace store writes after the run has finished.
const persistTimeout = 30 * time.Second

func runRoot(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if path, _ := flags.GetString("generate-config"); path != "" {
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "configuration written to %s\n", path)
		return nil
	}

	quiet, _ := flags.GetBool("quiet")
	log, err := logging.NewWithWriter(cfg.LoggingOptions(quiet), cmd.ErrOrStderr())
	if err != nil {
		return &config.ValidationError{Field: "logging", Reason: err.Error()}
	}
	defer log.Sync()

	rs, err := cfg.CompileRules()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if check, _ := flags.GetBool("health-check"); check {
		return healthCheck(ctx, cmd.OutOrStdout(), cfg, rs, log)
	}

	inputs, _ := flags.GetStringArray("input")
	if len(inputs) > 0 {
		if inputs, err = config.ExpandGlobs(inputs); err != nil {
			return &pipeline.IoError{Op: "open", Stream: "input", Err: err}
		}
	}
	outPath, _ := flags.GetString("output")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newRunner(ctx, cfg, rs, log, quiet)
	if err != nil {
		return err
	}
	defer r.close()
	r.stdin = cmd.InOrStdin()
	r.stdout = cmd.OutOrStdout()
	r.stderr = cmd.ErrOrStderr()
	r.inputs = inputs
	r.outPath = outPath

	return r.run(ctx)
}

// healthCheck validates everything a run would need and exits.
func healthCheck(ctx context.Context, w io.Writer, cfg *config.Config, rs *rules.RuleSet, log *logging.Logger) error {
	if cfg.TraceStore.Enabled() {
		store, err := tracestore.Open(ctx, cfg.TraceStore, log.WithComponent("tracestore").Logger)
		if err != nil {
			return &pipeline.IoError{Op: "open", Stream: "trace store", Err: err}
		}
		store.Close()
	}
	mode, _ := config.ParseMode(cfg.Preprocessing.Mode)
	fmt.Fprintf(w, "ok: %d rules, mode %s, output %s\n", rs.Len(), mode, cfg.OutputFormat())
	return nil
}

// runner owns the per-run objects: one engine, its trace map and counters,
// and the optional metrics, trace store and health server around them.
type runner struct {
	cfg     *config.Config
	log     *logging.Logger
	engine  *pipeline.Engine
	metrics *metrics.Collector
	store   tracestore.Store
	quiet   bool

	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	inputs  []string
	outPath string
}

func newRunner(ctx context.Context, cfg *config.Config, rs *rules.RuleSet, log *logging.Logger, quiet bool) (*runner, error) {
	r := &runner{cfg: cfg, log: log, quiet: quiet}

	tm := trace.NewTraceMap()
	if cfg.TraceStore.Enabled() {
		store, err := tracestore.Open(ctx, cfg.TraceStore, log.WithComponent("tracestore").Logger)
		if err != nil {
			return nil, &pipeline.IoError{Op: "open", Stream: "trace store", Err: err}
		}
		if err := tracestore.LoadInto(ctx, store, tm); err != nil {
			store.Close()
			return nil, err
		}
		r.store = store
	}

	r.metrics = metrics.NewCollector(metrics.Config{Enabled: cfg.Metrics.Enabled}, prometheus.NewRegistry())
	agg := trace.NewAggregator(trace.WithEventLog(cfg.Output.LogPhantomEvents))
	r.engine = pipeline.New(rs, cfg.PipelineConfig(),
		pipeline.WithLogger(log.WithComponent("pipeline").Logger),
		pipeline.WithAggregator(agg),
		pipeline.WithTraceMap(tm),
		pipeline.WithObserver(r.metrics),
	)
	if cfg.Metrics.Enabled {
		if err := r.metrics.RegisterEngine(r.engine); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *runner) close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warn("close trace store", zap.Error(err))
		}
	}
}

func (r *runner) run(ctx context.Context) error {
	mode, _ := config.ParseMode(r.cfg.Preprocessing.Mode)
	r.log.Debug("starting", zap.String("mode", mode), zap.String("run_id", r.engine.Aggregator().RunID()))

	if r.cfg.Metrics.Enabled {
		r.serveHealth(ctx)
	}
	if mode != config.ModeStandalone {
		sched := report.NewScheduler(r.cfg.Output.ReportSchedule, r.engine.Report, r.emitSnapshot,
			r.log.WithComponent("report").Logger)
		if err := sched.Start(ctx); err != nil {
			return &config.ValidationError{Field: "output.report_schedule", Reason: err.Error()}
		}
		defer sched.Stop()
		if cfgFile != "" {
			config.Watch(viper.GetViper(), configPreset, r.log.WithComponent("config").Logger, r.reload)
		}
	}

	var err error
	switch mode {
	case config.ModeTCPServer:
		err = r.runTCP(ctx)
	case config.ModeHealthServer:
		err = r.runIdle(ctx)
	default:
		err = r.runStream(ctx, mode)
	}
	if err != nil {
		return err
	}
	return r.finish()
}

// runStream runs a single stream from a file list, stdin or a followed file.
func (r *runner) runStream(ctx context.Context, mode string) error {
	var src pipeline.Source
	switch {
	case mode == config.ModeFileMonitor:
		mc := r.cfg.Preprocessing.Monitor
		if mc.Path == "" {
			return &config.ValidationError{Field: "preprocessing.monitor.path", Reason: "required in FileMonitor mode"}
		}
		src = ingest.NewFileMonitor(ingest.MonitorOptions{
			Path:         mc.Path,
			PollInterval: mc.PollInterval.Std(),
			FromStart:    mc.FromStart,
			Logger:       r.log.WithComponent("monitor").Logger,
		})
	case mode == config.ModeStandalone && len(r.inputs) > 0:
		src = ingest.NewFileSource(r.inputs...)
	default:
		src = ingest.NewReaderSource(r.stdin)
	}

	w, closeOut, err := r.openOutput()
	if err != nil {
		return err
	}
	sink := output.New(w, r.cfg.OutputFormat(),
		output.WithColor(output.ParseColorMode(r.cfg.Output.Color)),
		output.WithSplunk(r.cfg.SplunkOptions()),
		output.WithParser(parser.New(r.cfg.TimestampFormats)),
	)

	runErr := r.engine.Run(ctx, src, sink)
	if err := closeOut(); err != nil && runErr == nil {
		runErr = &pipeline.IoError{Op: "close", Stream: r.outPath, Err: err}
	}
	return runErr
}

func (r *runner) runTCP(ctx context.Context) error {
	tc := r.cfg.Preprocessing.TCP
	srv := ingest.NewServer(r.engine, ingest.ServerOptions{
		Address:        tc.Address,
		ReadTimeout:    tc.ReadTimeout.Std(),
		WriteTimeout:   tc.WriteTimeout.Std(),
		MaxConnections: tc.MaxConnections,
		AcceptRate:     tc.AcceptRate,
		AcceptBurst:    tc.AcceptBurst,
		Logger:         r.log.WithComponent("tcp").Logger,
	})
	if r.cfg.Metrics.Enabled {
		if err := r.metrics.AddGaugeFunc("tcp_active_connections", "Connected TCP clients",
			func() float64 { return float64(srv.ActiveConnections()) }); err != nil {
			return err
		}
	}

	if err := r.engine.Start(); err != nil {
		return err
	}
	err := srv.ListenAndServe(ctx)
	r.engine.Drain()
	r.engine.Stop()
	if err != nil {
		return err
	}
	return r.engine.Err()
}

// runIdle keeps a started engine available for the health server until
// shutdown.
func (r *runner) runIdle(ctx context.Context) error {
	if err := r.engine.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-r.engine.Done():
	}
	r.engine.Drain()
	r.engine.Stop()
	return r.engine.Err()
}

func (r *runner) serveHealth(ctx context.Context) {
	srv := health.New(r.engine, health.Options{
		Address: r.cfg.Metrics.Address,
		Version: version,
		Metrics: r.metrics.Handler(),
		Logger:  r.log.WithComponent("health").Logger,
	})
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			r.log.Error("health server stopped", zap.Error(err))
		}
	}()
}

// reload swaps in the rules of a changed config file.
func (r *runner) reload(c *config.Config) error {
	rs, err := c.CompileRules()
	if err != nil {
		return err
	}
	r.engine.SetRules(rs)
	return nil
}

func (r *runner) emitSnapshot(rep *trace.Report) error {
	r.log.Info("trace report",
		zap.String("run_id", rep.RunID),
		zap.Int64("lines_processed", rep.LinesProcessed),
		zap.Int64("lines_modified", rep.LinesModified),
		zap.Int64("events", rep.EventsTotal),
		zap.Float64("coverage", rep.Coverage),
		zap.Int("tokens", rep.TokensIssued),
	)
	if r.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return r.store.SaveRun(ctx, rep)
}

// openOutput returns the sink writer and a func that closes it.
func (r *runner) openOutput() (io.Writer, func() error, error) {
	if r.outPath == "" || r.outPath == "-" {
		return r.stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(r.outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, &pipeline.IoError{Op: "open", Stream: r.outPath, Err: err}
	}
	return f, f.Close, nil
}

// finish persists tokens and prints the trace report.
func (r *runner) finish() error {
	rep := r.engine.Report()
	tokens := r.engine.TraceMap().Snapshot()

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.store.Save(ctx, rep.RunID, tokens); err != nil {
			return err
		}
		if err := r.store.SaveRun(ctx, rep); err != nil {
			return &pipeline.IoError{Op: "write", Stream: "trace store", Err: err}
		}
	}

	if r.cfg.Output.CreateTraceMap {
		path := r.traceMapPath(rep.RunID)
		if err := tracestore.WriteFile(path, rep, tokens); err != nil {
			return &pipeline.IoError{Op: "write", Stream: path, Err: err}
		}
		r.log.Info("trace map written", zap.String("path", path), zap.Int("tokens", len(tokens)))
	}

	if !r.cfg.Output.IncludeTraceReport && r.quiet {
		return nil
	}
	format := output.FormatText
	if r.cfg.Output.IncludeTraceReport && r.cfg.OutputFormat() == output.FormatJSON {
		format = output.FormatJSON
	}
	return output.WriteReport(r.stderr, rep, format, output.ParseColorMode(r.cfg.Output.Color))
}

func (r *runner) traceMapPath(runID string) string {
	if r.outPath == "" || r.outPath == "-" {
		return "phantom-" + runID + ".tracemap"
	}
	return r.outPath + ".tracemap"
}

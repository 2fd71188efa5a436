package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bimmerbailey/phantom/internal/config"
	"github.com/bimmerbailey/phantom/internal/ingest"
	"github.com/bimmerbailey/phantom/internal/obfuscate"
	"github.com/bimmerbailey/phantom/internal/pipeline"
	"github.com/bimmerbailey/phantom/internal/trace"
	"github.com/bimmerbailey/phantom/internal/tracestore"
)

var detokenizeCmd = &cobra.Command{
	Use:   "detokenize [flags] [file...]",
	Short: "Restore tokenized values in obfuscated output",
	Long: `Replace every token issued by the Tokenize method with its original
value. Tokens come from a .tracemap file written with --create-trace-map,
or from the trace store configured under trace_store when --trace-map is
not given. Reads stdin when no files are given.

Examples:
  phantom detokenize --trace-map app.clean.log.tracemap app.clean.log
  phantom -c phantom.yaml detokenize < app.clean.log`,
	RunE: runDetokenize,
}

func init() {
	detokenizeCmd.Flags().StringP("trace-map", "t", "", "trace map file to read tokens from")
	detokenizeCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(detokenizeCmd)
}

func runDetokenize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tm, err := loadTokens(ctx, cmd)
	if err != nil {
		return err
	}
	d := obfuscate.NewDetokenizer(tm)

	out := cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("output"); path != "" && path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return &pipeline.IoError{Op: "open", Stream: path, Err: err}
		}
		defer f.Close()
		out = f
	}
	bw := bufio.NewWriter(out)

	var src pipeline.Source = ingest.NewReaderSource(cmd.InOrStdin())
	if len(args) > 0 {
		files, err := config.ExpandGlobs(args)
		if err != nil {
			return &pipeline.IoError{Op: "open", Stream: "input", Err: err}
		}
		src = ingest.NewFileSource(files...)
	}

	err = src.Read(ctx, func(line string) error {
		if _, err := io.WriteString(bw, d.Line(line)); err != nil {
			return err
		}
		return bw.WriteByte('\n')
	})
	if err != nil {
		return &pipeline.IoError{Op: "read", Stream: "input", Err: err}
	}
	if err := bw.Flush(); err != nil {
		return &pipeline.IoError{Op: "flush", Stream: "output", Err: err}
	}
	return nil
}

// loadTokens reads the token map from --trace-map or the configured store.
func loadTokens(ctx context.Context, cmd *cobra.Command) (*trace.TraceMap, error) {
	tm := trace.NewTraceMap()

	if path, _ := cmd.Flags().GetString("trace-map"); path != "" {
		doc, err := tracestore.ReadFile(path)
		if err != nil {
			return nil, &pipeline.IoError{Op: "read", Stream: path, Err: err}
		}
		return tm, tm.Merge(doc.Tokens)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if !cfg.TraceStore.Enabled() {
		return nil, &config.ValidationError{Field: "trace-map", Reason: "no --trace-map given and no trace_store configured"}
	}
	store, err := tracestore.Open(ctx, cfg.TraceStore, nil)
	if err != nil {
		return nil, &pipeline.IoError{Op: "open", Stream: "trace store", Err: err}
	}
	defer store.Close()
	if err := tracestore.LoadInto(ctx, store, tm); err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return tm, nil
}

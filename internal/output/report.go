package output

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bimmerbailey/phantom/internal/rules"
	"github.com/bimmerbailey/phantom/internal/trace"
)

// WriteReport renders a trace report as indented JSON or as a text summary.
// Text summaries are colored by severity when mode allows it for w.
func WriteReport(w io.Writer, r *trace.Report, format Format, mode ColorMode) error {
	if format == FormatJSON {
		return WriteJSON(w, r)
	}
	return writeSummary(w, r, shouldColorize(mode, w))
}

func writeSummary(w io.Writer, r *trace.Report, colorize bool) error {
	heading := func(s string) string {
		if colorize {
			return colorBold + colorCyan + s + colorReset
		}
		return s
	}

	fmt.Fprintln(w, heading("Phantom trace report"))
	fmt.Fprintf(w, "  Run:              %s\n", r.RunID)
	fmt.Fprintf(w, "  Duration:         %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Lines processed:  %d\n", r.LinesProcessed)
	fmt.Fprintf(w, "  Lines modified:   %d\n", r.LinesModified)
	fmt.Fprintf(w, "  Phantom events:   %d\n", r.EventsTotal)
	fmt.Fprintf(w, "  Bytes obfuscated: %d\n", r.BytesObfuscated)
	coverage := fmt.Sprintf("%.2f%%", r.Coverage)
	if colorize && r.LinesModified > 0 {
		coverage = colorGreen + coverage + colorReset
	}
	fmt.Fprintf(w, "  Coverage:         %s\n", coverage)
	if r.TokensIssued > 0 {
		fmt.Fprintf(w, "  Tokens issued:    %d\n", r.TokensIssued)
	}
	if r.BatchesDropped > 0 {
		dropped := fmt.Sprintf("%d batches (%d lines)", r.BatchesDropped, r.LinesDropped)
		if colorize {
			dropped = colorRed + dropped + colorReset
		}
		fmt.Fprintf(w, "  Dropped:          %s\n", dropped)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, heading("By severity"))
	for _, sev := range rules.Severities() {
		name := sev.String()
		label := fmt.Sprintf("%-9s", name)
		if colorize {
			label = colorizeSeverity(sev, label)
		}
		fmt.Fprintf(w, "  %s %d\n", label, r.Severity(name))
	}

	if len(r.Rules) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, heading("By rule"))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  RULE\tSEVERITY\tMETHOD\tCOUNT\tBYTES")
	fmt.Fprintln(tw, "  ----\t--------\t------\t-----\t-----")
	for _, rs := range r.Rules {
		// Color codes would break tabwriter alignment, so the table stays plain.
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\n", rs.Rule, rs.Severity, rs.Method, rs.Count, rs.Bytes)
	}
	return tw.Flush()
}

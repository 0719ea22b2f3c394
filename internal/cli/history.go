package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/pipeline"
	"github.com/roach88/baitchat/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Plan     string
	Since    string
	Limit    int
	Outcomes bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show submitted runs or recent request outcomes",
		Long: `Show plans that were accepted and queued, newest first.

With --outcomes, show every recorded request outcome instead, including
clarifications and rejections.

Examples:
  baitchat history
  baitchat history --plan scan --since 2025-01-01
  baitchat history --outcomes --limit 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Plan, "plan", "", "only runs of this plan")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only runs since this date or time (2006-01-02 or RFC 3339)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum entries (0 for all)")
	cmd.Flags().BoolVar(&opts.Outcomes, "outcomes", false, "show request outcomes instead of runs")

	return cmd
}

// parseSince reads a date in local time or an RFC 3339 timestamp.
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want 2006-01-02 or RFC 3339", s)
	}
	return t, nil
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	var since time.Time
	if opts.Since != "" {
		t, err := parseSince(opts.Since)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeUsage, err.Error(), nil)
		}
		since = t
	}

	app, err := loadApp(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer app.Close()

	st, err := app.Store()
	if err != nil {
		return f.FailErr("cannot open store", err)
	}
	ctx := cmd.Context()

	if opts.Outcomes {
		recs, err := st.ReadOutcomes(ctx, opts.Limit)
		if err != nil {
			return f.FailErr("cannot read outcomes", err)
		}
		if f.Format == "json" {
			return f.Success(recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(f.Writer, "No requests recorded.")
			return nil
		}
		tw := f.Table()
		fmt.Fprintln(tw, "REQUEST\tTIME\tSTATUS\tCODE\tUTTERANCE\tMESSAGE")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%q\t%s\n", r.RequestID, localTime(r.RecordedAt), r.Status, dash(string(r.Code)), r.Utterance, r.Message)
		}
		return tw.Flush()
	}

	runs, err := st.Runs(ctx, store.RunFilter{Plan: opts.Plan, Since: since, Limit: opts.Limit})
	if err != nil {
		return f.FailErr("cannot read runs", err)
	}
	if f.Format == "json" {
		if runs == nil {
			runs = []store.DecisionRecord{}
		}
		return f.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(f.Writer, "No runs recorded.")
		return nil
	}
	tw := f.Table()
	fmt.Fprintln(tw, "QUEUE ID\tTIME\tREQUEST\tPLAN")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.QueueID, localTime(r.DecidedAt), r.RequestID, pipeline.FormatCall(ir.BoundPlan{Plan: r.Plan, Args: r.Args}))
	}
	return tw.Flush()
}

func localTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

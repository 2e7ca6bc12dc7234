package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/ensemble/internal/harness"
	"github.com/roach88/ensemble/internal/sink"
	"github.com/roach88/ensemble/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	DB        string
	RedisAddr string
	Limit     int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs or show one run",
		Long: `List runs recorded by "ensemble test --history", newest first,
or show every scenario of one run. With --redis, runs stored by the
Redis event sink are read instead.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return runHistory(cmd, opts, runID)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "history database (default report.history from config)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "read runs from this Redis address")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of runs to list")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions, runID string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if opts.RedisAddr != "" {
		return redisHistory(cmd, formatter, opts, runID)
	}

	path := opts.DB
	if path == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
		}
		path = cfg.Report.History
	}
	if path == "" {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "no history database: pass --db or set report.history", nil)
	}

	st, err := store.Open(path, opts.logger(cmd.ErrOrStderr()))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "open history", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if runID != "" {
		report, err := st.GetRun(ctx, runID)
		if errors.Is(err, store.ErrRunNotFound) {
			return formatter.Fail(ExitFailure, ErrCodeHistory, "run not found: "+runID, nil)
		}
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeHistory, "read run", err)
		}
		return showRun(formatter, report)
	}

	runs, err := st.ListRuns(ctx, opts.Limit)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "list runs", err)
	}
	if opts.Format == "json" {
		return formatter.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tSCENARIOS\tFAILED\tEXIT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Scenarios,
			r.Failed,
			r.ExitCode,
		)
	}
	return tw.Flush()
}

func redisHistory(cmd *cobra.Command, formatter *OutputFormatter, opts *HistoryOptions, runID string) error {
	ctx := cmd.Context()
	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	defer client.Close()

	if runID != "" {
		report, err := sink.LoadRun(ctx, client, runID)
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeHistory, "read run", err)
		}
		return showRun(formatter, report)
	}

	ids, err := sink.RecentRuns(ctx, client, int64(opts.Limit))
	if err != nil {
		return formatter.Fail(ExitInfrastructure, ErrCodeHistory, "list runs", err)
	}
	if opts.Format == "json" {
		return formatter.Success(ids)
	}
	if len(ids) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs recorded.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(formatter.Writer, id)
	}
	return nil
}

func showRun(f *OutputFormatter, report *harness.RunReport) error {
	if f.Format == "json" {
		return f.Success(report)
	}
	writeRun(f.Writer, report)
	return nil
}

func writeRun(w io.Writer, report *harness.RunReport) {
	s := report.Summary()
	fmt.Fprintf(w, "run %s  started %s  exit %d\n", report.RunID, report.StartedAt.Local().Format(time.DateTime), report.ExitCode())
	if report.Aborted {
		fmt.Fprintf(w, "aborted: %s\n", report.Error)
		return
	}
	fmt.Fprintf(w, "%d scenarios: %d passed, %d failed, %d skipped, %d vacuous\n\n", s.Total, s.Passed, s.Failed, s.Skipped, s.Vacuous)
	for _, sc := range report.Scenarios {
		fmt.Fprintf(w, "  %-7s %s (%d assertions)\n", sc.Status, sc.Name, sc.AssertionCount)
		if f, ok := sc.FirstFailure(); ok && sc.Status == harness.StatusFailed {
			fmt.Fprintf(w, "          %s", f.Detail)
			if f.Location != "" {
				fmt.Fprintf(w, " (%s)", f.Location)
			}
			fmt.Fprintln(w)
		}
	}
}

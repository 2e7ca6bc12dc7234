package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/ensemble/internal/config"
	"github.com/roach88/ensemble/internal/harness"
	"github.com/roach88/ensemble/internal/metrics"
	"github.com/roach88/ensemble/internal/sink"
	"github.com/roach88/ensemble/internal/store"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter      string // scenario filter (glob pattern)
	Parallel    int
	LocalOnly   bool
	History     string
	RedisAddr   string
	MetricsFile string
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against a conductor",
		Long: `Run every *.yaml scenario in a directory against the configured
conductor and print a TAP report (or JSON lines with --format json).

Exit codes:
  0 - All scenarios passed
  1 - An assertion failed or a scenario made no assertions
  2 - Command or configuration error
  3 - Conductor failure or timeout

Examples:
  ensemble test ./scenarios
  ensemble test ./scenarios --filter "*course*"
  ensemble test ./scenarios --local-only --history runs.db
  ensemble test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "run only scenarios whose name matches this glob")
	cmd.Flags().IntVarP(&opts.Parallel, "parallel", "p", 0, "scenarios executed at once (default from config)")
	cmd.Flags().BoolVar(&opts.LocalOnly, "local-only", false, "force every agent onto the local network")
	cmd.Flags().StringVar(&opts.History, "history", "", "record the run in this SQLite database")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "stream events to this Redis address")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file after the run")

	return cmd
}

func (o *TestOptions) apply(cfg *config.Config) {
	if o.Parallel > 0 {
		cfg.Parallel = o.Parallel
	}
	if o.LocalOnly {
		cfg.LocalOnly = true
	}
	if o.History != "" {
		cfg.Report.History = o.History
	}
	if o.RedisAddr != "" {
		cfg.Report.Redis.Addr = o.RedisAddr
	}
	if o.MetricsFile != "" {
		cfg.Report.MetricsFile = o.MetricsFile
	}
}

func runTests(cmd *cobra.Command, opts *TestOptions, dir string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(dir); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("scenarios directory not found: %s", dir), nil)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}
	opts.apply(cfg)
	logger := opts.logger(cmd.ErrOrStderr())

	registry, err := buildRegistry(cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "load schema", err)
	}
	scenarios, err := harness.LoadScenarioDir(dir, registry)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, "load scenarios", err)
	}
	formatter.VerboseLog("Loaded %d scenario(s) from %s", len(scenarios), dir)
	if len(scenarios) == 0 {
		if opts.Format == "json" {
			return formatter.Success(map[string]any{"scenarios": []string{}})
		}
		fmt.Fprintln(out, "No scenarios found.")
		return nil
	}

	reporters, closeReporters, err := buildReporters(ctx, cfg, opts.Format, out, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "open run history", err)
	}
	defer closeReporters()

	c, release, err := dialConductor(ctx, cfg, logger)
	if err != nil {
		return formatter.Fail(ExitInfrastructure, ErrCodeConductor, "connect to conductor", err)
	}
	defer release()

	m := metrics.New()
	stages := []harness.Stage{harness.Reporting(reporters)}
	if cfg.LocalOnly {
		stages = append(stages, harness.LocalOnly())
	}
	if opts.Filter != "" {
		stages = append(stages, harness.Filter(opts.Filter))
	}
	stages = append(stages, m.Stage())

	o := harness.New(c,
		harness.WithMiddleware(stages...),
		harness.WithDefaults(harnessDefaults(cfg)),
		harness.WithLogger(logger),
	)
	for _, s := range scenarios {
		if err := harness.RegisterScenario(o, s); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeScenario, "register "+s.Path, err)
		}
	}

	report, err := o.Run(ctx, harness.RunOptions{Parallel: cfg.Parallel})
	if err != nil {
		return WrapExitError(ExitCommandError, "run aborted", err)
	}

	if cfg.Report.MetricsFile != "" {
		if err := m.WriteToTextfile(cfg.Report.MetricsFile); err != nil {
			logger.Warn("failed to write metrics", "path", cfg.Report.MetricsFile, "error", err)
		}
	}

	if code := report.ExitCode(); code != ExitSuccess {
		s := report.Summary()
		return NewExitError(code, fmt.Sprintf("%d of %d scenario(s) failed, %d vacuous", s.Failed, s.Total, s.Vacuous))
	}
	return nil
}

// buildReporters assembles the console sink and the configured history
// and event sinks.
func buildReporters(ctx context.Context, cfg *config.Config, format string, out io.Writer, logger *slog.Logger) (sink.Multi, func(), error) {
	var reporters sink.Multi
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if format == "json" {
		reporters = append(reporters, sink.NewJSON(out))
	} else {
		reporters = append(reporters, sink.NewTAP(out))
	}

	if cfg.Report.History != "" {
		st, err := store.Open(cfg.Report.History, logger)
		if err != nil {
			return nil, nil, err
		}
		reporters = append(reporters, st)
		closers = append(closers, func() { _ = st.Close() })
	}

	if r := cfg.Report.Redis; r.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: r.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, event stream disabled", "addr", r.Addr, "error", err)
			_ = client.Close()
		} else {
			reporters = append(reporters, sink.NewRedis(client, r.Stream, r.MaxLen, logger))
			closers = append(closers, func() { _ = client.Close() })
		}
	}

	return reporters, closeAll, nil
}

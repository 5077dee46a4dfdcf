// iotrace runs a command under ptrace and reports per-file I/O statistics.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrzor/iotrace/internal/config"
	"github.com/mrzor/iotrace/internal/eventprocessor"
	"github.com/mrzor/iotrace/internal/fdtable"
	"github.com/mrzor/iotrace/internal/filter"
	"github.com/mrzor/iotrace/internal/logger"
	"github.com/mrzor/iotrace/internal/metrics"
	"github.com/mrzor/iotrace/internal/otel"
	"github.com/mrzor/iotrace/internal/output"
	"github.com/mrzor/iotrace/internal/remotemem"
	"github.com/mrzor/iotrace/internal/report"
	"github.com/mrzor/iotrace/internal/stats"
	"github.com/mrzor/iotrace/internal/syscalls"
	"github.com/mrzor/iotrace/internal/timesync"
	"github.com/mrzor/iotrace/internal/tracer"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// exitError carries the exit status iotrace should terminate with.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:])
	stop()

	if err != nil {
		os.Exit(exitCode(err))
	}
}

func execute(ctx context.Context, args []string) error {
	root, err := newRootCmd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "iotrace: %v\n", err)
		return err
	}
	root.SetArgs(args)

	err = root.ExecuteContext(ctx)
	var ee *exitError
	if err != nil && !(errors.As(err, &ee) && ee.err == nil) {
		fmt.Fprintf(os.Stderr, "iotrace: %v\n", err)
	}
	return err
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func newRootCmd() (*cobra.Command, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	cmd := &cobra.Command{
		Use:   "iotrace [flags] [--] <command> [args...]",
		Short: "Trace a command's file I/O syscalls and report per-file statistics",
		Long: `iotrace runs a command under ptrace, times every syscall it makes and
attributes open, close, read and write calls to the files involved.
Every flag defaults to the matching IOTRACE_* environment variable.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Command = args
			if err := cfg.Validate(); err != nil {
				if errors.Is(err, config.ErrNoCommand) {
					_ = cmd.Usage()
				}
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	// Everything after the traced program name belongs to it.
	flags.SetInterspersed(false)
	flags.StringVarP(&cfg.Output, "output", "o", cfg.Output, `report file, "-" for stdout, "" for none (IOTRACE_OUTPUT)`)
	flags.StringVarP(&cfg.Format, "format", "f", cfg.Format, "report format: json or yaml (IOTRACE_FORMAT)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error (IOTRACE_LOG_LEVEL)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console, json or logfmt (IOTRACE_LOG_FORMAT)")
	flags.StringVar(&cfg.Filter, "filter", cfg.Filter, `expression selecting reported files, e.g. 'bytes_read > 0' (IOTRACE_FILTER)`)
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address while tracing (IOTRACE_METRICS_ADDR)")
	flags.StringVar(&cfg.SQLite, "sqlite", cfg.SQLite, "append the report to this SQLite database (IOTRACE_SQLITE)")
	flags.BoolVar(&cfg.KeepClosed, "keep-closed", cfg.KeepClosed, "keep attributing descriptors to their path after close (IOTRACE_KEEP_CLOSED)")
	flags.IntVar(&cfg.MaxPathLen, "max-path-len", cfg.MaxPathLen, "longest path read from the tracee, terminator included (IOTRACE_MAX_PATH_LEN)")
	flags.BoolVar(&cfg.OTEL, "otel", cfg.OTEL, "export the report as OpenTelemetry spans over OTLP/HTTP (IOTRACE_OTEL)")
	flags.StringVarP(&cfg.TraceID, "trace-id", "t", cfg.TraceID, "OpenTelemetry trace ID, 32 hex chars (IOTRACE_TRACE_ID)")

	cmd.AddCommand(newFormatCmd())
	return cmd, nil
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Describe the fields of the report document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return report.FormatInfo(cmd.OutOrStdout())
		},
	}
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(traceID string) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, err
	}

	tp, err := otel.InitProvider(otelCfg, version, traceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			log.Error().Err(err).Msg("shutting down OTEL provider")
		}
	}

	return tp.Tracer("iotrace"), cleanup, nil
}

// startMetrics serves the live statistics until the returned stop function is
// called.
func startMetrics(addr string, store *stats.Store) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(store, syscalls.Name),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := metrics.Serve(ctx, addr, reg); err != nil {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		return err
	}
	log.Info().Str("version", version).Str("commit", commit).Strs("command", cfg.Command).Msg("starting iotrace")

	f, err := filter.New(cfg.Filter)
	if err != nil {
		return err
	}

	clock := timesync.MonotonicClock{}
	converter, err := timesync.NewConverter(clock)
	if err != nil {
		return fmt.Errorf("failed to create time converter: %w", err)
	}

	var spanTracer trace.Tracer
	if cfg.OTEL {
		t, cleanup, err := setupOTEL(cfg.TraceID)
		if err != nil {
			return err
		}
		defer cleanup()
		spanTracer = t
	}

	store := stats.NewStore()
	if cfg.MetricsAddr != "" {
		stopMetrics := startMetrics(cfg.MetricsAddr, store)
		defer stopMetrics()
	}

	processor := eventprocessor.NewProcessor(
		fdtable.New(),
		store,
		clock,
		remotemem.PtracePeeker{},
		eventprocessor.Options{KeepClosed: cfg.KeepClosed, MaxPathLen: cfg.MaxPathLen},
	)

	//nolint:gosec // This is a tracer tool - launching subprocesses is its purpose
	cmd := exec.Command(cfg.Program(), cfg.Args()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	res, traceErr := tracer.New(cmd, processor, tracer.WithClock(clock)).Run(ctx)
	if traceErr != nil && res.StartMono == 0 {
		// Nothing was traced, there is nothing to report.
		return traceErr
	}
	if traceErr != nil {
		log.Error().Err(traceErr).Msg("tracing stopped early, writing partial report")
	}
	log.Info().Int("pid", res.Pid).Int("exit_code", res.ExitCode).Uint64("syscalls", res.Syscalls).
		Dur("duration", res.Duration()).Msg("command finished")

	r, err := report.Build(report.RunInfo{
		Command:    cfg.Command,
		ExitCode:   res.ExitCode,
		Started:    res.Started,
		Finished:   res.Finished,
		DurationNS: timesync.Elapsed(res.StartMono, res.EndMono),
		Err:        traceErr,
	}, store.Snapshot(), syscalls.Name, f)
	if err != nil {
		return errors.Join(traceErr, err)
	}

	outErr := publish(ctx, cfg, r, spanTracer, converter, output.Run{
		Pid:       res.Pid,
		Signal:    res.Signal,
		StartMono: res.StartMono,
		EndMono:   res.EndMono,
		Err:       traceErr,
	})

	if err := errors.Join(traceErr, outErr); err != nil {
		return &exitError{code: 1, err: err}
	}
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

// publish writes r to every configured destination and joins their errors.
func publish(
	ctx context.Context,
	cfg *config.Config,
	r *report.Report,
	spanTracer trace.Tracer,
	converter *timesync.Converter,
	run output.Run,
) error {
	var errs []error

	if cfg.Output != "" {
		if err := report.WriteFile(cfg.Output, cfg.Format, r); err != nil {
			errs = append(errs, err)
		} else if cfg.Output != "-" {
			log.Info().Str("path", cfg.Output).Int("files", len(r.Files)).Msg("report written")
		}
	}

	if cfg.SQLite != "" {
		errs = append(errs, appendSQLite(ctx, cfg.SQLite, r))
	}

	if spanTracer != nil {
		sc := output.NewSpanExporter(spanTracer, converter).Export(context.WithoutCancel(ctx), run, r)
		log.Info().Str("trace_id", sc.TraceID().String()).Msg("spans exported")
	}

	return errors.Join(errs...)
}

func appendSQLite(ctx context.Context, path string, r *report.Report) error {
	sink, err := report.NewSQLiteSink(path)
	if err != nil {
		return err
	}
	runID, err := sink.Append(context.WithoutCancel(ctx), r)
	if err == nil {
		log.Info().Str("path", path).Int64("run_id", runID).Msg("report stored")
	}
	return errors.Join(err, sink.Close())
}

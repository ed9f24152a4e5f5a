package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bc-dunia/pcwatch/internal/config"
	"github.com/bc-dunia/pcwatch/internal/events"
	"github.com/bc-dunia/pcwatch/internal/otel"
	"github.com/bc-dunia/pcwatch/internal/runstate"
	"github.com/bc-dunia/pcwatch/internal/runwait"
)

const version = "1.0.0"

// Exit codes
const (
	exitOK        = 0
	exitError     = 1
	exitRunFailed = 2
)

type classification struct {
	State    string `json:"state"`
	Label    string `json:"label"`
	Rank     int    `json:"rank"`
	Known    bool   `json:"known"`
	Terminal bool   `json:"terminal"`
	Failure  bool   `json:"failure"`
}

type options struct {
	list         bool
	label        string
	labelSet     bool
	wait         bool
	runID        string
	action       string
	target       string
	pollInterval time.Duration
	timeout      time.Duration
	maxErrors    int
	exporter     string
	endpoint     string
	insecure     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return exitError
	}

	switch {
	case opts.list:
		return listStates(stdout)
	case opts.wait:
		return waitForRun(ctx, opts, stdin, stdout, stderr)
	case opts.labelSet:
		return classify(opts.label, stdout, stderr)
	default:
		fmt.Fprintln(stderr, "Error: one of --list, --label or --wait is required")
		return exitError
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	defaults := config.DefaultWaitConfig()
	opts := &options{}

	fs := flag.NewFlagSet("pcwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.list, "list", false, "List every run state in lifecycle order")
	fs.StringVar(&opts.label, "label", "", "Classify a run state label reported by the controller")
	fs.BoolVar(&opts.wait, "wait", false, "Replay status labels from stdin until the run completes")
	fs.StringVar(&opts.runID, "run-id", "", "Run identifier used in logs and traces")
	fs.StringVar(&opts.action, "action", runwait.CollateAndAnalyze.String(), "Post-run action: do-nothing, collate or collate-and-analyze")
	fs.StringVar(&opts.target, "target", "", "Target state label (overrides --action)")
	fs.DurationVar(&opts.pollInterval, "poll-interval", defaults.PollInterval, "Delay between status polls")
	fs.DurationVar(&opts.timeout, "timeout", defaults.Timeout, "Overall wait timeout (0 = none)")
	fs.IntVar(&opts.maxErrors, "max-poll-errors", defaults.MaxPollErrors, "Consecutive status errors tolerated")
	fs.StringVar(&opts.exporter, "otel-exporter", string(otel.ExporterNone), "Telemetry exporter: none, stdout, otlp-grpc or otlp-http")
	fs.StringVar(&opts.endpoint, "otel-endpoint", "", "OTLP endpoint (e.g. localhost:4317)")
	fs.BoolVar(&opts.insecure, "otel-insecure", false, "Disable TLS for OTLP exporters")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// An empty label is a valid query.
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "label" {
			opts.labelSet = true
		}
	})
	return opts, nil
}

func describe(s runstate.RunState) classification {
	return classification{
		State:    s.String(),
		Label:    s.Label(),
		Rank:     s.Rank(),
		Known:    s != runstate.Undefined,
		Terminal: s.IsTerminal(),
		Failure:  s.HasFailure(),
	}
}

func classify(label string, stdout, stderr io.Writer) int {
	enc := json.NewEncoder(stdout)
	if err := enc.Encode(describe(runstate.FromLabel(label))); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func listStates(stdout io.Writer) int {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tLABEL\tTERMINAL\tFAILURE")
	for _, s := range runstate.All() {
		label := s.Label()
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%t\n", s.Rank(), label, s.IsTerminal(), s.HasFailure())
	}
	tw.Flush()
	return exitOK
}

func waitForRun(ctx context.Context, opts *options, stdin io.Reader, stdout, stderr io.Writer) int {
	if opts.runID == "" {
		fmt.Fprintln(stderr, "Error: --run-id is required with --wait")
		return exitError
	}

	action, err := runwait.ParsePostRunAction(opts.action)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	var target runstate.RunState
	if opts.target != "" {
		target = runstate.FromLabel(opts.target)
		if target == runstate.Undefined {
			fmt.Fprintf(stderr, "Error: unknown target state %q\n", opts.target)
			return exitError
		}
	}

	exporter, err := otel.ParseExporterType(opts.exporter)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:        exporter != otel.ExporterNone,
		ServiceName:    "pcwatch",
		ServiceVersion: version,
		ExporterType:   exporter,
		OTLPEndpoint:   opts.endpoint,
		OTLPInsecure:   opts.insecure,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:        exporter != otel.ExporterNone,
		ServiceName:    "pcwatch",
		ServiceVersion: version,
		ExporterType:   exporter,
		OTLPEndpoint:   opts.endpoint,
		OTLPInsecure:   opts.insecure,
		SampleRate:     1.0,
	})
	if err != nil {
		metrics.Shutdown(context.Background())
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "Warning: tracer shutdown: %v\n", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "Warning: metrics shutdown: %v\n", err)
		}
	}()

	w, err := runwait.New(runwait.NewScannerSource(stdin), config.WaitConfig{
		PollInterval:  opts.pollInterval,
		Timeout:       opts.timeout,
		MaxPollErrors: opts.maxErrors,
	},
		runwait.WithEventLogger(events.NewEventLoggerWithWriter(opts.runID, stderr)),
		runwait.WithMetrics(metrics),
		runwait.WithTracer(tracer),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	var state runstate.RunState
	if opts.target != "" {
		state, err = w.WaitForRunState(ctx, opts.runID, target)
	} else {
		state, err = w.WaitForRunCompletion(ctx, opts.runID, action)
	}

	if encErr := json.NewEncoder(stdout).Encode(describe(state)); encErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", encErr)
		return exitError
	}

	switch {
	case err == nil:
		return exitOK
	case runwait.IsRunFailed(err):
		return exitRunFailed
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}

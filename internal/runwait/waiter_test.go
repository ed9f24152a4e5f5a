package runwait

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/bc-dunia/pcwatch/internal/config"
	"github.com/bc-dunia/pcwatch/internal/events"
	"github.com/bc-dunia/pcwatch/internal/otel"
	"github.com/bc-dunia/pcwatch/internal/runstate"
)

type response struct {
	label string
	err   error
}

// scriptedSource replays responses in order and repeats the last one.
type scriptedSource struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

func (s *scriptedSource) RunStatus(ctx context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i].label, s.responses[i].err
}

func labels(ls ...string) *scriptedSource {
	src := &scriptedSource{}
	for _, l := range ls {
		src.responses = append(src.responses, response{label: l})
	}
	return src
}

func testConfig() config.WaitConfig {
	cfg := config.DefaultWaitConfig()
	cfg.PollInterval = config.MinPollInterval
	return cfg
}

func newTestWaiter(t *testing.T, src StatusSource, cfg config.WaitConfig, opts ...Option) (*Waiter, *bytes.Buffer, *int) {
	t.Helper()
	var buf bytes.Buffer
	opts = append([]Option{
		WithEventLogger(events.NewEventLoggerWithWriter("", &buf)),
		WithMetrics(otel.NoopMetrics()),
		WithTracer(otel.NoopTracer()),
	}, opts...)
	w, err := New(src, cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sleeps := 0
	w.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return ctx.Err()
	}
	return w, &buf, &sleeps
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, testConfig()); err == nil {
		t.Error("expected error for nil source")
	}

	cfg := testConfig()
	cfg.PollInterval = 0
	if _, err := New(labels("Running"), cfg); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestWaitForRunStateReachesTarget(t *testing.T) {
	src := labels("Initializing", "Running", "Running", "Stopping", "Before Collating Results")
	w, buf, sleeps := newTestWaiter(t, src, testConfig())

	state, err := w.WaitForRunState(context.Background(), "run_1", runstate.BeforeCollatingResults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != runstate.BeforeCollatingResults {
		t.Errorf("expected BeforeCollatingResults, got %v", state)
	}
	if src.calls != 5 {
		t.Errorf("expected 5 polls, got %d", src.calls)
	}
	if *sleeps != 4 {
		t.Errorf("expected 4 sleeps, got %d", *sleeps)
	}

	// Running is observed twice but logged once.
	if n := strings.Count(buf.String(), `"msg":"run_state_changed"`); n != 4 {
		t.Errorf("expected 4 state change events, got %d\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), `"run_id":"run_1"`) {
		t.Error("expected run_id on log records")
	}
}

func TestWaitForRunStatePassedTarget(t *testing.T) {
	// The target state itself may be skipped between two polls.
	src := labels("Running", "Collating Results")
	w, _, _ := newTestWaiter(t, src, testConfig())

	state, err := w.WaitForRunState(context.Background(), "run_1", runstate.BeforeCollatingResults)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != runstate.CollatingResults {
		t.Errorf("expected CollatingResults, got %v", state)
	}
}

func TestWaitForRunCompletionActions(t *testing.T) {
	feed := []string{
		"Running",
		"Before Collating Results",
		"Collating Results",
		"Before Creating Analysis Data",
		"Creating Analysis Data",
		"Finished",
	}
	tests := []struct {
		action PostRunAction
		want   runstate.RunState
		polls  int
	}{
		{DoNothing, runstate.BeforeCollatingResults, 2},
		{Collate, runstate.BeforeCreatingAnalysisData, 4},
		{CollateAndAnalyze, runstate.Finished, 6},
	}

	for _, tc := range tests {
		t.Run(tc.action.String(), func(t *testing.T) {
			src := labels(feed...)
			w, _, _ := newTestWaiter(t, src, testConfig())

			state, err := w.WaitForRunCompletion(context.Background(), "run_1", tc.action)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if state != tc.want {
				t.Errorf("expected %v, got %v", tc.want, state)
			}
			if src.calls != tc.polls {
				t.Errorf("expected %d polls, got %d", tc.polls, src.calls)
			}
		})
	}
}

func TestWaitStopsOnFailure(t *testing.T) {
	src := labels("Running", "Run Failure", "Finished")
	w, _, _ := newTestWaiter(t, src, testConfig())

	state, err := w.WaitForRunCompletion(context.Background(), "run_1", CollateAndAnalyze)
	if !IsRunFailed(err) {
		t.Fatalf("expected run failed error, got %v", err)
	}
	if state != runstate.RunFailure {
		t.Errorf("expected RunFailure, got %v", state)
	}
	wErr := AsWaitError(err)
	if wErr.State != runstate.RunFailure || wErr.Target != runstate.Finished {
		t.Errorf("unexpected error fields: %+v", wErr)
	}
}

func TestWaitFailureAfterTarget(t *testing.T) {
	// Failed Collating Results ranks past the DoNothing target but is still a failure.
	src := labels("Running", "Failed Collating Results")
	w, _, _ := newTestWaiter(t, src, testConfig())

	state, err := w.WaitForRunCompletion(context.Background(), "run_1", DoNothing)
	if !IsRunFailed(err) {
		t.Fatalf("expected run failed error, got %v", err)
	}
	if state != runstate.FailedCollatingResults {
		t.Errorf("expected FailedCollatingResults, got %v", state)
	}
}

func TestWaitCanceledRunIsNotFailure(t *testing.T) {
	src := labels("Running", "Canceled")
	w, _, _ := newTestWaiter(t, src, testConfig())

	state, err := w.WaitForRunCompletion(context.Background(), "run_1", CollateAndAnalyze)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != runstate.Canceled {
		t.Errorf("expected Canceled, got %v", state)
	}
}

func TestWaitIgnoresUnknownLabels(t *testing.T) {
	src := labels("Running", "Exploding", "", "Finished")
	w, buf, _ := newTestWaiter(t, src, testConfig())

	state, err := w.WaitForRunState(context.Background(), "run_1", runstate.Finished)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != runstate.Finished {
		t.Errorf("expected Finished, got %v", state)
	}
	if n := strings.Count(buf.String(), `"msg":"unknown_run_state"`); n != 2 {
		t.Errorf("expected 2 unknown state events, got %d", n)
	}
}

func TestWaitInvalidTarget(t *testing.T) {
	w, _, _ := newTestWaiter(t, labels("Running"), testConfig())

	if _, err := w.WaitForRunState(context.Background(), "run_1", runstate.Undefined); err == nil {
		t.Error("expected error for Undefined target")
	}
	if _, err := w.WaitForRunState(context.Background(), "run_1", runstate.RunState(42)); err == nil {
		t.Error("expected error for out-of-range target")
	}
}

func TestWaitUnknownActionRejected(t *testing.T) {
	src := labels("Finished")
	w, _, _ := newTestWaiter(t, src, testConfig())

	if _, err := w.WaitForRunCompletion(context.Background(), "run_1", PostRunAction(7)); err == nil {
		t.Fatal("expected error for unknown post-run action")
	}
	if src.calls != 0 {
		t.Errorf("expected no polls, got %d", src.calls)
	}
}

func TestWaitRetriesSourceErrors(t *testing.T) {
	boom := errors.New("connection reset")
	src := &scriptedSource{responses: []response{
		{label: "Running"},
		{err: boom},
		{err: boom},
		{label: "Finished"},
	}}
	w, buf, _ := newTestWaiter(t, src, testConfig())

	state, err := w.WaitForRunState(context.Background(), "run_1", runstate.Finished)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != runstate.Finished {
		t.Errorf("expected Finished, got %v", state)
	}
	if n := strings.Count(buf.String(), `"msg":"poll_error"`); n != 2 {
		t.Errorf("expected 2 poll errors logged, got %d", n)
	}
}

func TestWaitGivesUpAfterMaxPollErrors(t *testing.T) {
	boom := errors.New("connection reset")
	src := &scriptedSource{responses: []response{
		{label: "Running"},
		{err: boom},
	}}
	cfg := testConfig()
	cfg.MaxPollErrors = 3
	w, _, _ := newTestWaiter(t, src, cfg)

	state, err := w.WaitForRunState(context.Background(), "run_1", runstate.Finished)
	wErr := AsWaitError(err)
	if wErr == nil || wErr.Kind != ErrKindSource {
		t.Fatalf("expected source error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("expected source error to wrap the cause")
	}
	if state != runstate.Running {
		t.Errorf("expected last state Running, got %v", state)
	}
	if src.calls != 4 {
		t.Errorf("expected 4 polls, got %d", src.calls)
	}
}

func TestWaitStopsOnClosedSource(t *testing.T) {
	w, _, _ := newTestWaiter(t, NewScannerSource(strings.NewReader("Running\nStopping\n")), testConfig())

	state, err := w.WaitForRunState(context.Background(), "run_1", runstate.Finished)
	if !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed, got %v", err)
	}
	if state != runstate.Stopping {
		t.Errorf("expected Stopping, got %v", state)
	}
}

func TestWaitCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := StatusSourceFunc(func(ctx context.Context, runID string) (string, error) {
		return "", ctx.Err()
	})
	w, _, _ := newTestWaiter(t, src, testConfig())

	_, err := w.WaitForRunState(ctx, "run_1", runstate.Finished)
	wErr := AsWaitError(err)
	if wErr == nil || wErr.Kind != ErrKindCanceled {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("expected error to wrap context.Canceled")
	}
}

func TestWaitTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 250 * time.Millisecond
	w, err := New(labels("Running"), cfg,
		WithEventLogger(events.NoopEventLogger()),
		WithMetrics(otel.NoopMetrics()),
		WithTracer(otel.NoopTracer()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	start := time.Now()
	state, err := w.WaitForRunState(context.Background(), "run_1", runstate.Finished)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if state != runstate.Running {
		t.Errorf("expected last state Running, got %v", state)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("wait took too long: %s", elapsed)
	}
}

func TestWaitRecordsTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := otel.NewMetricsWithReader(otel.DefaultMetricsConfig(), reader)
	if err != nil {
		t.Fatalf("NewMetricsWithReader failed: %v", err)
	}
	defer metrics.Shutdown(context.Background())

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	src := labels("Running", "Stopping", "Finished")
	w, buf, _ := newTestWaiter(t, src, testConfig(),
		WithMetrics(metrics),
		WithTracer(otel.NewTracerWithProvider(otel.DefaultConfig(), tp)),
	)

	if _, err := w.WaitForRunState(context.Background(), "run_1", runstate.Finished); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	found := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m.Data
		}
	}
	gauge, ok := found["pcwatch.run.state"].(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != int64(runstate.Finished.Rank()) {
		t.Errorf("unexpected run state gauge: %+v", found["pcwatch.run.state"])
	}
	polls, ok := found["pcwatch.polls"].(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("missing poll counter")
	}
	var total int64
	for _, dp := range polls.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("expected 3 polls recorded, got %d", total)
	}
	if _, ok := found["pcwatch.wait.duration"].(metricdata.Histogram[float64]); !ok {
		t.Error("missing wait duration histogram")
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	stateChanges := 0
	for _, ev := range spans[0].Events() {
		if ev.Name == "state_change" {
			stateChanges++
		}
	}
	if stateChanges != 3 {
		t.Errorf("expected 3 state_change events, got %d", stateChanges)
	}

	finished := findRecord(t, buf, "wait_finished")
	if finished["trace_id"] != spans[0].SpanContext().TraceID().String() {
		t.Errorf("expected wait_finished trace_id %s, got %v", spans[0].SpanContext().TraceID(), finished["trace_id"])
	}
	if finished["span_id"] != spans[0].SpanContext().SpanID().String() {
		t.Errorf("expected wait_finished span_id %s, got %v", spans[0].SpanContext().SpanID(), finished["span_id"])
	}
	if finished["level"] != "INFO" {
		t.Errorf("expected INFO level for a reached target, got %v", finished["level"])
	}
}

func findRecord(t *testing.T, buf *bytes.Buffer, msg string) map[string]interface{} {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		if rec["msg"] == msg {
			return rec
		}
	}
	t.Fatalf("no %q record in log:\n%s", msg, buf.String())
	return nil
}

func TestWaitSourceFailureIsNotRetryable(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	w, buf, _ := newTestWaiter(t, NewScannerSource(strings.NewReader("Running\n")), testConfig(),
		WithTracer(otel.NewTracerWithProvider(otel.DefaultConfig(), tp)),
	)

	_, err := w.WaitForRunState(context.Background(), "run_1", runstate.Finished)
	if wErr := AsWaitError(err); wErr == nil || wErr.Kind != ErrKindSource {
		t.Fatalf("expected source error, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	var retryable, found bool
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "error.retryable" {
			found = true
			retryable = kv.Value.AsBool()
		}
	}
	if !found || retryable {
		t.Errorf("expected error.retryable=false on a finished wait, found=%v retryable=%v", found, retryable)
	}

	finished := findRecord(t, buf, "wait_finished")
	if finished["level"] != "WARN" || finished["outcome"] != "source" {
		t.Errorf("unexpected wait_finished record: %v", finished)
	}
}

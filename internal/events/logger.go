package events

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for run polling events.
type EventLogger struct {
	base   *slog.Logger
	logger *slog.Logger
	runID  string
}

// NewEventLogger creates a new EventLogger with JSON output to stdout.
// It includes the base attribute run_id.
func NewEventLogger(runID string) *EventLogger {
	return NewEventLoggerWithWriter(runID, os.Stdout)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a custom writer.
// Useful for testing or redirecting output.
func NewEventLoggerWithWriter(runID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	base := slog.New(handler)
	return &EventLogger{
		base:   base,
		logger: base.With("run_id", runID),
		runID:  runID,
	}
}

// WithRunID returns a logger sharing the same handler but tagged with another run.
func (el *EventLogger) WithRunID(runID string) *EventLogger {
	return &EventLogger{
		base:   el.base,
		logger: el.base.With("run_id", runID),
		runID:  runID,
	}
}

// RunID returns the run the logger is bound to.
func (el *EventLogger) RunID() string {
	return el.runID
}

// LogStateChange logs a change in the observed run state.
// event: "run_state_changed"
// Attributes: from_state, to_state, rank, raw_label
func (el *EventLogger) LogStateChange(fromState, toState string, rank int, rawLabel string) {
	el.logger.Info("run_state_changed",
		"from_state", fromState,
		"to_state", toState,
		"rank", rank,
		"raw_label", rawLabel,
	)
}

// LogUnknownLabel logs a status label that matched no known state.
// event: "unknown_run_state"
// Attributes: raw_label
func (el *EventLogger) LogUnknownLabel(rawLabel string) {
	el.logger.Warn("unknown_run_state",
		"raw_label", rawLabel,
	)
}

// LogPollError logs a failed status request.
// event: "poll_error"
// Attributes: attempt, max_attempts, error
func (el *EventLogger) LogPollError(attempt, maxAttempts int, err error) {
	el.logger.Warn("poll_error",
		"attempt", attempt,
		"max_attempts", maxAttempts,
		"error", err.Error(),
	)
}

// WaitSummary describes how a wait ended.
type WaitSummary struct {
	TargetState string
	FinalState  string
	Outcome     string
	// Failed selects warn level.
	Failed    bool
	ElapsedMs int64
	Polls     int
	TraceID   string
	SpanID    string
}

// LogWaitFinished logs the end of a wait.
// event: "wait_finished"
// Attributes: target_state, final_state, outcome, elapsed_ms, polls, trace_id, span_id
func (el *EventLogger) LogWaitFinished(sum WaitSummary) {
	level := slog.LevelInfo
	if sum.Failed {
		level = slog.LevelWarn
	}
	attrs := []any{
		"target_state", sum.TargetState,
		"final_state", sum.FinalState,
		"outcome", sum.Outcome,
		"elapsed_ms", sum.ElapsedMs,
		"polls", sum.Polls,
	}
	if sum.TraceID != "" {
		attrs = append(attrs, "trace_id", sum.TraceID, "span_id", sum.SpanID)
	}
	el.logger.Log(context.Background(), level, "wait_finished", attrs...)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex

	noopOnce   sync.Once
	noopLogger *EventLogger
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		noopLogger = NewEventLoggerWithWriter("", io.Discard)
	})
	return noopLogger
}

// Package runwait polls a test controller until a run reaches a target
// lifecycle state.
package runwait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bc-dunia/pcwatch/internal/config"
	"github.com/bc-dunia/pcwatch/internal/events"
	"github.com/bc-dunia/pcwatch/internal/otel"
	"github.com/bc-dunia/pcwatch/internal/runstate"
)

const outcomeReached = "reached"

// Waiter polls a StatusSource until a run reaches a target state.
// A Waiter is safe for concurrent use; each wait keeps its own state.
type Waiter struct {
	source  StatusSource
	cfg     config.WaitConfig
	logger  *events.EventLogger
	metrics *otel.Metrics
	tracer  *otel.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithEventLogger sets the logger used for state changes and poll errors.
func WithEventLogger(l *events.EventLogger) Option {
	return func(w *Waiter) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *otel.Metrics) Option {
	return func(w *Waiter) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithTracer sets the tracer used for wait spans.
func WithTracer(t *otel.Tracer) Option {
	return func(w *Waiter) {
		if t != nil {
			w.tracer = t
		}
	}
}

// New creates a Waiter reading from source.
func New(source StatusSource, cfg config.WaitConfig, opts ...Option) (*Waiter, error) {
	if source == nil {
		return nil, errors.New("status source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wait config: %w", err)
	}

	w := &Waiter{
		source:  source,
		cfg:     cfg,
		logger:  events.GetGlobalEventLogger(),
		metrics: otel.GetGlobalMetrics(),
		tracer:  otel.GetGlobalTracer(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// WaitForRunCompletion waits until the run reaches the completion state of action.
func (w *Waiter) WaitForRunCompletion(ctx context.Context, runID string, action PostRunAction) (runstate.RunState, error) {
	return w.wait(ctx, runID, action.CompletionState(), action.String())
}

// WaitForRunState waits until the run reaches or passes target.
//
// The returned state is the last recognized state. The wait ends early with
// an ErrKindRunFailed error when the run lands in a failure state. Canceled
// ranks after every waitable target, so a canceled run ends the wait without
// an error. Labels that match no state never end the wait.
func (w *Waiter) WaitForRunState(ctx context.Context, runID string, target runstate.RunState) (runstate.RunState, error) {
	return w.wait(ctx, runID, target, "")
}

func (w *Waiter) wait(ctx context.Context, runID string, target runstate.RunState, action string) (runstate.RunState, error) {
	if target == runstate.Undefined || !target.Valid() {
		return runstate.Undefined, fmt.Errorf("invalid target state %v", target)
	}

	logger := w.logger.WithRunID(runID)
	ctx, span := w.tracer.StartWaitSpan(ctx, otel.WaitSpanOptions{
		RunID:       runID,
		TargetState: target.String(),
		Action:      action,
	})
	defer span.End()

	pollCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	p := &poll{
		w:       w,
		ctx:     ctx,
		runID:   runID,
		target:  target,
		logger:  logger,
		span:    span,
		started: time.Now(),
	}

	for {
		label, err := w.source.RunStatus(pollCtx, runID)
		p.polls++
		if err != nil {
			if ctxErr := pollCtx.Err(); ctxErr != nil {
				return p.finish(contextError(runID, p.last, target, ctxErr))
			}
			if done, werr := p.onError(err); done {
				return p.finish(werr)
			}
		} else {
			state := p.observe(label)
			if state.HasFailure() {
				return p.finish(NewRunFailedError(runID, state, target))
			}
			if state != runstate.Undefined && state.AtLeast(target) {
				return p.finish(nil)
			}
		}

		if err := w.sleep(pollCtx, w.cfg.PollInterval); err != nil {
			return p.finish(contextError(runID, p.last, target, err))
		}
	}
}

// poll holds the progress of a single wait.
type poll struct {
	w         *Waiter
	ctx       context.Context
	runID     string
	target    runstate.RunState
	logger    *events.EventLogger
	span      trace.Span
	started   time.Time
	last      runstate.RunState
	lastLabel string
	polls     int
	failures  int
}

func (p *poll) observe(label string) runstate.RunState {
	p.failures = 0
	state := runstate.FromLabel(label)
	p.w.metrics.RecordPoll(p.ctx, state.String())

	switch {
	case state == runstate.Undefined:
		if label != p.lastLabel {
			p.logger.LogUnknownLabel(label)
		}
	case state != p.last:
		p.logger.LogStateChange(p.last.String(), state.String(), state.Rank(), label)
		otel.RecordStateChange(p.span, p.last.String(), state.String(), state.Rank())
		p.w.metrics.SetCurrentRank(state.Rank())
		p.last = state
	}
	p.lastLabel = label
	return state
}

func (p *poll) onError(err error) (bool, error) {
	p.failures++
	maxFailures := p.w.cfg.MaxPollErrors
	p.w.metrics.RecordPollError(p.ctx)
	p.logger.LogPollError(p.failures, maxFailures, err)

	if errors.Is(err, ErrSourceClosed) || p.failures >= maxFailures {
		return true, NewSourceError(p.runID, p.last, p.target, err)
	}
	otel.RecordRetry(p.span, p.failures, err.Error())
	return false, nil
}

func (p *poll) finish(err error) (runstate.RunState, error) {
	outcome := outcomeReached
	wErr := AsWaitError(err)
	if wErr != nil {
		outcome = wErr.Kind.String()
		// Terminal: the waiter never retries past this point.
		otel.RecordError(p.span, err, outcome, false)
		p.span.SetStatus(codes.Error, wErr.Message)
	}

	elapsed := time.Since(p.started)
	p.span.SetAttributes(
		attribute.String("pcwatch.final_state", p.last.String()),
		attribute.Int("pcwatch.polls", p.polls),
	)
	p.w.metrics.RecordWaitDuration(p.ctx, p.target.String(), outcome, float64(elapsed.Microseconds())/1000.0)

	traceID, spanID := otel.GetTraceInfo(p.ctx)
	p.logger.LogWaitFinished(events.WaitSummary{
		TargetState: p.target.String(),
		FinalState:  p.last.String(),
		Outcome:     outcome,
		Failed:      wErr != nil,
		ElapsedMs:   elapsed.Milliseconds(),
		Polls:       p.polls,
		TraceID:     traceID,
		SpanID:      spanID,
	})
	return p.last, err
}

func contextError(runID string, last, target runstate.RunState, err error) *WaitError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(runID, last, target, err)
	}
	return NewCanceledError(runID, last, target, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

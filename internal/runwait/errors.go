package runwait

import (
	"errors"
	"fmt"

	"github.com/bc-dunia/pcwatch/internal/runstate"
)

// ErrSourceClosed is returned by a StatusSource that will never report
// another status. The waiter gives up immediately when it sees it.
var ErrSourceClosed = errors.New("status source closed")

// WaitError is a typed error describing why a wait ended without reaching its target.
type WaitError struct {
	Kind    ErrorKind
	RunID   string
	State   runstate.RunState
	Target  runstate.RunState
	Message string
	Cause   error
}

// ErrorKind categorizes the error.
type ErrorKind int

const (
	ErrKindTimeout ErrorKind = iota
	ErrKindCanceled
	ErrKindSource
	ErrKindRunFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTimeout:
		return "timeout"
	case ErrKindCanceled:
		return "canceled"
	case ErrKindSource:
		return "source"
	case ErrKindRunFailed:
		return "run_failed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (e *WaitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *WaitError) Unwrap() error {
	return e.Cause
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(runID string, last, target runstate.RunState, cause error) *WaitError {
	return &WaitError{
		Kind:    ErrKindTimeout,
		RunID:   runID,
		State:   last,
		Target:  target,
		Message: fmt.Sprintf("run %s did not reach %s in time (last state %s)", runID, target, last),
		Cause:   cause,
	}
}

// NewCanceledError creates a cancellation error.
func NewCanceledError(runID string, last, target runstate.RunState, cause error) *WaitError {
	return &WaitError{
		Kind:    ErrKindCanceled,
		RunID:   runID,
		State:   last,
		Target:  target,
		Message: fmt.Sprintf("wait for run %s canceled (last state %s)", runID, last),
		Cause:   cause,
	}
}

// NewSourceError wraps a status source failure.
func NewSourceError(runID string, last, target runstate.RunState, cause error) *WaitError {
	return &WaitError{
		Kind:    ErrKindSource,
		RunID:   runID,
		State:   last,
		Target:  target,
		Message: fmt.Sprintf("cannot read status of run %s", runID),
		Cause:   cause,
	}
}

// NewRunFailedError creates an error for a run that ended in a failure state.
func NewRunFailedError(runID string, state, target runstate.RunState) *WaitError {
	return &WaitError{
		Kind:    ErrKindRunFailed,
		RunID:   runID,
		State:   state,
		Target:  target,
		Message: fmt.Sprintf("run %s ended in failure state %q", runID, state.Label()),
	}
}

// AsWaitError attempts to convert an error to a WaitError.
// Returns nil if not possible.
func AsWaitError(err error) *WaitError {
	var wErr *WaitError
	if errors.As(err, &wErr) {
		return wErr
	}
	return nil
}

// IsRunFailed checks if the error reports a run that ended in a failure state.
func IsRunFailed(err error) bool {
	wErr := AsWaitError(err)
	return wErr != nil && wErr.Kind == ErrKindRunFailed
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	wErr := AsWaitError(err)
	return wErr != nil && wErr.Kind == ErrKindTimeout
}

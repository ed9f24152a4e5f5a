// Package runstate models the lifecycle states a performance-test controller
// reports for a run.
package runstate

import (
	"strconv"
	"strings"
)

// RunState is the lifecycle state of a remote test run.
//
// The numeric value is the state's rank. Pollers compare ranks to decide
// whether a run has reached or passed a target state, so the values below
// must never be renumbered or reordered.
type RunState int

const (
	Undefined                   RunState = 0
	Initializing                RunState = 1
	Running                     RunState = 2
	Stopping                    RunState = 3
	BeforeCollatingResults      RunState = 4
	CollatingResults            RunState = 5
	BeforeCreatingAnalysisData  RunState = 6
	PendingCreatingAnalysisData RunState = 7
	CreatingAnalysisData        RunState = 8
	Finished                    RunState = 9
	FailedCollatingResults      RunState = 10
	FailedCreatingAnalysisData  RunState = 11
	Canceled                    RunState = 12
	RunFailure                  RunState = 13
)

// labels is indexed by rank.
var labels = [...]string{
	Undefined:                   "",
	Initializing:                "Initializing",
	Running:                     "Running",
	Stopping:                    "Stopping",
	BeforeCollatingResults:      "Before Collating Results",
	CollatingResults:            "Collating Results",
	BeforeCreatingAnalysisData:  "Before Creating Analysis Data",
	PendingCreatingAnalysisData: "Pending Creating Analysis Data",
	CreatingAnalysisData:        "Creating Analysis Data",
	Finished:                    "Finished",
	FailedCollatingResults:      "Failed Collating Results",
	FailedCreatingAnalysisData:  "Failed Creating Analysis Data",
	Canceled:                    "Canceled",
	RunFailure:                  "Run Failure",
}

var byLabel = func() map[string]RunState {
	m := make(map[string]RunState, len(labels))
	for i := len(labels) - 1; i >= 0; i-- {
		// Walk backwards so the earliest declared state wins a shared label.
		m[labels[i]] = RunState(i)
	}
	return m
}()

// All returns every state in declaration order.
func All() []RunState {
	states := make([]RunState, len(labels))
	for i := range labels {
		states[i] = RunState(i)
	}
	return states
}

// FromLabel resolves a label reported by the controller. Matching is exact and
// case-sensitive. Unknown labels resolve to Undefined.
func FromLabel(label string) RunState {
	if s, ok := byLabel[label]; ok {
		return s
	}
	return Undefined
}

// Valid reports whether s is one of the declared states.
func (s RunState) Valid() bool {
	return s >= 0 && int(s) < len(labels)
}

// Label returns the controller's label for s.
func (s RunState) Label() string {
	if !s.Valid() {
		return ""
	}
	return labels[s]
}

func (s RunState) String() string {
	switch {
	case s == Undefined:
		return "Undefined"
	case !s.Valid():
		return "RunState(" + strconv.Itoa(int(s)) + ")"
	}
	return labels[s]
}

// Rank returns the stable lifecycle ordinal of s.
func (s RunState) Rank() int {
	return int(s)
}

// Before reports whether s precedes o in the lifecycle.
func (s RunState) Before(o RunState) bool {
	return s.Rank() < o.Rank()
}

// AtLeast reports whether s has reached or passed o.
func (s RunState) AtLeast(o RunState) bool {
	return s.Rank() >= o.Rank()
}

// HasFailure reports whether s denotes abnormal termination. Canceled is not
// a failure.
func (s RunState) HasFailure() bool {
	return strings.Contains(strings.ToLower(s.Label()), "fail")
}

// IsTerminal reports whether the run cannot progress past s.
func (s RunState) IsTerminal() bool {
	switch s {
	case Finished, FailedCollatingResults, FailedCreatingAnalysisData, Canceled, RunFailure:
		return true
	default:
		return false
	}
}

// MarshalText encodes s as its controller label.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.Label()), nil
}

// UnmarshalText decodes a controller label. It never fails; unknown labels
// decode to Undefined.
func (s *RunState) UnmarshalText(text []byte) error {
	*s = FromLabel(string(text))
	return nil
}

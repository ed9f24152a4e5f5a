package runwait

import (
	"fmt"
	"strings"

	"github.com/bc-dunia/pcwatch/internal/runstate"
)

// PostRunAction selects how far past the load phase a run is followed.
type PostRunAction int

const (
	// DoNothing waits until the controller starts collating results.
	DoNothing PostRunAction = iota
	// Collate waits until results have been collated.
	Collate
	// CollateAndAnalyze waits until analysis data is created.
	CollateAndAnalyze
)

var actionNames = map[PostRunAction]string{
	DoNothing:         "do-nothing",
	Collate:           "collate",
	CollateAndAnalyze: "collate-and-analyze",
}

func (a PostRunAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("PostRunAction(%d)", int(a))
}

// CompletionState is the state at which a run counts as complete for a.
// Unknown actions map to Undefined.
func (a PostRunAction) CompletionState() runstate.RunState {
	switch a {
	case DoNothing:
		return runstate.BeforeCollatingResults
	case Collate:
		return runstate.BeforeCreatingAnalysisData
	case CollateAndAnalyze:
		return runstate.Finished
	default:
		return runstate.Undefined
	}
}

// ParsePostRunAction parses an action name, ignoring case.
func ParsePostRunAction(s string) (PostRunAction, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown post-run action %q", s)
}

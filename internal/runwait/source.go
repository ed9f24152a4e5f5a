package runwait

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// StatusSource reports the raw state label of a run, as the controller
// returns it.
type StatusSource interface {
	RunStatus(ctx context.Context, runID string) (string, error)
}

// StatusSourceFunc adapts a function to StatusSource.
type StatusSourceFunc func(ctx context.Context, runID string) (string, error)

func (f StatusSourceFunc) RunStatus(ctx context.Context, runID string) (string, error) {
	return f(ctx, runID)
}

// ScannerSource replays a captured status feed, one label per line.
// Every poll consumes one line regardless of run ID. Blank lines are
// reported as empty labels.
type ScannerSource struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	done    bool
}

// NewScannerSource creates a ScannerSource reading from r.
func NewScannerSource(r io.Reader) *ScannerSource {
	return &ScannerSource{scanner: bufio.NewScanner(r)}
}

func (s *ScannerSource) RunStatus(ctx context.Context, runID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return "", ErrSourceClosed
	}
	if s.scanner.Scan() {
		return strings.TrimSpace(s.scanner.Text()), nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceClosed, err)
	}
	return "", ErrSourceClosed
}

package config

import (
	"fmt"
	"time"
)

// WaitConfig controls how a run is polled until it reaches a target state.
type WaitConfig struct {
	// PollInterval is the delay between two status requests.
	PollInterval time.Duration

	// Timeout bounds the whole wait. Zero waits until the context is done.
	Timeout time.Duration

	// MaxPollErrors is the number of consecutive status errors tolerated
	// before the wait is abandoned.
	MaxPollErrors int
}

// DefaultWaitConfig returns the default polling configuration.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		PollInterval:  DefaultPollInterval,
		Timeout:       DefaultRunTimeout,
		MaxPollErrors: DefaultMaxPollErrors,
	}
}

// Validate checks the configuration for values the poller cannot honor.
func (c WaitConfig) Validate() error {
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("poll interval %s is below minimum %s", c.PollInterval, MinPollInterval)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.MaxPollErrors < 1 {
		return fmt.Errorf("max poll errors must be at least 1, got %d", c.MaxPollErrors)
	}
	return nil
}

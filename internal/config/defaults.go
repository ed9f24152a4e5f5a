package config

import "time"

// Default configuration constants for run status polling
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultRunTimeout    = 0 // no timeout
	DefaultMaxPollErrors = 3
	MinPollInterval      = 100 * time.Millisecond
)

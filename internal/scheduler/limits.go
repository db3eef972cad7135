package scheduler

import (
	"fmt"
	"time"
)

// DefaultFailureThreshold is the number of consecutive failures after which a
// mirror is skipped for the rest of a batch.
const DefaultFailureThreshold = 3

// Limits sizes the slot pools and bounds each fetch attempt. It is validated
// once when the scheduler is built and never changes afterwards.
type Limits struct {
	// MaxThreads is the global cap on concurrent transfers. Every derived
	// capacity is clamped to it.
	MaxThreads int
	// ThreadsPerServer is the slot count of each mirror host.
	ThreadsPerServer int
	// ServersPerRepo sizes each repository pool together with ThreadsPerServer.
	ServersPerRepo int

	// ConnectTimeout bounds time-to-first-byte of an attempt. Zero disables it.
	ConnectTimeout time.Duration
	// StallTimeout bounds the gap between chunks once data flows. Zero disables it.
	StallTimeout time.Duration

	// FailureThreshold is how many consecutive failures mark a mirror
	// unhealthy. Zero means DefaultFailureThreshold.
	FailureThreshold int
}

// DefaultLimits returns the stock plugin settings.
func DefaultLimits() Limits {
	return Limits{
		MaxThreads:       8,
		ThreadsPerServer: 4,
		ServersPerRepo:   4,
		ConnectTimeout:   300 * time.Second,
		StallTimeout:     10 * time.Second,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// ConfigurationError reports invalid limits or an invalid request. It is
// returned before any transfer starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Validate checks that every limit is usable.
func (l Limits) Validate() error {
	positive := []struct {
		field string
		value int
	}{
		{"max_threads", l.MaxThreads},
		{"threads_per_server", l.ThreadsPerServer},
		{"servers_per_repo", l.ServersPerRepo},
	}

	for _, p := range positive {
		if p.value < 1 {
			return &ConfigurationError{Field: p.field, Reason: fmt.Sprintf("must be at least 1, got %d", p.value)}
		}
	}

	if l.ConnectTimeout < 0 {
		return &ConfigurationError{Field: "dl_timeout", Reason: "must not be negative"}
	}

	if l.StallTimeout < 0 {
		return &ConfigurationError{Field: "socket_timeout", Reason: "must not be negative"}
	}

	if l.FailureThreshold < 0 {
		return &ConfigurationError{Field: "mirror_failure_threshold", Reason: "must not be negative"}
	}

	return nil
}

// ServerCapacity is the slot count of one mirror host.
func (l Limits) ServerCapacity() int {
	return min(l.ThreadsPerServer, l.MaxThreads)
}

// RepositoryCapacity is the slot count of one repository.
func (l Limits) RepositoryCapacity() int {
	return min(l.ServersPerRepo*l.ThreadsPerServer, l.MaxThreads)
}

func (l Limits) failureThreshold() int {
	if l.FailureThreshold == 0 {
		return DefaultFailureThreshold
	}

	return l.FailureThreshold
}

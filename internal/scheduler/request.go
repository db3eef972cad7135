package scheduler

import (
	"time"

	"github.com/italolelis/mirror_downloader/internal/fetch"
)

// Request identifies one file to retrieve. It is not modified once submitted.
type Request struct {
	Repository  string         `json:"repository" yaml:"repository"`
	Mirrors     []string       `json:"mirrors" yaml:"mirrors"`
	Destination string         `json:"destination" yaml:"destination"`
	Size        int64          `json:"size,omitempty" yaml:"size,omitempty"`
	Checksum    fetch.Checksum `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// Status is the lifecycle state of a request within a batch.
type Status int

const (
	StatusPending Status = iota
	StatusDispatched
	StatusRetrying
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:    "pending",
	StatusDispatched: "dispatched",
	StatusRetrying:   "retrying",
	StatusSucceeded:  "succeeded",
	StatusFailed:     "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return "unknown"
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Outcome is the final result of one request.
type Outcome struct {
	Request Request
	Status  Status
	// Skipped is set when the destination already held a verified copy.
	Skipped bool
	Path    string
	Bytes   int64
	// Mirror is the URL of the last attempt, credentials stripped.
	Mirror   string
	Attempts int
	Elapsed  time.Duration
	// Err is the last observed error of a failed request.
	Err error
}

// Succeeded reports whether the file is in place.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// Kind returns the failure class of a failed outcome.
func (o Outcome) Kind() fetch.Kind {
	if o.Err == nil {
		return fetch.KindUnknown
	}

	return fetch.KindOf(o.Err)
}

// attempt is the per-request record. Only the worker that claimed it from the
// backlog touches it until it is requeued or settled.
type attempt struct {
	index   int
	req     Request
	repo    *RepositoryContext
	servers []*ServerContext // parallel to req.Mirrors
	tried   []bool

	attempts int
	elapsed  time.Duration
	state    Status
	mirror   string
	path     string
	bytes    int64
	skipped  bool
	lastErr  error
}

// untried returns the index of the first untried candidate whose server is
// still healthy, or -1.
func (a *attempt) untried(threshold int) int {
	for i, srv := range a.servers {
		if !a.tried[i] && srv.Healthy(threshold) {
			return i
		}
	}

	return -1
}

// settle moves the record to a terminal state. It reports false when the
// record was already terminal.
func (a *attempt) settle(status Status, err error) bool {
	if a.state.Terminal() {
		return false
	}

	a.state = status
	if err != nil {
		a.lastErr = err
	}

	return true
}

func (a *attempt) outcome() Outcome {
	o := Outcome{
		Request:  a.req,
		Status:   a.state,
		Skipped:  a.skipped,
		Path:     a.path,
		Bytes:    a.bytes,
		Mirror:   a.mirror,
		Attempts: a.attempts,
		Elapsed:  a.elapsed,
	}

	if a.state == StatusFailed {
		o.Err = a.lastErr
	}

	return o
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"syscall"
)

// Kind classifies why a single fetch attempt failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectTimeout
	KindStallTimeout
	KindConnectionFailed
	KindIntegrity
	KindCancelled
	KindConfiguration
	KindLocal
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConnectTimeout:   "connect_timeout",
	KindStallTimeout:     "stall_timeout",
	KindConnectionFailed: "connection_failed",
	KindIntegrity:        "integrity",
	KindCancelled:        "cancelled",
	KindConfiguration:    "configuration",
	KindLocal:            "local_io",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON and logs.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// MirrorFault reports whether a failure of this kind should count against the
// mirror that served the attempt.
func (k Kind) MirrorFault() bool {
	switch k {
	case KindConnectTimeout, KindStallTimeout, KindConnectionFailed, KindIntegrity, KindUnknown:
		return true
	default:
		return false
	}
}

var (
	errConnectTimeout = errors.New("no response before connect timeout")
	errStallTimeout   = errors.New("transfer stalled past socket timeout")
)

// Error describes a failed fetch attempt against one mirror URL.
type Error struct {
	Kind       Kind   // Failure class used for retry and mirror health decisions
	URL        string // Mirror URL with credentials stripped
	Op         string // Step that failed (e.g. "connect", "copy", "verify")
	StatusCode int    // Protocol status code, if the server sent one
	Err        error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s during %s (status %d): %v", e.URL, e.Kind, e.Op, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("fetch %s: %s during %s: %v", e.URL, e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IntegrityError reports a size or checksum mismatch of a completed transfer.
type IntegrityError struct {
	Path     string
	Field    string // "size" or the checksum algorithm
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s expected %s, got %s", e.Path, e.Field, e.Expected, e.Actual)
}

// KindOf returns the failure class of err. Errors that are not *Error are
// classified by inspecting the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return classify(err)
}

// newError builds an *Error, deriving the kind from the attempt context cause
// first and from err second.
func newError(ctx context.Context, rawURL, op string, err error) *Error {
	return &Error{
		Kind: kindFromContext(ctx, err),
		URL:  StripCredentials(rawURL),
		Op:   op,
		Err:  err,
	}
}

func kindFromContext(ctx context.Context, err error) Kind {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errConnectTimeout):
		return KindConnectTimeout
	case errors.Is(cause, errStallTimeout):
		return KindStallTimeout
	case errors.Is(cause, context.Canceled):
		return KindCancelled
	}

	return classify(err)
}

func classify(err error) Kind {
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		return KindIntegrity
	}

	if errors.Is(err, errConnectTimeout) {
		return KindConnectTimeout
	}

	if errors.Is(err, errStallTimeout) {
		return KindStallTimeout
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectTimeout
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && !isNetError(err) {
		return KindLocal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindConnectTimeout
	}

	if isNetError(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnectionFailed
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return KindConnectionFailed
	}

	return KindUnknown
}

func isNetError(err error) bool {
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
		netErr net.Error
	)

	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE)
}

package fetch

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"strings"
	"time"
)

// Target is one transfer of one file from one mirror URL.
type Target struct {
	URL         string
	Destination string

	// ConnectTimeout bounds the time until the server starts responding.
	ConnectTimeout time.Duration
	// StallTimeout bounds the gap between two received chunks.
	StallTimeout time.Duration

	// Size is the expected length in bytes, 0 when unknown.
	Size int64
	// Checksum is the expected digest, zero when unknown.
	Checksum Checksum
}

// Result describes a completed transfer.
type Result struct {
	Path  string
	Bytes int64
}

// Fetcher performs one blocking transfer.
type Fetcher interface {
	Fetch(ctx context.Context, t Target) (Result, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, t Target) (Result, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, t Target) (Result, error) {
	return f(ctx, t)
}

// Checksum is an expected digest such as sha256:9f86d08...
type Checksum struct {
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	Value     string `json:"value" yaml:"value"`
}

// ParseChecksum parses "algo:hex". An empty string yields the zero Checksum.
func ParseChecksum(s string) (Checksum, error) {
	if s == "" {
		return Checksum{}, nil
	}

	algo, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return Checksum{}, fmt.Errorf("invalid checksum %q: expected algorithm:hex", s)
	}

	c := Checksum{Algorithm: strings.ToLower(algo), Value: strings.ToLower(value)}
	if err := c.Validate(); err != nil {
		return Checksum{}, err
	}

	return c, nil
}

// IsZero reports whether no checksum is expected.
func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && c.Value == ""
}

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}

	return c.Algorithm + ":" + c.Value
}

// Validate reports unsupported algorithms and values that are not a hex
// digest of the algorithm's length. Hex case does not matter.
func (c Checksum) Validate() error {
	if c.IsZero() {
		return nil
	}

	h, err := c.newHash()
	if err != nil {
		return err
	}

	digest, err := hex.DecodeString(c.Value)
	if err != nil {
		return fmt.Errorf("invalid %s digest %q: %w", c.Algorithm, c.Value, err)
	}

	if len(digest) != h.Size() {
		return fmt.Errorf("invalid %s digest %q: expected %d hex characters", c.Algorithm, c.Value, 2*h.Size())
	}

	return nil
}

// Matches reports whether digest is the expected value.
func (c Checksum) Matches(digest []byte) bool {
	expected, err := hex.DecodeString(c.Value)
	if err != nil {
		return false
	}

	return bytes.Equal(expected, digest)
}

func (c Checksum) newHash() (hash.Hash, error) {
	switch strings.ToLower(c.Algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha1", "sha":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %q", c.Algorithm)
	}
}

// StripCredentials removes userinfo from a URL so it can be logged and stored.
func StripCredentials(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	parsed.User = nil

	return parsed.String()
}

// Host returns the server key of a mirror URL: the lowercased host, with the
// port when one is given. file:// mirrors share the "localhost" key.
func Host(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse mirror url: %w", err)
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("mirror url %q has no scheme", StripCredentials(rawURL))
	}

	if parsed.Scheme == "file" {
		return "localhost", nil
	}

	if parsed.Hostname() == "" {
		return "", fmt.Errorf("mirror url %q has no host", StripCredentials(rawURL))
	}

	return strings.ToLower(parsed.Host), nil
}

package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/afero"
)

// Router dispatches a Target to the fetcher registered for its URL scheme.
type Router struct {
	routes map[string]Fetcher
}

// RouterOptions configures the fetchers registered by NewRouter.
type RouterOptions struct {
	UserAgent string
	SFTP      SFTPOptions
	// Source is the filesystem file:// mirrors are read from. Nil means the OS filesystem.
	Source afero.Fs
}

// NewRouter registers http, https, ftp, ftps, sftp and file fetchers writing into dest.
func NewRouter(dest *Destination, opts RouterOptions) *Router {
	r := &Router{routes: make(map[string]Fetcher)}

	httpFetcher := NewHTTPFetcher(dest, nil, opts.UserAgent)
	r.Register("http", httpFetcher)
	r.Register("https", httpFetcher)

	ftpFetcher := NewFTPFetcher(dest)
	r.Register("ftp", ftpFetcher)
	r.Register("ftps", ftpFetcher)

	r.Register("sftp", NewSFTPFetcher(dest, opts.SFTP))
	r.Register("file", NewFileFetcher(dest, opts.Source))

	return r
}

// Register adds or replaces the fetcher for scheme.
func (r *Router) Register(scheme string, f Fetcher) {
	r.routes[strings.ToLower(scheme)] = f
}

// Supports reports whether a fetcher is registered for the scheme of rawURL.
func (r *Router) Supports(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	_, ok := r.routes[strings.ToLower(parsed.Scheme)]

	return ok
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, t Target) (Result, error) {
	parsed, err := url.Parse(t.URL)
	if err != nil {
		return Result{}, &Error{Kind: KindConfiguration, URL: t.URL, Op: "route", Err: err}
	}

	f, ok := r.routes[strings.ToLower(parsed.Scheme)]
	if !ok {
		return Result{}, &Error{
			Kind: KindConfiguration,
			URL:  StripCredentials(t.URL),
			Op:   "route",
			Err:  fmt.Errorf("unsupported scheme %q", parsed.Scheme),
		}
	}

	return f.Fetch(ctx, t)
}

// FileFetcher copies from file:// mirrors, which yum allows for local or
// NFS-mounted repositories.
type FileFetcher struct {
	src  afero.Fs
	dest *Destination
}

// NewFileFetcher creates a fetcher reading from src and writing into dest.
func NewFileFetcher(dest *Destination, src afero.Fs) *FileFetcher {
	if src == nil {
		src = afero.NewOsFs()
	}

	return &FileFetcher{src: src, dest: dest}
}

// Fetch implements Fetcher.
func (f *FileFetcher) Fetch(ctx context.Context, t Target) (Result, error) {
	parsed, err := url.Parse(t.URL)
	if err != nil {
		return Result{}, &Error{Kind: KindConfiguration, URL: t.URL, Op: "parse", Err: err}
	}

	ctx, wd := newWatchdog(ctx, t.ConnectTimeout, t.StallTimeout)
	defer wd.stop()

	src, err := f.src.Open(parsed.Path)
	if err != nil {
		return Result{}, &Error{Kind: KindConnectionFailed, URL: t.URL, Op: "open", Err: err}
	}
	defer src.Close()

	var total int64
	if info, err := src.Stat(); err == nil {
		total = info.Size()
	}

	wd.touch()

	return receive(ctx, wd, f.dest, t, src, total)
}

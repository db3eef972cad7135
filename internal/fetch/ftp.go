package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/jlaffaye/ftp"
)

// FTPFetcher fetches ftp:// and ftps:// mirrors. Credentials come from the URL
// and default to anonymous.
type FTPFetcher struct {
	dest *Destination
}

// NewFTPFetcher creates a fetcher writing into dest.
func NewFTPFetcher(dest *Destination) *FTPFetcher {
	return &FTPFetcher{dest: dest}
}

type ftpLocation struct {
	host     string
	path     string
	user     string
	password string
	useTLS   bool
}

func parseFTPURL(rawURL string) (ftpLocation, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ftpLocation{}, err
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ftp" && scheme != "ftps" {
		return ftpLocation{}, fmt.Errorf("unsupported scheme %q, expected ftp or ftps", scheme)
	}

	if parsed.Path == "" || parsed.Path == "/" {
		return ftpLocation{}, errors.New("ftp url has no file path")
	}

	loc := ftpLocation{
		host:     parsed.Host,
		path:     parsed.Path,
		user:     "anonymous",
		password: "anonymous",
		useTLS:   scheme == "ftps",
	}

	if parsed.Port() == "" {
		loc.host = net.JoinHostPort(parsed.Hostname(), "21")
	}

	if parsed.User != nil {
		loc.user = parsed.User.Username()
		if p, ok := parsed.User.Password(); ok {
			loc.password = p
		}
	}

	return loc, nil
}

// Fetch implements Fetcher.
func (f *FTPFetcher) Fetch(ctx context.Context, t Target) (Result, error) {
	loc, err := parseFTPURL(t.URL)
	if err != nil {
		return Result{}, &Error{Kind: KindConfiguration, URL: StripCredentials(t.URL), Op: "parse", Err: err}
	}

	ctx, wd := newWatchdog(ctx, t.ConnectTimeout, t.StallTimeout)
	defer wd.stop()

	var tlsConfig *tls.Config
	if loc.useTLS {
		hostname, _, _ := net.SplitHostPort(loc.host)
		tlsConfig = &tls.Config{ServerName: hostname, MinVersion: tls.VersionTLS12}
	}

	var (
		dialer net.Dialer
		stops  []func() bool
	)

	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	// The library reads replies and data without deadlines; closing the
	// sockets is what unblocks it once ctx is done.
	dial := func(network, address string) (net.Conn, error) {
		nc, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}

		stops = append(stops, context.AfterFunc(ctx, func() {
			_ = nc.Close()
		}))

		// Data connections; the library upgrades the control connection itself.
		if tlsConfig != nil && len(stops) > 1 {
			return tls.Client(nc, tlsConfig), nil
		}

		return nc, nil
	}

	dialOpts := []ftp.DialOption{ftp.DialWithDialFunc(dial)}
	if tlsConfig != nil {
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(tlsConfig))
	}

	conn, err := ftp.Dial(loc.host, dialOpts...)
	if err != nil {
		return Result{}, classifyFTPError(ctx, t.URL, "connect", err)
	}
	defer func() {
		_ = conn.Quit()
	}()

	if err := conn.Login(loc.user, loc.password); err != nil {
		return Result{}, classifyFTPError(ctx, t.URL, "login", err)
	}

	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		return Result{}, classifyFTPError(ctx, t.URL, "type", err)
	}

	var total int64
	if size, err := conn.FileSize(loc.path); err == nil {
		total = size
	}

	resp, err := conn.Retr(loc.path)
	if err != nil {
		return Result{}, classifyFTPError(ctx, t.URL, "retr", err)
	}
	defer resp.Close()

	wd.touch()

	return receive(ctx, wd, f.dest, t, resp, total)
}

// classifyFTPError maps RFC 959 replies and network errors onto fetch kinds.
// Any server reply means the mirror could not serve the file.
func classifyFTPError(ctx context.Context, rawURL, op string, err error) *Error {
	fe := newError(ctx, rawURL, op, err)

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		fe.StatusCode = tpErr.Code
	}

	if fe.Kind == KindUnknown {
		fe.Kind = KindConnectionFailed
	}

	return fe
}

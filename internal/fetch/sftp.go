package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPOptions configures authentication for sftp:// mirrors.
type SFTPOptions struct {
	// KnownHostsPath is the known_hosts file used to verify server keys. It is required.
	KnownHostsPath string
	// KeyPath is an optional private key used in addition to a URL password.
	KeyPath string
}

// SFTPFetcher fetches sftp:// mirrors.
type SFTPFetcher struct {
	dest *Destination
	opts SFTPOptions
}

// NewSFTPFetcher creates a fetcher writing into dest.
func NewSFTPFetcher(dest *Destination, opts SFTPOptions) *SFTPFetcher {
	return &SFTPFetcher{dest: dest, opts: opts}
}

func (f *SFTPFetcher) clientConfig(u *url.URL) (*ssh.ClientConfig, error) {
	if f.opts.KnownHostsPath == "" {
		return nil, errors.New("sftp mirrors require a known_hosts file")
	}

	hostKeys, err := knownhosts.New(f.opts.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	var methods []ssh.AuthMethod

	if password, ok := u.User.Password(); ok {
		methods = append(methods, ssh.Password(password))
	}

	if f.opts.KeyPath != "" {
		pemBytes, err := os.ReadFile(f.opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}

		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}

		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials: set a password in the url or a key path")
	}

	return &ssh.ClientConfig{
		User:            u.User.Username(),
		Auth:            methods,
		HostKeyCallback: hostKeys,
	}, nil
}

// Fetch implements Fetcher.
func (f *SFTPFetcher) Fetch(ctx context.Context, t Target) (Result, error) {
	u, err := url.Parse(t.URL)
	if err != nil || u.User == nil || u.Path == "" {
		if err == nil {
			err = errors.New("sftp url needs a user and a path")
		}

		return Result{}, &Error{Kind: KindConfiguration, URL: StripCredentials(t.URL), Op: "parse", Err: err}
	}

	config, err := f.clientConfig(u)
	if err != nil {
		return Result{}, &Error{Kind: KindConfiguration, URL: StripCredentials(t.URL), Op: "auth", Err: err}
	}

	config.Timeout = t.ConnectTimeout

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "22")
	}

	ctx, wd := newWatchdog(ctx, t.ConnectTimeout, t.StallTimeout)
	defer wd.stop()

	var dialer net.Dialer

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, classifySFTPError(ctx, t.URL, "connect", err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = netConn.Close()
	})
	defer func() {
		stopClose()
		_ = netConn.Close()
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		return Result{}, classifySFTPError(ctx, t.URL, "handshake", err)
	}

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return Result{}, classifySFTPError(ctx, t.URL, "session", err)
	}
	defer client.Close()

	remote, err := client.Open(u.Path)
	if err != nil {
		return Result{}, classifySFTPError(ctx, t.URL, "open", err)
	}
	defer remote.Close()

	var total int64
	if info, err := remote.Stat(); err == nil {
		total = info.Size()
	}

	wd.touch()

	return receive(ctx, wd, f.dest, t, remote, total)
}

// classifySFTPError treats every remote failure as the mirror's fault; a
// missing file on one mirror may exist on another.
func classifySFTPError(ctx context.Context, rawURL, op string, err error) *Error {
	fe := newError(ctx, rawURL, op, err)

	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		fe.StatusCode = int(statusErr.Code)
	}

	if fe.Kind == KindUnknown || fe.Kind == KindLocal {
		fe.Kind = KindConnectionFailed
	}

	return fe
}

package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Of(data string) Checksum {
	sum := sha256.Sum256([]byte(data))

	return Checksum{Algorithm: "sha256", Value: hex.EncodeToString(sum[:])}
}

// emptySHA256 is the sha256 digest of no input.
const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestParseChecksum(t *testing.T) {
	c, err := ParseChecksum("SHA256:" + strings.ToUpper(emptySHA256))
	require.NoError(t, err)
	assert.Equal(t, Checksum{Algorithm: "sha256", Value: emptySHA256}, c)
	assert.Equal(t, "sha256:"+emptySHA256, c.String())

	zero, err := ParseChecksum("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseChecksum("crc32:00ff")
	assert.Error(t, err)

	_, err = ParseChecksum("sha256")
	assert.Error(t, err)

	_, err = ParseChecksum("sha256:abcdef")
	assert.Error(t, err, "digest too short")
}

func TestChecksum_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sum     Checksum
		wantErr bool
	}{
		{name: "zero", sum: Checksum{}},
		{name: "lowercase", sum: Checksum{Algorithm: "sha256", Value: emptySHA256}},
		{name: "uppercase", sum: Checksum{Algorithm: "SHA256", Value: strings.ToUpper(emptySHA256)}},
		{name: "md5", sum: Checksum{Algorithm: "md5", Value: "d41d8cd98f00b204e9800998ecf8427e"}},
		{name: "unknown algorithm", sum: Checksum{Algorithm: "crc32", Value: "00000000"}, wantErr: true},
		{name: "not hex", sum: Checksum{Algorithm: "sha256", Value: strings.Repeat("zz", 32)}, wantErr: true},
		{name: "wrong length", sum: Checksum{Algorithm: "sha256", Value: "abcdef"}, wantErr: true},
		{name: "missing value", sum: Checksum{Algorithm: "sha256"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sum.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChecksum_MatchesIgnoresHexCase(t *testing.T) {
	digest := sha256.Sum256(nil)

	assert.True(t, Checksum{Algorithm: "sha256", Value: emptySHA256}.Matches(digest[:]))
	assert.True(t, Checksum{Algorithm: "SHA256", Value: strings.ToUpper(emptySHA256)}.Matches(digest[:]))
	assert.False(t, sha256Of("other").Matches(digest[:]))
	assert.False(t, Checksum{Algorithm: "sha256", Value: "not-hex"}.Matches(digest[:]))
}

func TestHost(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "http://Mirror.Example.org/centos/foo.rpm", want: "mirror.example.org"},
		{url: "https://mirror.example.org:8443/foo.rpm", want: "mirror.example.org:8443"},
		{url: "ftp://user:pw@ftp.example.org/pub/foo.rpm", want: "ftp.example.org"},
		{url: "file:///srv/repo/foo.rpm", want: "localhost"},
		{url: "mirror.example.org/foo.rpm", wantErr: true},
		{url: "http:///foo.rpm", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := Host(tt.url)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStripCredentials(t *testing.T) {
	assert.Equal(t, "sftp://mirror.example.org/foo.rpm", StripCredentials("sftp://user:pw@mirror.example.org/foo.rpm"))
	assert.Equal(t, "http://mirror.example.org/foo.rpm", StripCredentials("http://mirror.example.org/foo.rpm"))
}

func TestDestination_Verify(t *testing.T) {
	fs := afero.NewMemMapFs()
	dest := NewDestination(fs)
	require.NoError(t, afero.WriteFile(fs, "/repo/foo.rpm", []byte("package"), 0644))

	ok, err := dest.Verify("/repo/foo.rpm", 7, sha256Of("package"))
	require.NoError(t, err)
	assert.True(t, ok)

	upper := sha256Of("package")
	upper.Algorithm, upper.Value = "SHA256", strings.ToUpper(upper.Value)

	ok, err = dest.Verify("/repo/foo.rpm", 7, upper)
	require.NoError(t, err)
	assert.True(t, ok, "hex case does not matter")

	ok, err = dest.Verify("/repo/foo.rpm", 8, Checksum{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = dest.Verify("/repo/foo.rpm", 0, sha256Of("other"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = dest.Verify("/repo/missing.rpm", 7, Checksum{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = dest.Verify("/repo/foo.rpm", 0, Checksum{})
	require.NoError(t, err)
	assert.False(t, ok, "nothing to verify against")
}

func TestHTTPFetcher_Success(t *testing.T) {
	const body = "rpm payload"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mirror_downloader-test", r.UserAgent())
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	f := NewHTTPFetcher(NewDestination(fs), srv.Client(), "mirror_downloader-test")

	res, err := f.Fetch(context.Background(), Target{
		URL:            srv.URL + "/base/foo.rpm",
		Destination:    "/out/base/foo.rpm",
		ConnectTimeout: time.Second,
		StallTimeout:   time.Second,
		Size:           int64(len(body)),
		Checksum:       sha256Of(body),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), res.Bytes)
	assert.Equal(t, "/out/base/foo.rpm", res.Path)

	data, err := afero.ReadFile(fs, "/out/base/foo.rpm")
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	exists, err := afero.Exists(fs, "/out/base/foo.rpm.part")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHTTPFetcher_UppercaseChecksum(t *testing.T) {
	const body = "rpm payload"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	f := NewHTTPFetcher(NewDestination(fs), srv.Client(), "")

	sum := sha256Of(body)

	res, err := f.Fetch(context.Background(), Target{
		URL:         srv.URL + "/foo.rpm",
		Destination: "/out/foo.rpm",
		Checksum:    Checksum{Algorithm: "SHA256", Value: strings.ToUpper(sum.Value)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), res.Bytes)

	exists, err := afero.Exists(fs, "/out/foo.rpm")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHTTPFetcher_ChecksumMismatchLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "corrupted")
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	f := NewHTTPFetcher(NewDestination(fs), srv.Client(), "")

	_, err := f.Fetch(context.Background(), Target{
		URL:         srv.URL + "/foo.rpm",
		Destination: "/out/foo.rpm",
		Checksum:    sha256Of("expected"),
	})
	require.Error(t, err)
	assert.Equal(t, KindIntegrity, KindOf(err))

	for _, p := range []string{"/out/foo.rpm", "/out/foo.rpm.part"} {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}
}

func TestHTTPFetcher_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewHTTPFetcher(NewDestination(afero.NewMemMapFs()), srv.Client(), "")

	_, err := f.Fetch(context.Background(), Target{URL: srv.URL + "/foo.rpm", Destination: "/out/foo.rpm"})
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindConnectionFailed, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestHTTPFetcher_ConnectTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTPFetcher(NewDestination(afero.NewMemMapFs()), srv.Client(), "")

	start := time.Now()
	_, err := f.Fetch(context.Background(), Target{
		URL:            srv.URL + "/foo.rpm",
		Destination:    "/out/foo.rpm",
		ConnectTimeout: 100 * time.Millisecond,
		StallTimeout:   time.Minute,
	})
	require.Error(t, err)
	assert.Equal(t, KindConnectTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPFetcher_StallTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		_, _ = io.WriteString(w, "first chunk")
		w.(http.Flusher).Flush()

		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	fs := afero.NewMemMapFs()
	f := NewHTTPFetcher(NewDestination(fs), srv.Client(), "")

	_, err := f.Fetch(context.Background(), Target{
		URL:            srv.URL + "/foo.rpm",
		Destination:    "/out/foo.rpm",
		ConnectTimeout: time.Minute,
		StallTimeout:   100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, KindStallTimeout, KindOf(err))

	exists, err := afero.Exists(fs, "/out/foo.rpm.part")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHTTPFetcher_CallerCancel(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	f := NewHTTPFetcher(NewDestination(afero.NewMemMapFs()), srv.Client(), "")

	_, err := f.Fetch(ctx, Target{URL: srv.URL + "/foo.rpm", Destination: "/out/foo.rpm", ConnectTimeout: time.Minute})
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestRouter_Dispatch(t *testing.T) {
	src := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(src, "/srv/repo/foo.rpm", []byte("local"), 0644))

	out := afero.NewMemMapFs()
	r := NewRouter(NewDestination(out), RouterOptions{Source: src})

	assert.True(t, r.Supports("https://mirror.example.org/foo.rpm"))
	assert.True(t, r.Supports("sftp://mirror.example.org/foo.rpm"))
	assert.False(t, r.Supports("rsync://mirror.example.org/foo.rpm"))

	res, err := r.Fetch(context.Background(), Target{URL: "file:///srv/repo/foo.rpm", Destination: "/out/foo.rpm", Size: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Bytes)

	_, err = r.Fetch(context.Background(), Target{URL: "rsync://mirror.example.org/foo.rpm", Destination: "/out/bar.rpm"})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))

	_, err = r.Fetch(context.Background(), Target{URL: "file:///srv/repo/missing.rpm", Destination: "/out/missing.rpm"})
	require.Error(t, err)
	assert.Equal(t, KindConnectionFailed, KindOf(err))
}

func TestRouter_RegisterOverrides(t *testing.T) {
	r := NewRouter(NewDestination(afero.NewMemMapFs()), RouterOptions{})

	var called bool

	r.Register("HTTP", FetcherFunc(func(_ context.Context, t Target) (Result, error) {
		called = true

		return Result{Path: t.Destination}, nil
	}))

	_, err := r.Fetch(context.Background(), Target{URL: "http://mirror.example.org/foo.rpm", Destination: "/out/foo.rpm"})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestParseFTPURL(t *testing.T) {
	loc, err := parseFTPURL("ftp://ftp.example.org/pub/centos/foo.rpm")
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.org:21", loc.host)
	assert.Equal(t, "/pub/centos/foo.rpm", loc.path)
	assert.Equal(t, "anonymous", loc.user)
	assert.False(t, loc.useTLS)

	loc, err = parseFTPURL("ftps://bob:pw@ftp.example.org:2121/foo.rpm")
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.org:2121", loc.host)
	assert.Equal(t, "bob", loc.user)
	assert.Equal(t, "pw", loc.password)
	assert.True(t, loc.useTLS)

	_, err = parseFTPURL("ftp://ftp.example.org/")
	assert.Error(t, err)

	_, err = parseFTPURL("http://ftp.example.org/foo.rpm")
	assert.Error(t, err)
}

func TestSFTPFetcher_RequiresKnownHosts(t *testing.T) {
	f := NewSFTPFetcher(NewDestination(afero.NewMemMapFs()), SFTPOptions{})

	_, err := f.Fetch(context.Background(), Target{URL: "sftp://bob:pw@mirror.example.org/foo.rpm", Destination: "/out/foo.rpm"})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.NotContains(t, err.Error(), "pw@")
}

func TestInstrumentedFetcher_NilTelemetry(t *testing.T) {
	inner := FetcherFunc(func(_ context.Context, t Target) (Result, error) {
		if t.URL == "http://bad.example.org/foo.rpm" {
			return Result{}, &Error{Kind: KindConnectionFailed, URL: t.URL, Op: "connect", Err: fmt.Errorf("refused")}
		}

		return Result{Path: t.Destination, Bytes: 3}, nil
	})

	f := NewInstrumentedFetcher(inner, nil)

	res, err := f.Fetch(context.Background(), Target{URL: "http://good.example.org/foo.rpm", Destination: "/out/foo.rpm"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Bytes)

	_, err = f.Fetch(context.Background(), Target{URL: "http://bad.example.org/foo.rpm", Destination: "/out/foo.rpm"})
	assert.Equal(t, KindConnectionFailed, KindOf(err))

	assert.Equal(t, "unknown", schemeOf("::bad"))
	assert.Equal(t, "ftp", schemeOf("FTP://mirror.example.org/x"))
}

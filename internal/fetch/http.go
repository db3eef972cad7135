package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxRedirects = 5

var errTooManyRedirects = errors.New("stopped after too many redirects")

// HTTPFetcher fetches http:// and https:// mirrors.
type HTTPFetcher struct {
	client    *http.Client
	dest      *Destination
	userAgent string
}

// NewHTTPClient returns the client used for mirror transfers. Timeouts are
// enforced per attempt by the fetcher, so the client itself has none.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errTooManyRedirects
			}

			return nil
		},
	}
}

// NewHTTPFetcher creates a fetcher writing into dest. A nil client uses NewHTTPClient.
func NewHTTPFetcher(dest *Destination, client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = NewHTTPClient()
	}

	return &HTTPFetcher{client: client, dest: dest, userAgent: userAgent}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, t Target) (Result, error) {
	ctx, wd := newWatchdog(ctx, t.ConnectTimeout, t.StallTimeout)
	defer wd.stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return Result{}, &Error{Kind: KindConfiguration, URL: StripCredentials(t.URL), Op: "request", Err: err}
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		fe := newError(ctx, t.URL, "connect", err)
		if fe.Kind == KindUnknown {
			fe.Kind = KindConnectionFailed
		}

		return Result{}, fe
	}
	defer resp.Body.Close()

	wd.touch()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &Error{
			Kind:       KindConnectionFailed,
			URL:        StripCredentials(t.URL),
			Op:         "response",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	return receive(ctx, wd, f.dest, t, resp.Body, resp.ContentLength)
}

package fetch

import (
	"context"
	"net/url"
	"strings"

	"github.com/italolelis/mirror_downloader/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// Fetch performs the transfer and records attempt metrics labelled by
// scheme and failure kind.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, t Target) (Result, error) {
	var result Result

	_, err := f.telemetry.InstrumentFetch(ctx, schemeOf(t.URL), kindLabel, func(ctx context.Context) (int64, error) {
		var err error
		result, err = f.fetcher.Fetch(ctx, t)

		return result.Bytes, err
	})
	if err != nil {
		if KindOf(err).MirrorFault() {
			f.telemetry.RecordMirrorFailure(ctx, KindOf(err).String())
		}

		return Result{}, err
	}

	return result, nil
}

func kindLabel(err error) string {
	return KindOf(err).String()
}

func schemeOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" {
		return "unknown"
	}

	return strings.ToLower(parsed.Scheme)
}

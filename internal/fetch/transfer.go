package fetch

import (
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/mirror_downloader/internal/logctx"
)

const progressInterval = int64(16 * 1024 * 1024)

// receive streams body into t.Destination through the watchdog and verifies
// the result. Every failure is returned as *Error.
func receive(ctx context.Context, wd *watchdog, dest *Destination, t Target, body io.Reader, total int64) (Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	if total <= 0 {
		total = t.Size
	}

	p, err := dest.create(t.Destination, t.Checksum)
	if err != nil {
		return Result{}, &Error{Kind: KindLocal, URL: StripCredentials(t.URL), Op: "create", Err: err}
	}

	url := StripCredentials(t.URL)
	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"url", url,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "url", url, "downloaded", humanize.Bytes(uint64(written)))
		}
	}
	pr := newProgressReader(body, total, progressInterval, wd, progressCb)

	if _, err := io.Copy(p, pr); err != nil {
		p.abort()

		fe := newError(ctx, t.URL, "copy", err)
		if fe.Kind == KindUnknown {
			fe.Kind = KindConnectionFailed
		}

		return Result{}, fe
	}

	if err := p.commit(t.Size, t.Checksum); err != nil {
		kind := KindLocal
		if classify(err) == KindIntegrity {
			kind = KindIntegrity
		}

		return Result{}, &Error{Kind: kind, URL: url, Op: "verify", Err: err}
	}

	logger.Debug("transfer verified", "url", url, "target", t.Destination, "size", humanize.Bytes(uint64(p.written)))

	return Result{Path: t.Destination, Bytes: p.written}, nil
}

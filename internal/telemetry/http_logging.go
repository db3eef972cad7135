package telemetry

import (
	"net/http"
	"time"

	"github.com/italolelis/mirror_downloader/internal/logctx"
)

// loggingWriter records the status and size of a response.
type loggingWriter struct {
	http.ResponseWriter

	status      int
	bytes       int64
	wroteHeader bool
}

func (lw *loggingWriter) WriteHeader(code int) {
	if lw.wroteHeader {
		return
	}

	lw.status = code
	lw.wroteHeader = true

	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingWriter) Write(b []byte) (int, error) {
	if !lw.wroteHeader {
		lw.WriteHeader(http.StatusOK)
	}

	n, err := lw.ResponseWriter.Write(b)
	lw.bytes += int64(n)

	return n, err
}

func (lw *loggingWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

// HTTPLogging logs every API request once it completes, at ERROR for 5xx,
// WARN for 4xx and INFO otherwise. Handlers get a logger tagged with the
// request id.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestID(ctx)
		logger := logctx.LoggerFromContext(ctx).With("request_id", requestID)
		start := time.Now()

		lw := &loggingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r.WithContext(logctx.WithLogger(ctx, logger)))

		attrs := []any{
			"method", r.Method,
			"route", routePattern(r),
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case lw.status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case lw.status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "http request completed", attrs...)
		default:
			logger.InfoContext(ctx, "http request completed", attrs...)
		}
	})
}

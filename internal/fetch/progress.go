package fetch

import (
	"context"
	"io"
	"sync"
	"time"
)

// watchdog cancels an attempt when the server does not start responding within
// the connect timeout, or when no data arrives for the stall timeout once the
// transfer has started.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	stall   time.Duration
	started bool
	cancel  context.CancelCauseFunc
}

func newWatchdog(parent context.Context, connect, stall time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	w := &watchdog{stall: stall, cancel: cancel}

	if connect > 0 {
		w.timer = time.AfterFunc(connect, func() {
			w.fire()
		})
	}

	return ctx, w
}

func (w *watchdog) fire() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	if started {
		w.cancel(errStallTimeout)

		return
	}

	w.cancel(errConnectTimeout)
}

// touch records progress: the first call switches from the connect phase to
// the stall phase, every call rearms the stall timer.
func (w *watchdog) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.started = true

	if w.stall <= 0 {
		if w.timer != nil {
			w.timer.Stop()
		}

		return
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.stall, func() {
			w.fire()
		})

		return
	}

	w.timer.Reset(w.stall)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.cancel(nil)
}

// progressReader wraps a transfer body, keeps the watchdog fed and reports
// progress via a callback every reportInterval bytes.
type progressReader struct {
	reader         io.Reader
	total          int64
	onProgress     func(written int64, total int64)
	watchdog       *watchdog
	totalRead      int64
	lastReport     int64
	reportInterval int64
}

func newProgressReader(r io.Reader, total, interval int64, wd *watchdog, cb func(written int64, total int64)) *progressReader {
	return &progressReader{
		reader:         r,
		total:          total,
		onProgress:     cb,
		watchdog:       wd,
		reportInterval: interval,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		if pr.watchdog != nil {
			pr.watchdog.touch()
		}

		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.onProgress != nil && pr.reportInterval > 0 && pr.lastReport >= pr.reportInterval {
			pr.onProgress(pr.totalRead, pr.total)
			pr.lastReport = 0
		}
	}

	return n, err
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/mirror_downloader/internal/fetch"
	"github.com/italolelis/mirror_downloader/internal/logctx"
	"github.com/italolelis/mirror_downloader/internal/slot"
)

// ErrNoHealthyMirror is the outcome error of a request whose untried mirrors
// were all skipped for exceeding the failure threshold before any attempt.
var ErrNoHealthyMirror = errors.New("every remaining mirror exceeded the failure threshold")

// work is the loop of one worker: claim, acquire, fetch, release, report.
// It returns an error only when slot bookkeeping is broken.
func (r *run) work(ctx context.Context, id int) error {
	logger := logctx.LoggerFromContext(ctx).With("worker", id)
	ctx = logctx.WithLogger(ctx, logger)

	isReady := func(a *attempt) bool {
		return ready(a, r.threshold)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		a, wait, done := r.backlog.claim(isReady)
		if done {
			return nil
		}

		if a == nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := r.process(ctx, a); err != nil {
			logger.ErrorContext(ctx, "worker stopped", "err", err)

			return err
		}
	}
}

// process runs at most one fetch attempt for a claimed request and hands the
// request back to the backlog or settles it.
func (r *run) process(ctx context.Context, a *attempt) error {
	if a.untried(r.threshold) < 0 {
		r.exhaust(ctx, a)

		return nil
	}

	pair, err := slot.AcquireRepository(ctx, a.repo.Pool)
	if err != nil {
		// Cancelled while waiting; the request is settled after the workers stop.
		r.backlog.requeue(a, true)

		return nil
	}

	idx, sel := selectMirror(a, pair, r.threshold)
	if sel != SelectOK {
		if err := pair.Release(); err != nil {
			return r.fail(ctx, a, err)
		}

		if sel == SelectWait {
			r.backlog.requeue(a, true)
		} else {
			r.exhaust(ctx, a)
		}

		return nil
	}

	res, fetchErr, releaseErr := r.attempt(ctx, a, idx, pair)
	if releaseErr != nil {
		return r.fail(ctx, a, errors.Join(fetchErr, releaseErr))
	}

	r.report(ctx, a, idx, res, fetchErr)

	return nil
}

// attempt fetches from candidate idx while pair is held and releases both
// slots before returning. The transfer itself ignores batch cancellation and
// ends on its own timeouts.
func (r *run) attempt(ctx context.Context, a *attempt, idx int, pair *slot.Pair) (res fetch.Result, fetchErr, releaseErr error) {
	defer func() {
		releaseErr = pair.Release()
	}()

	mirror := a.req.Mirrors[idx]

	a.attempts++
	a.tried[idx] = true
	a.state = StatusDispatched
	a.mirror = fetch.StripCredentials(mirror)

	logger := logctx.LoggerFromContext(ctx)
	logger.DebugContext(ctx, "fetch started",
		"repository", a.req.Repository,
		"mirror", a.mirror,
		"attempt", a.attempts,
		"server_slots", pair.Server().Occupied(),
		"repository_slots", pair.Repository().Occupied(),
	)

	start := time.Now()
	res, fetchErr = r.fetcher.Fetch(context.WithoutCancel(ctx), fetch.Target{
		URL:            mirror,
		Destination:    a.req.Destination,
		ConnectTimeout: r.limits.ConnectTimeout,
		StallTimeout:   r.limits.StallTimeout,
		Size:           a.req.Size,
		Checksum:       a.req.Checksum,
	})
	a.elapsed += time.Since(start)

	return res, fetchErr, nil
}

// report applies the retry policy to the result of one attempt.
func (r *run) report(ctx context.Context, a *attempt, idx int, res fetch.Result, fetchErr error) {
	logger := logctx.LoggerFromContext(ctx)
	srv := a.servers[idx]

	if fetchErr == nil {
		srv.recordSuccess()

		a.path = res.Path
		a.bytes = res.Bytes
		a.settle(StatusSucceeded, nil)
		r.finish(ctx, a)
		r.backlog.complete()

		return
	}

	kind := fetch.KindOf(fetchErr)
	a.lastErr = fetchErr

	if kind.MirrorFault() {
		if n := srv.recordFailure(); n == r.threshold {
			logger.WarnContext(ctx, "mirror skipped for the rest of the batch",
				"mirror", srv.Host, "consecutive_failures", n)
		}
	}

	switch {
	case kind == fetch.KindLocal:
		a.settle(StatusFailed, fetchErr)
	case ctx.Err() != nil:
		a.settle(StatusFailed, errors.Join(cancellation(ctx, a), fetchErr))
	case a.untried(r.threshold) >= 0:
		logger.InfoContext(ctx, "fetch failed, trying next mirror",
			"repository", a.req.Repository,
			"mirror", a.mirror,
			"kind", kind.String(),
			"attempt", a.attempts,
			"err", fetchErr,
		)

		a.state = StatusRetrying
		r.backlog.requeue(a, false)

		return
	default:
		a.settle(StatusFailed, fetchErr)
	}

	r.finish(ctx, a)
	r.backlog.complete()
}

// exhaust settles a claimed request that has no usable mirror left.
func (r *run) exhaust(ctx context.Context, a *attempt) {
	err := a.lastErr
	if err == nil {
		err = ErrNoHealthyMirror
	}

	a.settle(StatusFailed, err)
	r.finish(ctx, a)
	r.backlog.complete()
}

// fail settles a claimed request after a slot bookkeeping error.
func (r *run) fail(ctx context.Context, a *attempt, err error) error {
	err = fmt.Errorf("slot bookkeeping: %w", err)

	a.settle(StatusFailed, err)
	r.finish(ctx, a)
	r.backlog.complete()

	return err
}

func cancellation(ctx context.Context, a *attempt) error {
	return &fetch.Error{Kind: fetch.KindCancelled, URL: a.mirror, Op: "schedule", Err: context.Cause(ctx)}
}

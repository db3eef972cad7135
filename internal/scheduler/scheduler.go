package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/mirror_downloader/internal/fetch"
	"github.com/italolelis/mirror_downloader/internal/logctx"
	"github.com/italolelis/mirror_downloader/internal/slot"
	"github.com/italolelis/mirror_downloader/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

var errUnscheduled = errors.New("request left unscheduled")

// Verifier checks whether a destination already holds the expected file.
// *fetch.Destination implements it.
type Verifier interface {
	Verify(path string, size int64, sum fetch.Checksum) (bool, error)
}

// OutcomeHook is called once per request when it reaches a terminal state.
// It runs on the worker goroutine that settled the request.
type OutcomeHook func(ctx context.Context, batchID string, o Outcome)

// Scheduler runs download batches against a fetcher within fixed limits.
// Slot pools and mirror health are per batch; nothing carries over between
// Submit calls. Batches run one at a time so the limits hold across callers.
type Scheduler struct {
	limits    Limits
	fetcher   fetch.Fetcher
	telemetry *telemetry.Telemetry
	verifier  Verifier
	hooks     []OutcomeHook
	observers []slot.Observer

	mu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTelemetry records batch, outcome and slot metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.telemetry = tel
	}
}

// WithVerifier skips requests whose destination already holds a file
// matching the expected size and checksum.
func WithVerifier(v Verifier) Option {
	return func(s *Scheduler) {
		s.verifier = v
	}
}

// WithOutcomeHook registers fn for every settled request.
func WithOutcomeHook(fn OutcomeHook) Option {
	return func(s *Scheduler) {
		s.hooks = append(s.hooks, fn)
	}
}

// WithSlotObserver is notified of every slot acquire and release.
func WithSlotObserver(fn slot.Observer) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, fn)
	}
}

// New validates limits and returns a scheduler.
func New(limits Limits, fetcher fetch.Fetcher, opts ...Option) (*Scheduler, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	if fetcher == nil {
		return nil, &ConfigurationError{Field: "fetcher", Reason: "must not be nil"}
	}

	s := &Scheduler{limits: limits, fetcher: fetcher}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Limits returns the limits the scheduler was built with.
func (s *Scheduler) Limits() Limits {
	return s.limits
}

// run is the state of one batch.
type run struct {
	id        string
	limits    Limits
	threshold int
	fetcher   fetch.Fetcher
	telemetry *telemetry.Telemetry
	hooks     []OutcomeHook

	registry *registry
	attempts []*attempt
	backlog  *backlog
}

// Submit runs reqs to completion and returns one outcome per request in
// submission order. Invalid requests yield a *ConfigurationError before any
// transfer starts. A batch where every request failed still returns a nil
// error; the error is non-nil only when a worker hit broken slot bookkeeping.
// Cancelling ctx stops new attempts; in-flight transfers run until they end or
// time out, and requests that never finished fail with kind Cancelled.
// Concurrent calls wait for the running batch to finish.
func (s *Scheduler) Submit(ctx context.Context, reqs []Request) (*Batch, error) {
	if err := ValidateRequests(reqs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := &run{
		id:        uuid.NewString(),
		limits:    s.limits,
		threshold: s.limits.failureThreshold(),
		fetcher:   s.fetcher,
		telemetry: s.telemetry,
		hooks:     s.hooks,
		registry:  newRegistry(s.limits, s.slotObserver()),
	}

	ctx = logctx.WithBatchID(ctx, r.id)
	logger := logctx.LoggerFromContext(ctx)

	if err := r.enqueue(reqs); err != nil {
		return nil, err
	}

	batch := &Batch{ID: r.id, StartedAt: time.Now()}

	pending := r.skipVerified(ctx, s.verifier)
	r.backlog = newBacklog(pending)

	logger.InfoContext(ctx, "batch started",
		"requests", len(reqs),
		"to_fetch", len(pending),
		"repositories", len(r.registry.repoOrder),
		"servers", len(r.registry.serverOrder),
	)

	err := s.telemetry.InstrumentBatch(ctx, len(reqs), func(ctx context.Context) error {
		return r.execute(ctx, len(pending))
	})

	batch.Elapsed = time.Since(batch.StartedAt)
	batch.outcomes = make([]Outcome, len(r.attempts))

	for i, a := range r.attempts {
		batch.outcomes[i] = a.outcome()
	}

	batch.repositories, batch.servers = r.registry.stats()

	sum := batch.Summary()
	logger.InfoContext(ctx, "batch finished",
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"elapsed", batch.Elapsed.Round(time.Millisecond).String(),
	)

	return batch, err
}

// ValidateRequests reports the first request that cannot be scheduled.
func ValidateRequests(reqs []Request) error {
	destinations := make(map[string]int, len(reqs))

	for i, req := range reqs {
		field := func(name string) string {
			return fmt.Sprintf("requests[%d].%s", i, name)
		}

		if req.Repository == "" {
			return &ConfigurationError{Field: field("repository"), Reason: "must not be empty"}
		}

		if req.Destination == "" {
			return &ConfigurationError{Field: field("destination"), Reason: "must not be empty"}
		}

		if len(req.Mirrors) == 0 {
			return &ConfigurationError{Field: field("mirrors"), Reason: "at least one mirror is required"}
		}

		for j, m := range req.Mirrors {
			if _, err := fetch.Host(m); err != nil {
				return &ConfigurationError{Field: fmt.Sprintf("requests[%d].mirrors[%d]", i, j), Reason: err.Error()}
			}
		}

		if req.Size < 0 {
			return &ConfigurationError{Field: field("size"), Reason: "must not be negative"}
		}

		if err := req.Checksum.Validate(); err != nil {
			return &ConfigurationError{Field: field("checksum"), Reason: err.Error()}
		}

		dest := filepath.Clean(req.Destination)
		if prev, ok := destinations[dest]; ok {
			return &ConfigurationError{
				Field:  field("destination"),
				Reason: fmt.Sprintf("%s is also the destination of requests[%d]", dest, prev),
			}
		}

		destinations[dest] = i
	}

	return nil
}

// enqueue builds an attempt record per request and creates the repository
// and server contexts they reference.
func (r *run) enqueue(reqs []Request) error {
	r.attempts = make([]*attempt, 0, len(reqs))

	for i, req := range reqs {
		repo, err := r.registry.repository(req.Repository)
		if err != nil {
			return &ConfigurationError{Field: fmt.Sprintf("requests[%d].repository", i), Reason: err.Error()}
		}

		a := &attempt{index: i, req: req, repo: repo}

		seen := make(map[string]struct{}, len(req.Mirrors))
		mirrors := make([]string, 0, len(req.Mirrors))

		for _, m := range req.Mirrors {
			if _, dup := seen[m]; dup {
				continue
			}

			seen[m] = struct{}{}

			host, _ := fetch.Host(m)

			srv, err := r.registry.server(host)
			if err != nil {
				return &ConfigurationError{Field: fmt.Sprintf("requests[%d].mirrors", i), Reason: err.Error()}
			}

			repo.addHost(host)

			mirrors = append(mirrors, m)
			a.servers = append(a.servers, srv)
		}

		a.req.Mirrors = mirrors
		a.tried = make([]bool, len(mirrors))
		r.attempts = append(r.attempts, a)
	}

	return nil
}

// skipVerified settles requests whose destination is already in place and
// returns the rest in submission order.
func (r *run) skipVerified(ctx context.Context, v Verifier) []*attempt {
	if v == nil {
		return append([]*attempt(nil), r.attempts...)
	}

	logger := logctx.LoggerFromContext(ctx)
	pending := make([]*attempt, 0, len(r.attempts))

	for _, a := range r.attempts {
		ok, err := v.Verify(a.req.Destination, a.req.Size, a.req.Checksum)
		if err != nil {
			logger.WarnContext(ctx, "could not verify existing file", "path", a.req.Destination, "err", err)
		}

		if !ok {
			pending = append(pending, a)

			continue
		}

		a.skipped = true
		a.path = a.req.Destination
		a.settle(StatusSucceeded, nil)
		r.finish(ctx, a)
	}

	return pending
}

// execute starts the workers and waits for them. Requests still pending
// afterwards were cut off by cancellation or by a failed worker.
func (r *run) execute(ctx context.Context, pending int) error {
	var g errgroup.Group

	for i := range min(r.limits.MaxThreads, pending) {
		g.Go(func() error {
			return r.work(ctx, i)
		})
	}

	err := g.Wait()

	for _, a := range r.backlog.drain() {
		reason := err
		if ctx.Err() != nil {
			reason = cancellation(ctx, a)
		}

		if reason == nil {
			reason = errUnscheduled
		}

		a.settle(StatusFailed, reason)
		r.finish(ctx, a)
	}

	return err
}

// finish publishes a settled request.
func (r *run) finish(ctx context.Context, a *attempt) {
	o := a.outcome()
	logger := logctx.LoggerFromContext(ctx)

	if o.Succeeded() {
		logger.DebugContext(ctx, "request succeeded",
			"repository", o.Request.Repository, "path", o.Path, "mirror", o.Mirror, "skipped", o.Skipped)
	} else {
		logger.WarnContext(ctx, "request failed",
			"repository", o.Request.Repository,
			"destination", o.Request.Destination,
			"attempts", o.Attempts,
			"kind", o.Kind().String(),
			"err", o.Err,
		)
	}

	r.telemetry.RecordOutcome(ctx, o.Status.String())

	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range r.hooks {
		hook(hookCtx, r.id, o)
	}
}

func (s *Scheduler) slotObserver() slot.Observer {
	if s.telemetry == nil && len(s.observers) == 0 {
		return nil
	}

	return func(p *slot.Pool, occupied, delta int) {
		s.telemetry.RecordSlotChange(p.Kind(), delta)

		for _, fn := range s.observers {
			fn(p, occupied, delta)
		}
	}
}

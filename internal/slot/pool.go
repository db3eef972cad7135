package slot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrInvalidCapacity is returned when a pool is created with fewer than one slot.
	ErrInvalidCapacity = errors.New("slot: capacity must be at least 1")

	// ErrReleaseWithoutAcquire is returned when Release is called on a pool that has
	// no occupied slots. The occupancy count is left untouched.
	ErrReleaseWithoutAcquire = errors.New("slot: release without matching acquire")
)

// Observer is notified after every occupancy change of a pool with the new
// occupancy and the change (+1 or -1).
type Observer func(pool *Pool, occupied, delta int)

// Pool is a fixed-capacity counting semaphore guarding concurrent transfers
// against one resource (a mirror server or a repository).
type Pool struct {
	name     string
	kind     string
	capacity int64

	sem      *semaphore.Weighted
	occupied atomic.Int64
	peak     atomic.Int64

	observer Observer
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver registers fn to be called on every acquire and release.
func WithObserver(fn Observer) Option {
	return func(p *Pool) {
		p.observer = fn
	}
}

// WithKind labels the pool with a bounded-cardinality kind such as "server".
func WithKind(kind string) Option {
	return func(p *Pool) {
		p.kind = kind
	}
}

// New creates a pool named name with the given number of slots.
func New(name string, capacity int, opts ...Option) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: pool %q has capacity %d", ErrInvalidCapacity, name, capacity)
	}

	p := &Pool{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	p.occupy()

	return nil
}

// TryAcquire takes a slot if one is free right now.
func (p *Pool) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}

	p.occupy()

	return true
}

// Release returns one previously acquired slot.
func (p *Pool) Release() error {
	for {
		cur := p.occupied.Load()
		if cur <= 0 {
			return fmt.Errorf("%w: pool %q", ErrReleaseWithoutAcquire, p.name)
		}

		if p.occupied.CompareAndSwap(cur, cur-1) {
			p.sem.Release(1)
			p.notify(int(cur-1), -1)

			return nil
		}
	}
}

func (p *Pool) occupy() {
	n := p.occupied.Add(1)

	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.notify(int(n), 1)
}

func (p *Pool) notify(occupied, delta int) {
	if p.observer != nil {
		p.observer(p, occupied, delta)
	}
}

// Name returns the pool name (a hostname or repository id).
func (p *Pool) Name() string { return p.name }

// Kind returns the pool kind label.
func (p *Pool) Kind() string { return p.kind }

// Capacity returns the fixed number of slots.
func (p *Pool) Capacity() int { return int(p.capacity) }

// Occupied returns the number of slots currently held.
func (p *Pool) Occupied() int { return int(p.occupied.Load()) }

// Available reports how many slots are free. It is a snapshot and may be stale
// by the time the caller acts on it; TryAcquire is authoritative.
func (p *Pool) Available() int { return int(p.capacity - p.occupied.Load()) }

// Peak returns the highest occupancy observed since the pool was created.
func (p *Pool) Peak() int { return int(p.peak.Load()) }

package scheduler

import "sync"

// backlog is the FIFO of requests not currently held by a worker. Every state
// change closes the current signal channel and installs a fresh one, so a
// worker that captured the channel before giving up on a claim is always woken
// by the next change.
type backlog struct {
	mu       sync.Mutex
	pending  []*attempt
	inFlight int
	signal   chan struct{}
}

func newBacklog(items []*attempt) *backlog {
	return &backlog{
		pending: items,
		signal:  make(chan struct{}),
	}
}

// claim pops the first pending attempt accepted by isReady and marks it in
// flight. When nothing is ready it returns the channel to wait on. done is
// true once nothing is pending or in flight.
func (b *backlog) claim(isReady func(*attempt) bool) (a *attempt, wait <-chan struct{}, done bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 && b.inFlight == 0 {
		return nil, nil, true
	}

	for i, candidate := range b.pending {
		if !isReady(candidate) {
			continue
		}

		b.pending = append(b.pending[:i], b.pending[i+1:]...)
		b.inFlight++

		return candidate, nil, false
	}

	return nil, b.signal, false
}

// requeue returns a claimed attempt to the backlog. front keeps its place
// ahead of later submissions when the claim made no progress.
func (b *backlog) requeue(a *attempt, front bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if front {
		b.pending = append([]*attempt{a}, b.pending...)
	} else {
		b.pending = append(b.pending, a)
	}

	b.inFlight--
	b.broadcast()
}

// complete drops a claimed attempt that reached a terminal state.
func (b *backlog) complete() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight--
	b.broadcast()
}

// notify wakes waiting workers without changing the backlog.
func (b *backlog) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.broadcast()
}

// drain removes and returns everything still pending.
func (b *backlog) drain() []*attempt {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := b.pending
	b.pending = nil
	b.broadcast()

	return rest
}

func (b *backlog) broadcast() {
	close(b.signal)
	b.signal = make(chan struct{})
}

package slot

import (
	"context"
	"errors"
	"fmt"
)

// Pair holds a repository slot and, once attached, a server slot.
//
// Slots are always taken repository first, server second, and given back in
// reverse order. Every code path that needs both slots goes through a Pair so
// the ordering cannot drift.
type Pair struct {
	repository *Pool
	server     *Pool
	released   bool
}

// AcquireRepository blocks for a repository slot and returns a Pair holding it.
func AcquireRepository(ctx context.Context, repository *Pool) (*Pair, error) {
	if err := repository.Acquire(ctx); err != nil {
		return nil, err
	}

	return &Pair{repository: repository}, nil
}

// AcquirePair blocks for a repository slot and then for a server slot.
func AcquirePair(ctx context.Context, repository, server *Pool) (*Pair, error) {
	pair, err := AcquireRepository(ctx, repository)
	if err != nil {
		return nil, err
	}

	if err := server.Acquire(ctx); err != nil {
		if relErr := pair.Release(); relErr != nil {
			return nil, errors.Join(err, relErr)
		}

		return nil, err
	}

	pair.server = server

	return pair, nil
}

// TryServer attaches server to the pair if it has a free slot.
func (p *Pair) TryServer(server *Pool) bool {
	if p.server != nil || p.released {
		return false
	}

	if !server.TryAcquire() {
		return false
	}

	p.server = server

	return true
}

// Repository returns the repository pool of the pair.
func (p *Pair) Repository() *Pool { return p.repository }

// Server returns the attached server pool or nil.
func (p *Pair) Server() *Pool { return p.server }

// Release gives back the server slot, then the repository slot. Releasing a
// pair twice is reported as ErrReleaseWithoutAcquire.
func (p *Pair) Release() error {
	if p.released {
		return fmt.Errorf("%w: pair for repository %q released twice", ErrReleaseWithoutAcquire, p.repository.Name())
	}

	p.released = true

	var errs []error

	if p.server != nil {
		if err := p.server.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.repository.Release(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

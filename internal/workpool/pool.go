// Package workpool bounds the number of blocking filesystem calls in flight.
package workpool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("worker pool is closed")

// Pool runs blocking work on at most Size goroutines at a time.
//
// A call waits for a free slot and then for its work to finish. When the
// caller's context ends first the call returns ctx.Err() immediately while
// the work keeps running to completion in the background; nothing it already
// did is undone.
type Pool struct {
	size int64
	sem  *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool with size slots. A non-positive size uses the number
// of CPUs.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return int(p.size)
}

// Do runs fn on the pool and returns its error.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	_, err := Submit(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Submit runs fn on p and returns its result.
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return zero, ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return zero, err
	}

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		value, err := fn()
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close stops the pool from accepting new work and waits for the work
// already accepted to finish. Close is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

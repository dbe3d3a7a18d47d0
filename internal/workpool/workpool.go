// Package workpool implements spec.md §5's bounded thread pool: a fixed
// number of concurrent slots hosting synchronous adapter calls (TSDB
// driver, HTML parsers, multicall batch invocations) submitted from the
// single-threaded scheduler event loop.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent execution to a fixed number of slots via a
// weighted semaphore, joined with errgroup so the first task error
// cancels the batch's context and is returned from Wait.
type Pool struct {
	sem *semaphore.Weighted
	cap int64
}

// New returns a Pool with the given capacity. A capacity <= 0 defaults
// to runtime.NumCPU() (spec's "cpu_count() when threaded, else 2" — the
// "else 2" branch is the caller's choice to pass 2 explicitly).
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(capacity)), cap: int64(capacity)}
}

// Batch runs a group of tasks bounded by the pool's capacity, returning
// the first error encountered (if any); the batch's context is
// cancelled on first failure so sibling tasks can observe it.
func (p *Pool) Batch(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		if err := p.sem.Acquire(gctx, 1); err != nil {
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return err
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			return task(gctx)
		})
	}
	return g.Wait()
}

// Submit runs a single task on the pool, blocking until a slot is free
// or ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return task(ctx)
}

// Capacity returns the pool's configured slot count.
func (p *Pool) Capacity() int {
	return int(p.cap)
}

// Package git bounds concurrent git CLI invocations.
package git

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent git CLI operations with a weighted semaphore.
// Checkpoint commits happen on every committed artifact, so parallel
// project runs would otherwise fork an unbounded number of git processes.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool allowing at most limit concurrent git operations.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot. Blocks while all
// slots are busy; returns ctx.Err() if the context is cancelled first.
// A nil pool runs fn directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Package sched bounds the pipeline's subprocess fan-out with two composed
// pools: jobs per watch root, pages per job. Total concurrent subprocess
// invocations stay at roots x MaxFiles x MaxPages even under bursty arrival.
package sched

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/mdutra/ocrpipe/internal/common"
)

// Pool is a bounded slot pool with scoped acquisition. The returned release
// func must run on every exit path, normally via defer.
type Pool struct {
	sem *semaphore.Weighted
	cap int64
}

func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(capacity)), cap: int64(capacity)}
}

// Acquire blocks for a slot until ctx is done.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

// TryAcquire takes a slot without blocking. The second return is false when
// the pool is full; excess work queues behind the next scan instead of
// spawning unbounded subprocesses.
func (p *Pool) TryAcquire() (release func(), ok bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { p.sem.Release(1) }, true
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int { return int(p.cap) }

// Scheduler owns one job pool per watch root and mints page pools per job.
type Scheduler struct {
	maxPages int
	jobPools map[string]*Pool
}

func NewScheduler(cfg *common.Config) *Scheduler {
	s := &Scheduler{
		maxPages: cfg.MaxPages,
		jobPools: make(map[string]*Pool, len(cfg.Roots)),
	}
	for _, root := range cfg.Roots {
		s.jobPools[root.Base] = NewPool(cfg.MaxFiles)
	}
	return s
}

// JobPool returns the job pool for root. Roots are fixed at startup, so a
// miss is a programming error surfaced as a nil pool panic in tests.
func (s *Scheduler) JobPool(root common.WatchRoot) *Pool {
	return s.jobPools[root.Base]
}

// PagePool mints the inner pool bounding page work within a single job.
func (s *Scheduler) PagePool() *Pool {
	return NewPool(s.maxPages)
}

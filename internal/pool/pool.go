package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Pool bounds how many jobs run at once and keeps a cancel handle for each
// running job.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	mu sync.Mutex
	// one entry per running attempt; a retry of the same id replaces it
	active map[string]*attempt

	running atomic.Int64
	peak    atomic.Int64
}

// New returns a pool of size slots. Sizes below one are raised to one.
func New(size int) *Pool {
	size = max(size, 1)
	return &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		active: make(map[string]*attempt),
	}
}

func (p *Pool) Size() int { return p.size }

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release gives back a slot acquired but not handed to Go.
func (p *Pool) Release() {
	p.sem.Release(1)
}

// Go runs fn for job id on an acquired slot. fn's context derives from
// parent and is cancelled, with a cause, by Cancel or CancelAll. The slot
// is released when fn returns.
func (p *Pool) Go(parent context.Context, id string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancelCause(parent)
	a := &attempt{cancel: cancel}
	p.track(id, a)

	n := p.running.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.running.Add(-1)
		defer p.untrack(id, a)
		defer cancel(nil)

		fn(ctx)
	}()
}

// Cancel cancels the running job id with cause. It reports whether the job
// was running in this pool.
func (p *Pool) Cancel(id string, cause error) bool {
	p.mu.Lock()
	a, ok := p.active[id]
	p.mu.Unlock()
	if ok {
		a.cancel(cause)
	}
	return ok
}

// CancelAll cancels every running job with cause.
func (p *Pool) CancelAll(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.active {
		a.cancel(cause)
	}
}

// ActiveIDs lists the ids of running jobs.
func (p *Pool) ActiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) Running() int { return int(p.running.Load()) }

// Peak is the highest number of jobs that ran at the same time.
func (p *Pool) Peak() int { return int(p.peak.Load()) }

// Wait blocks until every running job returns or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Janitor calls sweep every interval until ctx is done. It is used to
// recover jobs whose worker stopped heartbeating.
func Janitor(ctx context.Context, interval time.Duration, logger zerolog.Logger, sweep func(context.Context) (int, error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("janitor sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("recovered", n).Msg("recovered stalled jobs")
			}
		case <-ctx.Done():
			return
		}
	}
}

type attempt struct {
	cancel context.CancelCauseFunc
}

func (p *Pool) track(id string, a *attempt) {
	p.mu.Lock()
	p.active[id] = a
	p.mu.Unlock()
}

// untrack removes a only while it is still the current attempt for id.
func (p *Pool) untrack(id string, a *attempt) {
	p.mu.Lock()
	if p.active[id] == a {
		delete(p.active, id)
	}
	p.mu.Unlock()
}

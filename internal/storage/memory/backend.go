// Package memory is the single-process fallback queue backend.
//
// Everything lives in process memory: queued jobs that have not started
// are lost when the process exits. Use a broker-backed backend when jobs
// must survive restarts.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/joshu-sajeev/jobrunner/internal/job"
)

// Backend is an in-memory FIFO queue. Safe for concurrent use, but only one
// dispatcher should claim from it.
type Backend struct {
	mu       sync.Mutex
	jobs     map[string]*job.Job
	pending  []string
	delayed  []string // not yet due; moved to the tail of pending once due
	finished []string
	retain   int
	draining bool
	closed   bool
	ready    chan struct{}
	now      func() time.Time
}

var (
	_ job.Backend  = (*Backend)(nil)
	_ job.Notifier = (*Backend)(nil)
)

type Option func(*Backend)

// WithRetain bounds how many finished jobs are kept for GetJob. Zero keeps
// all of them.
func WithRetain(n int) Option {
	return func(b *Backend) { b.retain = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

func New(opts ...Option) *Backend {
	b := &Backend{
		jobs:  make(map[string]*job.Job),
		ready: make(chan struct{}, 1),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ready fires after a job becomes claimable.
func (b *Backend) Ready() <-chan struct{} { return b.ready }

func (b *Backend) Enqueue(_ context.Context, j *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.draining {
		return job.ErrBackendUnavailable
	}
	if _, ok := b.jobs[j.ID]; ok {
		return fmt.Errorf("memory: enqueue %s: duplicate id", j.ID)
	}

	stored := j.Clone()
	stored.Status = job.StatusQueued
	b.jobs[stored.ID] = stored
	b.schedule(stored)
	return nil
}

func (b *Backend) Get(_ context.Context, id string) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (b *Backend) Cancel(_ context.Context, id string) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}

	switch j.Status {
	case job.StatusQueued, job.StatusPaused:
		b.removePending(id)
		if err := j.Fail(job.ErrCancelled, b.now()); err != nil {
			return nil, err
		}
		b.retire(j)
	case job.StatusActive:
		j.CancelRequested = true
	}
	return j.Clone(), nil
}

func (b *Backend) Pause(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status == job.StatusPaused {
		return nil
	}
	if !j.Status.CanTransition(job.StatusPaused) {
		return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, j.Status, job.StatusPaused)
	}
	b.removePending(id)
	j.Status = job.StatusPaused
	return nil
}

func (b *Backend) Resume(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status == job.StatusQueued {
		return nil
	}
	if j.Status != job.StatusPaused {
		return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, j.Status, job.StatusQueued)
	}
	j.Status = job.StatusQueued
	b.schedule(j)
	return nil
}

// Claim takes the oldest eligible job. Delayed jobs join the tail of the
// queue in the order they came due.
func (b *Backend) Claim(_ context.Context) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, job.ErrBackendUnavailable
	}

	now := b.now()
	b.promote(now)
	for i, id := range b.pending {
		j := b.jobs[id]
		if j == nil || !j.Eligible(now) {
			continue
		}
		b.pending = slices.Delete(b.pending, i, i+1)

		started := now
		j.Status = job.StatusActive
		j.StartedAt = &started
		j.AttemptsMade++
		j.CancelRequested = false
		return j.Clone(), nil
	}
	return nil, nil
}

func (b *Backend) Heartbeat(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return false, job.ErrJobNotFound
	}
	return j.CancelRequested, nil
}

func (b *Backend) SetProgress(_ context.Context, id string, pct int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status == job.StatusActive {
		j.Progress = job.ClampProgress(pct)
	}
	return nil
}

func (b *Backend) Requeue(_ context.Context, in *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[in.ID]
	if !ok {
		return job.ErrJobNotFound
	}
	if !j.Status.CanTransition(job.StatusQueued) {
		return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, j.Status, job.StatusQueued)
	}

	j.Status = job.StatusQueued
	j.Error = in.Error
	j.Progress = 0
	j.CancelRequested = false
	b.schedule(j)
	return nil
}

func (b *Backend) Finish(_ context.Context, in *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[in.ID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is already %s", job.ErrInvalidTransition, j.ID, j.Status)
	}
	if !in.Status.Terminal() {
		return fmt.Errorf("%w: finish with %s", job.ErrInvalidTransition, in.Status)
	}

	stored := in.Clone()
	b.jobs[stored.ID] = stored
	b.removePending(stored.ID)
	b.retire(stored)
	return nil
}

// Reap is a no-op: a single process cannot lose track of its own jobs.
func (b *Backend) Reap(context.Context) (int, error) { return 0, nil }

func (b *Backend) Drain(context.Context) error {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return job.ErrBackendUnavailable
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.draining = true
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Len returns the number of jobs waiting to be claimed, delayed ones
// included and paused ones excluded.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) + len(b.delayed)
}

// retire applies the retention policy to a job that just became terminal.
// Callers hold b.mu.
func (b *Backend) retire(j *job.Job) {
	if j.Status == job.StatusCompleted && j.RemoveOnComplete {
		delete(b.jobs, j.ID)
		return
	}
	b.finished = append(b.finished, j.ID)
	if b.retain <= 0 {
		return
	}
	for len(b.finished) > b.retain {
		delete(b.jobs, b.finished[0])
		b.finished = b.finished[1:]
	}
}

// schedule queues j, holding it back while its delay has not passed.
// Callers hold b.mu.
func (b *Backend) schedule(j *job.Job) {
	if j.DelayUntil != nil && b.now().Before(*j.DelayUntil) {
		b.delayed = append(b.delayed, j.ID)
		return
	}
	b.pending = append(b.pending, j.ID)
	b.signal()
}

// promote moves every delayed job due at now to the tail of pending,
// earliest due first.
func (b *Backend) promote(now time.Time) {
	var due []*job.Job
	b.delayed = slices.DeleteFunc(b.delayed, func(id string) bool {
		j := b.jobs[id]
		if j == nil {
			return true
		}
		if now.Before(*j.DelayUntil) {
			return false
		}
		due = append(due, j)
		return true
	})
	slices.SortStableFunc(due, func(a, c *job.Job) int { return a.DelayUntil.Compare(*c.DelayUntil) })
	for _, j := range due {
		b.pending = append(b.pending, j.ID)
	}
}

func (b *Backend) removePending(id string) {
	if i := slices.Index(b.pending, id); i >= 0 {
		b.pending = slices.Delete(b.pending, i, i+1)
		return
	}
	if i := slices.Index(b.delayed, id); i >= 0 {
		b.delayed = slices.Delete(b.delayed, i, i+1)
	}
}

func (b *Backend) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

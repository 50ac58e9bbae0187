package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joshu-sajeev/jobrunner/internal/events"
	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/joshu-sajeev/jobrunner/internal/pool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errShutdown = errors.New("worker: shutting down")

const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultLeaseDuration     = 30 * time.Second
	maxClaimBackoff          = 30 * time.Second
)

// Dispatcher claims jobs from a backend and runs their handlers on a
// bounded pool.
type Dispatcher struct {
	backend  job.Backend
	registry *job.Registry
	events   events.Publisher
	pool     *pool.Pool
	logger   zerolog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	leaseDuration     time.Duration

	faults chan error

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	group   *errgroup.Group
	// jobs derive from base so stopping the loops does not interrupt them
	base context.Context
}

type Option func(*Dispatcher)

func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.pool = pool.New(n) }
}

func WithPollInterval(v time.Duration) Option {
	return func(d *Dispatcher) {
		if v > 0 {
			d.pollInterval = v
		}
	}
}

func WithHeartbeatInterval(v time.Duration) Option {
	return func(d *Dispatcher) {
		if v > 0 {
			d.heartbeatInterval = v
		}
	}
}

// WithLeaseDuration sets how often stalled jobs are reaped.
func WithLeaseDuration(v time.Duration) Option {
	return func(d *Dispatcher) {
		if v > 0 {
			d.leaseDuration = v
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New builds a dispatcher. The default concurrency is one. bus may be nil
// when nobody observes events.
func New(backend job.Backend, registry *job.Registry, bus events.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:           backend,
		registry:          registry,
		events:            bus,
		pool:              pool.New(1),
		logger:            zerolog.Nop(),
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		leaseDuration:     defaultLeaseDuration,
		faults:            make(chan error, 16),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatcher").Logger()
	if d.events == nil {
		d.events = nopPublisher{}
	}
	d.base = context.Background()
	return d
}

// Err reports dispatcher faults that are not job failures, such as a job
// claimed without a registered handler. Faults are dropped when nobody
// reads them.
func (d *Dispatcher) Err() <-chan error { return d.faults }

// Concurrency is the maximum number of jobs run at once.
func (d *Dispatcher) Concurrency() int { return d.pool.Size() }

// Peak is the highest number of jobs observed running at once.
func (d *Dispatcher) Peak() int { return d.pool.Peak() }

// Start launches the claim, heartbeat and reaper loops. It returns
// immediately; call Stop to shut down.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("worker: dispatcher already started")
	}
	d.started = true
	d.registry.Seal()

	loopCtx, cancel := context.WithCancel(ctx)
	d.stop = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	d.group = g

	g.Go(func() error { return d.claimLoop(gctx) })
	g.Go(func() error { d.heartbeatLoop(gctx); return nil })
	g.Go(func() error {
		pool.Janitor(gctx, d.leaseDuration, d.logger, d.backend.Reap)
		return nil
	})

	d.logger.Info().
		Int("concurrency", d.pool.Size()).
		Dur("poll_interval", d.pollInterval).
		Msg("dispatcher started")
	return nil
}

// Stop stops claiming and waits for running jobs until ctx is done. Jobs
// still running then are cancelled and awaited.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	stop, group := d.stop, d.group
	d.mu.Unlock()

	stop()
	loopErr := group.Wait()

	if err := d.pool.Wait(ctx); err != nil {
		d.logger.Warn().
			Int("running", d.pool.Running()).
			Msg("shutdown timeout reached, cancelling running jobs")
		d.pool.CancelAll(errShutdown)
		_ = d.pool.Wait(context.Background())
	}

	d.logger.Info().Msg("dispatcher stopped")
	return loopErr
}

// RunPending claims and runs eligible jobs one at a time on the calling
// goroutine until none is left. It returns how many jobs were run.
func (d *Dispatcher) RunPending(ctx context.Context) (int, error) {
	d.registry.Seal()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		j, err := d.backend.Claim(ctx)
		if err != nil {
			return n, err
		}
		if j == nil {
			return n, nil
		}
		d.execute(ctx, j)
		n++
	}
}

func (d *Dispatcher) claimLoop(ctx context.Context) error {
	var ready <-chan struct{}
	if n, ok := d.backend.(job.Notifier); ok {
		ready = n.Ready()
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = d.pollInterval
	retry.MaxInterval = maxClaimBackoff
	retry.MaxElapsedTime = 0

	for {
		// take the slot first so a claimed job never waits for one
		if err := d.pool.Acquire(ctx); err != nil {
			return nil
		}

		j, err := d.backend.Claim(ctx)
		if err != nil {
			d.pool.Release()
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			d.logger.Warn().Err(err).Dur("retry_in", wait).Msg("claim failed")
			if !sleep(ctx, wait, nil) {
				return nil
			}
			continue
		}
		retry.Reset()

		if j == nil {
			d.pool.Release()
			if !sleep(ctx, d.pollInterval, ready) {
				return nil
			}
			continue
		}

		d.pool.Go(d.base, j.ID, func(jctx context.Context) {
			d.execute(jctx, j)
		})
	}
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, id := range d.pool.ActiveIDs() {
				cancelled, err := d.backend.Heartbeat(ctx, id)
				if err != nil {
					d.logger.Warn().Err(err).Str("job_id", id).Msg("heartbeat failed")
					continue
				}
				if cancelled && d.pool.Cancel(id, job.ErrCancelled) {
					d.logger.Info().Str("job_id", id).Msg("cancel requested, signalling handler")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one claimed attempt and records its outcome.
func (d *Dispatcher) execute(ctx context.Context, j *job.Job) {
	log := d.logger.With().
		Str("job_id", j.ID).
		Str("job_name", j.Name).
		Int("attempt", j.AttemptsMade).
		Logger()
	// outcome writes must land even if the job context was cancelled
	persist := context.WithoutCancel(ctx)

	reg, err := d.registry.Resolve(j.Name)
	if err != nil {
		d.fault(fmt.Errorf("worker: job %s: %w", j.ID, err))
		log.Error().Err(err).Msg("no handler registered")
		d.fail(persist, j, err, log)
		return
	}

	d.publish(j, events.KindActive, map[string]any{"attempt": j.AttemptsMade})
	log.Debug().Msg("job started")

	rt := newRuntime(ctx, d, j)
	result, err := d.invoke(ctx, reg.Handler, j, rt)
	rt.detach()

	if err == nil {
		data, merr := encodeResult(result)
		if merr != nil {
			err = &job.HandlerError{JobID: j.ID, JobName: j.Name, Attempt: j.AttemptsMade, Err: job.Permanent(merr)}
		} else {
			d.complete(persist, j, data, log)
			return
		}
	}

	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, job.ErrCancelled):
		d.fail(persist, j, fmt.Errorf("%w: %v", job.ErrCancelled, err), log)
	case job.IsPermanent(err) || !j.CanRetry():
		d.fail(persist, j, err, log)
	default:
		j.Error = err.Error()
		if rerr := d.backend.Requeue(persist, j); rerr != nil {
			log.Error().Err(rerr).Msg("requeue failed")
			d.fail(persist, j, err, log)
			return
		}
		log.Warn().Err(err).Int("attempts_allowed", j.AttemptsAllowed).Msg("attempt failed, retrying")
		d.publish(j, events.KindLog, map[string]any{
			"message": fmt.Sprintf("attempt %d of %d failed: %v", j.AttemptsMade, j.AttemptsAllowed, err),
		})
	}
}

// invoke calls the handler, converting errors and panics to HandlerError.
func (d *Dispatcher) invoke(ctx context.Context, h job.Handler, j *job.Job, rt job.Runtime) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &job.HandlerError{
				JobID:   j.ID,
				JobName: j.Name,
				Attempt: j.AttemptsMade,
				Err:     fmt.Errorf("panic: %v", r),
				Panic:   r,
			}
		}
	}()

	result, err = h.Execute(ctx, j.Payload, rt)
	if err != nil {
		err = &job.HandlerError{JobID: j.ID, JobName: j.Name, Attempt: j.AttemptsMade, Err: err}
	}
	return result, err
}

func (d *Dispatcher) complete(ctx context.Context, j *job.Job, result json.RawMessage, log zerolog.Logger) {
	if err := j.Complete(result, time.Now().UTC()); err != nil {
		log.Error().Err(err).Msg("complete job")
		return
	}
	if err := d.backend.Finish(ctx, j); err != nil {
		log.Error().Err(err).Msg("persist completed job")
		d.fault(fmt.Errorf("worker: persist job %s: %w", j.ID, err))
		return
	}
	log.Info().Msg("job completed")
	d.publish(j, events.KindCompleted, map[string]any{"result": result})
}

func (d *Dispatcher) fail(ctx context.Context, j *job.Job, cause error, log zerolog.Logger) {
	if err := j.Fail(cause, time.Now().UTC()); err != nil {
		log.Error().Err(err).Msg("fail job")
		return
	}
	if err := d.backend.Finish(ctx, j); err != nil {
		log.Error().Err(err).Msg("persist failed job")
		d.fault(fmt.Errorf("worker: persist job %s: %w", j.ID, err))
		return
	}
	log.Error().Str("error", j.Error).Msg("job failed")
	d.publish(j, events.KindFailed, map[string]any{"error": j.Error})
}

func (d *Dispatcher) publish(j *job.Job, kind events.Kind, data any) {
	d.events.Publish(events.Event{
		JobID:     j.ID,
		JobName:   j.Name,
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (d *Dispatcher) fault(err error) {
	select {
	case d.faults <- err:
	default:
		d.logger.Debug().Err(err).Msg("fault channel full, dropping")
	}
}

func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(r) {
			return nil, errors.New("handler returned invalid JSON result")
		}
		return r, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

// sleep waits for d, a wake-up on ready, or ctx. It reports false when ctx
// ended.
func sleep(ctx context.Context, d time.Duration, ready <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ready:
		return true
	case <-ctx.Done():
		return false
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/joshu-sajeev/jobrunner/internal/events"
	"github.com/joshu-sajeev/jobrunner/internal/job"
)

// runtime is the job.Runtime handed to a handler for one attempt.
type runtime struct {
	ctx context.Context
	d   *Dispatcher
	job job.Job

	mu       sync.Mutex
	detached bool
	stops    []func() bool
}

var _ job.Runtime = (*runtime)(nil)

func newRuntime(ctx context.Context, d *Dispatcher, j *job.Job) *runtime {
	return &runtime{ctx: ctx, d: d, job: *j.Clone()}
}

func (r *runtime) Job() job.Job { return *r.job.Clone() }

func (r *runtime) ReportProgress(pct int) {
	pct = job.ClampProgress(pct)
	if err := r.d.backend.SetProgress(context.WithoutCancel(r.ctx), r.job.ID, pct); err != nil {
		r.d.logger.Warn().Err(err).Str("job_id", r.job.ID).Msg("store progress")
	}
	r.d.publish(&r.job, events.KindProgress, map[string]any{"progress": pct})
}

func (r *runtime) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.d.logger.Debug().Str("job_id", r.job.ID).Msg(msg)
	r.d.publish(&r.job, events.KindLog, map[string]any{"message": msg})
}

// OnCancelled runs fn when the attempt's context is cancelled. Callbacks
// registered after the handler returned never run.
func (r *runtime) OnCancelled(fn func()) func() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detached {
		return func() bool { return false }
	}
	stop := context.AfterFunc(r.ctx, fn)
	r.stops = append(r.stops, stop)
	return stop
}

// detach unregisters pending callbacks so the context teardown that follows
// a normal return does not fire them.
func (r *runtime) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detached = true
	for _, stop := range r.stops {
		stop()
	}
	r.stops = nil
}

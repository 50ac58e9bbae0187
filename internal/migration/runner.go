// Package migration runs the ordered, run-once setup jobs a process needs
// before it may dispatch anything else.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/joshu-sajeev/jobrunner/internal/job"
)

var ErrMigrationFailed = errors.New("jobrunner: migration failed")

// MigrationError reports the migration that stopped a run. It matches both
// ErrMigrationFailed and the underlying cause with errors.Is.
type MigrationError struct {
	Name     string
	Position int
	Err      error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d %q failed: %v", e.Position, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() []error {
	return []error{ErrMigrationFailed, e.Err}
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusExecuted Status = "executed"
)

// Record is the durable state of one named migration.
type Record struct {
	Name       string     `json:"name"`
	Position   int        `json:"position"`
	Status     Status     `json:"status"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// RecordStore persists migration records. MarkExecuted must be durable
// when it returns.
type RecordStore interface {
	Ensure(ctx context.Context, name string, position int) (Record, error)
	List(ctx context.Context) ([]Record, error)
	MarkExecuted(ctx context.Context, name string, at time.Time) error
}

// Locker serialises runners across processes.
type Locker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

type Runner struct {
	registry *job.Registry
	store    RecordStore
	names    []string
	locker   Locker
	lockWait time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Runner)

func WithLocker(l Locker) Option {
	return func(r *Runner) { r.locker = l }
}

// WithLockTimeout bounds how long Run waits for the lock. Zero waits for
// as long as ctx allows.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Runner) { r.lockWait = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner runs names in the given order. Every name must be registered
// in registry.
func NewRunner(registry *job.Registry, store RecordStore, names []string, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		store:    store,
		names:    append([]string(nil), names...),
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "migration").Logger()
	return r
}

func (r *Runner) Names() []string { return append([]string(nil), r.names...) }

// Run executes every pending migration in order and returns how many ran.
// The first failure stops the run; later migrations stay pending.
func (r *Runner) Run(ctx context.Context) (int, error) {
	regs := make([]job.Registration, len(r.names))
	for i, name := range r.names {
		reg, err := r.registry.Resolve(name)
		if err != nil {
			return 0, &MigrationError{Name: name, Position: i + 1, Err: err}
		}
		regs[i] = reg
	}

	if r.locker != nil {
		lockCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.lockWait > 0 {
			lockCtx, cancel = context.WithTimeout(ctx, r.lockWait)
		}
		unlock, err := r.locker.Lock(lockCtx)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("acquire migration lock: %w", err)
		}
		defer func() {
			if err := unlock(); err != nil {
				r.logger.Warn().Err(err).Msg("release migration lock")
			}
		}()
	}

	ran := 0
	for i, reg := range regs {
		pos := i + 1

		rec, err := r.store.Ensure(ctx, reg.Name, pos)
		if err != nil {
			return ran, &MigrationError{Name: reg.Name, Position: pos, Err: err}
		}
		if rec.Status == StatusExecuted {
			r.logger.Debug().Str("migration", reg.Name).Msg("already executed")
			continue
		}

		start := r.now()
		r.logger.Info().Str("migration", reg.Name).Int("position", pos).Msg("running migration")

		if err := r.execute(ctx, reg, pos); err != nil {
			r.logger.Error().Err(err).Str("migration", reg.Name).Msg("migration failed")
			return ran, &MigrationError{Name: reg.Name, Position: pos, Err: err}
		}

		at := r.now()
		if err := r.store.MarkExecuted(ctx, reg.Name, at); err != nil {
			return ran, &MigrationError{Name: reg.Name, Position: pos, Err: fmt.Errorf("record executed: %w", err)}
		}
		ran++

		r.logger.Info().
			Str("migration", reg.Name).
			Dur("took", at.Sub(start)).
			Msg("migration executed")
	}
	return ran, nil
}

// Status lists every configured migration in run order. Names without a
// stored record are reported pending.
func (r *Runner) Status(ctx context.Context) ([]Record, error) {
	stored, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Record, len(stored))
	for _, rec := range stored {
		byName[rec.Name] = rec
	}

	out := make([]Record, 0, len(r.names))
	for i, name := range r.names {
		rec, ok := byName[name]
		if !ok {
			rec = Record{Name: name, Status: StatusPending}
		}
		rec.Position = i + 1
		out = append(out, rec)
	}
	return out, nil
}

func (r *Runner) execute(ctx context.Context, reg job.Registration, pos int) (err error) {
	rt := &runtime{name: reg.Name, pos: pos, logger: r.logger, now: r.now()}
	defer func() {
		if p := recover(); p != nil {
			err = &job.HandlerError{JobName: reg.Name, Attempt: 1, Panic: p}
		}
	}()

	if _, err := reg.Handler.Execute(ctx, json.RawMessage("{}"), rt); err != nil {
		return &job.HandlerError{JobName: reg.Name, Attempt: 1, Err: err}
	}
	return nil
}

// runtime gives migration handlers the same surface as queued jobs. There
// is no observer, so progress and logs go to the process log.
type runtime struct {
	name   string
	pos    int
	logger zerolog.Logger
	now    time.Time
}

func (r *runtime) Job() job.Job {
	started := r.now
	return job.Job{
		ID:              fmt.Sprintf("migration-%d", r.pos),
		Name:            r.name,
		Status:          job.StatusActive,
		AttemptsMade:    1,
		AttemptsAllowed: 1,
		CreatedAt:       r.now,
		StartedAt:       &started,
	}
}

func (r *runtime) ReportProgress(pct int) {
	r.logger.Debug().Str("migration", r.name).Int("progress", job.ClampProgress(pct)).Msg("migration progress")
}

func (r *runtime) Logf(format string, args ...any) {
	r.logger.Info().Str("migration", r.name).Msgf(format, args...)
}

// OnCancelled never fires: migrations are not cancellable.
func (r *runtime) OnCancelled(func()) func() bool {
	return func() bool { return false }
}

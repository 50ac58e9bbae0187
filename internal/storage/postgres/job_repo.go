package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/joshu-sajeev/jobrunner/internal/models"
)

const defaultLease = 30 * time.Second

var terminalStatuses = []string{string(job.StatusCompleted), string(job.StatusFailed)}

// JobRepository is the SQL queue backend. Workers in any number of
// processes claim rows with FOR UPDATE SKIP LOCKED, so each queued job is
// handed to exactly one of them.
type JobRepository struct {
	db    *gorm.DB
	lease time.Duration
	ttl   time.Duration
	now   func() time.Time

	draining atomic.Bool
	closed   atomic.Bool
}

var _ job.Backend = (*JobRepository)(nil)

type Option func(*JobRepository)

// WithLease sets how long a claim stays valid without a heartbeat.
func WithLease(d time.Duration) Option {
	return func(r *JobRepository) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithCompletedTTL deletes finished rows older than d during Reap. Zero
// keeps them forever.
func WithCompletedTTL(d time.Duration) Option {
	return func(r *JobRepository) { r.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *JobRepository) { r.now = now }
}

func NewJobRepository(db *gorm.DB, opts ...Option) *JobRepository {
	r := &JobRepository{
		db:    db,
		lease: defaultLease,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *JobRepository) Enqueue(ctx context.Context, j *job.Job) error {
	if r.draining.Load() {
		return job.ErrBackendUnavailable
	}

	row := toModel(j)
	row.Status = string(job.StatusQueued)
	row.EnqueuedAt = r.now()
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("postgres: enqueue %s: duplicate id", j.ID)
		}
		return unavailable("enqueue", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*job.Job, error) {
	row, err := r.find(r.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return toDomain(row), nil
}

func (r *JobRepository) Cancel(ctx context.Context, id string) (*job.Job, error) {
	var out *job.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := r.find(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
		if err != nil {
			return err
		}

		now := r.now()
		switch job.Status(row.Status) {
		case job.StatusQueued, job.StatusPaused:
			row.Status = string(job.StatusFailed)
			row.Error = job.ErrCancelled.Error()
			row.Result = nil
			row.FinishedAt = &now
		case job.StatusActive:
			row.CancelRequested = true
		default:
			out = toDomain(row)
			return nil
		}

		if err := tx.Model(row).Select("status", "error", "result", "finished_at", "cancel_requested").
			Updates(row).Error; err != nil {
			return unavailable("cancel", err)
		}
		out = toDomain(row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *JobRepository) Pause(ctx context.Context, id string) error {
	return r.move(ctx, "pause", id, job.StatusQueued, job.StatusPaused, nil)
}

func (r *JobRepository) Resume(ctx context.Context, id string) error {
	return r.move(ctx, "resume", id, job.StatusPaused, job.StatusQueued, map[string]any{
		"enqueued_at": r.now(),
	})
}

// Claim locks the oldest eligible row, skipping rows other workers hold.
func (r *JobRepository) Claim(ctx context.Context) (*job.Job, error) {
	if r.closed.Load() {
		return nil, job.ErrBackendUnavailable
	}

	var claimed *models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()

		var row models.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", job.StatusQueued).
			Where("delay_until IS NULL OR delay_until <= ?", now).
			Order("enqueued_at ASC").
			Order("id ASC").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return unavailable("claim", err)
		}

		lease := now.Add(r.lease)
		row.Status = string(job.StatusActive)
		row.StartedAt = &now
		row.LeaseUntil = &lease
		row.AttemptsMade++
		row.CancelRequested = false
		if err := tx.Model(&row).
			Select("status", "started_at", "lease_until", "attempts_made", "cancel_requested").
			Updates(&row).Error; err != nil {
			return unavailable("claim", err)
		}
		claimed = &row
		return nil
	})
	if err != nil || claimed == nil {
		return nil, err
	}
	return toDomain(claimed), nil
}

func (r *JobRepository) Heartbeat(ctx context.Context, id string) (bool, error) {
	db := r.db.WithContext(ctx)
	lease := r.now().Add(r.lease)

	if err := db.Model(&models.Job{}).
		Where("id = ? AND status = ?", id, job.StatusActive).
		Update("lease_until", lease).Error; err != nil {
		return false, unavailable("heartbeat", err)
	}

	row, err := r.find(db, id)
	if err != nil {
		return false, err
	}
	return row.CancelRequested, nil
}

func (r *JobRepository) SetProgress(ctx context.Context, id string, pct int) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, job.StatusActive).
		Update("progress", job.ClampProgress(pct))
	if res.Error != nil {
		return unavailable("progress", res.Error)
	}
	if res.RowsAffected == 0 {
		_, err := r.find(r.db.WithContext(ctx), id)
		return err
	}
	return nil
}

func (r *JobRepository) Requeue(ctx context.Context, j *job.Job) error {
	return r.move(ctx, "requeue", j.ID, job.StatusActive, job.StatusQueued, map[string]any{
		"error":            j.Error,
		"progress":         0,
		"lease_until":      nil,
		"cancel_requested": false,
		"enqueued_at":      r.now(),
	})
}

func (r *JobRepository) Finish(ctx context.Context, j *job.Job) error {
	if !j.Status.Terminal() {
		return fmt.Errorf("%w: finish with %s", job.ErrInvalidTransition, j.Status)
	}

	db := r.db.WithContext(ctx)
	var res *gorm.DB
	if j.Status == job.StatusCompleted && j.RemoveOnComplete {
		res = db.Where("id = ? AND status NOT IN ?", j.ID, terminalStatuses).Delete(&models.Job{})
	} else {
		finished := r.now()
		if j.FinishedAt != nil {
			finished = *j.FinishedAt
		}
		res = db.Model(&models.Job{}).
			Where("id = ? AND status NOT IN ?", j.ID, terminalStatuses).
			Updates(map[string]any{
				"status":           string(j.Status),
				"result":           jsonOrNil(j.Result),
				"error":            j.Error,
				"progress":         j.Progress,
				"finished_at":      finished,
				"lease_until":      nil,
				"cancel_requested": false,
			})
	}
	if res.Error != nil {
		return unavailable("finish", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	row, err := r.find(db, j.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is already %s", job.ErrInvalidTransition, j.ID, row.Status)
}

// Reap recovers active rows whose lease expired and prunes finished rows
// past the retention TTL.
func (r *JobRepository) Reap(ctx context.Context) (int, error) {
	now := r.now()
	n := 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stalled []models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND lease_until < ?", job.StatusActive, now).
			Find(&stalled).Error; err != nil {
			return unavailable("reap", err)
		}

		for _, row := range stalled {
			updates := map[string]any{
				"error":            job.ErrStalled.Error(),
				"lease_until":      nil,
				"cancel_requested": false,
			}
			if row.AttemptsMade < row.AttemptsAllowed {
				updates["status"] = string(job.StatusQueued)
				updates["progress"] = 0
				updates["enqueued_at"] = now
			} else {
				updates["status"] = string(job.StatusFailed)
				updates["finished_at"] = now
			}
			if err := tx.Model(&models.Job{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return unavailable("reap", err)
			}
			n++
		}

		if r.ttl > 0 {
			if err := tx.Where("status IN ? AND finished_at < ?", terminalStatuses, now.Add(-r.ttl)).
				Delete(&models.Job{}).Error; err != nil {
				return unavailable("prune", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *JobRepository) Drain(context.Context) error {
	r.draining.Store(true)
	return nil
}

func (r *JobRepository) Ping(ctx context.Context) error {
	if r.closed.Load() {
		return job.ErrBackendUnavailable
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close marks the backend closed. The *gorm.DB stays open; its owner
// closes it.
func (r *JobRepository) Close() error {
	r.closed.Store(true)
	r.draining.Store(true)
	return nil
}

// move applies a conditional status change, reporting ErrJobNotFound or
// ErrInvalidTransition when no row matched.
func (r *JobRepository) move(ctx context.Context, op, id string, from, to job.Status, extra map[string]any) error {
	updates := map[string]any{"status": string(to)}
	for k, v := range extra {
		updates[k] = v
	}

	db := r.db.WithContext(ctx)
	res := db.Model(&models.Job{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if res.Error != nil {
		return unavailable(op, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	row, err := r.find(db, id)
	if err != nil {
		return err
	}
	// pause and resume are idempotent
	if op != "requeue" && row.Status == string(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, row.Status, to)
}

func (r *JobRepository) find(db *gorm.DB, id string) (*models.Job, error) {
	var row models.Job
	err := db.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return &row, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, job.ErrJobNotFound) || errors.Is(err, job.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("postgres: %s: %w: %w", op, job.ErrBackendUnavailable, err)
}

func toModel(j *job.Job) *models.Job {
	return &models.Job{
		ID:               j.ID,
		Name:             j.Name,
		Payload:          jsonOrNil(j.Payload),
		Status:           string(j.Status),
		Progress:         j.Progress,
		AttemptsMade:     j.AttemptsMade,
		AttemptsAllowed:  j.AttemptsAllowed,
		Result:           jsonOrNil(j.Result),
		Error:            j.Error,
		RemoveOnComplete: j.RemoveOnComplete,
		CancelRequested:  j.CancelRequested,
		DelayUntil:       utc(j.DelayUntil),
		CreatedAt:        j.CreatedAt.UTC(),
		StartedAt:        utc(j.StartedAt),
		FinishedAt:       utc(j.FinishedAt),
	}
}

func toDomain(row *models.Job) *job.Job {
	j := &job.Job{
		ID:               row.ID,
		Name:             row.Name,
		Status:           job.Status(row.Status),
		Progress:         row.Progress,
		AttemptsMade:     row.AttemptsMade,
		AttemptsAllowed:  row.AttemptsAllowed,
		Error:            row.Error,
		RemoveOnComplete: row.RemoveOnComplete,
		CancelRequested:  row.CancelRequested,
		DelayUntil:       utc(row.DelayUntil),
		CreatedAt:        row.CreatedAt.UTC(),
		StartedAt:        utc(row.StartedAt),
		FinishedAt:       utc(row.FinishedAt),
	}
	if len(row.Payload) > 0 {
		j.Payload = []byte(row.Payload)
	}
	if len(row.Result) > 0 {
		j.Result = []byte(row.Result)
	}
	return j
}

func jsonOrNil(b []byte) datatypes.JSON {
	if len(b) == 0 {
		return nil
	}
	return datatypes.JSON(b)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

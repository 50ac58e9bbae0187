package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusActive, StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// Statuses only move forward, except for the paused <-> queued edge and
// the active -> queued edge taken when an attempt is retried.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return next == StatusActive || next == StatusPaused || next == StatusFailed
	case StatusPaused:
		return next == StatusQueued || next == StatusFailed
	case StatusActive:
		return next == StatusCompleted || next == StatusFailed || next == StatusQueued
	}
	return false
}

// Job is one unit of deferred work.
type Job struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           Status          `json:"status"`
	Progress         int             `json:"progress"`
	AttemptsMade     int             `json:"attemptsMade"`
	AttemptsAllowed  int             `json:"attemptsAllowed"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	RemoveOnComplete bool            `json:"removeOnComplete,omitempty"`
	CancelRequested  bool            `json:"cancelRequested,omitempty"`
	DelayUntil       *time.Time      `json:"delayUntil,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	FinishedAt       *time.Time      `json:"finishedAt,omitempty"`
}

// New builds a queued job with a fresh id. Options are applied on top of
// the handler's registered attempt count.
func New(name string, payload json.RawMessage, defaultAttempts int, opts *EnqueueOptions) (*Job, error) {
	jobID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	now := time.Now().UTC()
	j := &Job{
		ID:              jobID.String(),
		Name:            name,
		Payload:         payload,
		Status:          StatusQueued,
		AttemptsAllowed: max(defaultAttempts, 1),
		CreatedAt:       now,
	}

	if opts != nil {
		if opts.Attempts > 0 {
			j.AttemptsAllowed = opts.Attempts
		}
		if opts.DelayMs > 0 {
			until := now.Add(delayOf(opts.DelayMs))
			j.DelayUntil = &until
		}
		j.RemoveOnComplete = opts.RemoveOnComplete
	}

	return j, nil
}

// delayOf converts ms to a Duration, saturating at MaxDelay so a huge
// value cannot wrap into the past.
func delayOf(ms int64) time.Duration {
	if ms >= MaxDelay.Milliseconds() {
		return MaxDelay
	}
	return time.Duration(ms) * time.Millisecond
}

// Eligible reports whether a queued job may be dispatched at now.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	return j.DelayUntil == nil || !now.Before(*j.DelayUntil)
}

// CanRetry reports whether a failed attempt should be re-enqueued.
func (j *Job) CanRetry() bool {
	return j.AttemptsMade < j.AttemptsAllowed
}

// Clone returns a deep copy so callers never share backend-owned state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	c.DelayUntil = cloneTime(j.DelayUntil)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

// Complete moves an active job to completed with result.
func (j *Job) Complete(result json.RawMessage, at time.Time) error {
	if !j.Status.CanTransition(StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	j.Status = StatusCompleted
	j.Result = result
	j.Error = ""
	j.Progress = 100
	j.FinishedAt = &at
	return nil
}

// Fail moves a job to failed with cause.
func (j *Job) Fail(cause error, at time.Time) error {
	if !j.Status.CanTransition(StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
	}
	j.Status = StatusFailed
	j.Result = nil
	if cause != nil {
		j.Error = cause.Error()
	}
	j.FinishedAt = &at
	return nil
}

// ClampProgress bounds a reported percentage to 0..100.
func ClampProgress(pct int) int {
	return min(max(pct, 0), 100)
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

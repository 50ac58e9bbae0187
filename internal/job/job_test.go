package job

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusQueued, StatusActive, true},
		{StatusQueued, StatusPaused, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusPaused, StatusQueued, true},
		{StatusPaused, StatusFailed, true},
		{StatusPaused, StatusActive, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		{StatusActive, StatusQueued, true},
		{StatusActive, StatusPaused, false},
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusQueued, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}

	assert.False(t, Status("running").Valid())
	assert.True(t, StatusPaused.Valid())
}

func TestNew(t *testing.T) {
	tests := []struct {
		name            string
		defaultAttempts int
		opts            *EnqueueOptions
		wantAttempts    int
		wantDelay       bool
		wantRemove      bool
	}{
		{name: "defaults", defaultAttempts: 0, wantAttempts: 1},
		{name: "registered attempts", defaultAttempts: 3, wantAttempts: 3},
		{name: "options override", defaultAttempts: 3, opts: &EnqueueOptions{Attempts: 5}, wantAttempts: 5},
		{name: "delay", defaultAttempts: 1, opts: Delay(time.Minute), wantAttempts: 1, wantDelay: true},
		{name: "remove on complete", defaultAttempts: 1, opts: &EnqueueOptions{RemoveOnComplete: true}, wantAttempts: 1, wantRemove: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := New("thumbnail", json.RawMessage(`{}`), tt.defaultAttempts, tt.opts)
			require.NoError(t, err)

			assert.NotEmpty(t, j.ID)
			assert.Equal(t, StatusQueued, j.Status)
			assert.Equal(t, tt.wantAttempts, j.AttemptsAllowed)
			assert.Zero(t, j.AttemptsMade)
			assert.Equal(t, tt.wantDelay, j.DelayUntil != nil)
			assert.Equal(t, tt.wantRemove, j.RemoveOnComplete)
			assert.Equal(t, !tt.wantDelay, j.Eligible(time.Now()))
		})
	}

	a, err := New("x", nil, 1, nil)
	require.NoError(t, err)
	b, err := New("x", nil, 1, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestJob_CompleteAndFail(t *testing.T) {
	now := time.Now().UTC()

	j := &Job{Status: StatusActive, Progress: 30, Error: "earlier attempt"}
	require.NoError(t, j.Complete(json.RawMessage(`{"ok":true}`), now))
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Empty(t, j.Error)
	assert.Equal(t, &now, j.FinishedAt)

	assert.ErrorIs(t, j.Fail(errors.New("late"), now), ErrInvalidTransition)
	assert.ErrorIs(t, j.Complete(nil, now), ErrInvalidTransition)

	f := &Job{Status: StatusActive, Result: json.RawMessage(`1`)}
	require.NoError(t, f.Fail(ErrCancelled, now))
	assert.Equal(t, StatusFailed, f.Status)
	assert.Equal(t, ErrCancelled.Error(), f.Error)
	assert.Nil(t, f.Result)
}

func TestJob_CloneIsDeep(t *testing.T) {
	started := time.Now()
	j := &Job{ID: "a", Payload: json.RawMessage(`{"a":1}`), StartedAt: &started}

	c := j.Clone()
	c.Payload[2] = 'b'
	*c.StartedAt = started.Add(time.Hour)

	assert.JSONEq(t, `{"a":1}`, string(j.Payload))
	assert.Equal(t, started, *j.StartedAt)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestJob_CanRetry(t *testing.T) {
	assert.True(t, (&Job{AttemptsMade: 1, AttemptsAllowed: 3}).CanRetry())
	assert.False(t, (&Job{AttemptsMade: 3, AttemptsAllowed: 3}).CanRetry())
}

func TestNew_HugeDelayStaysInTheFuture(t *testing.T) {
	before := time.Now()
	j, err := New("thumbnail", nil, 1, &EnqueueOptions{DelayMs: math.MaxInt64})
	require.NoError(t, err)

	require.NotNil(t, j.DelayUntil)
	assert.False(t, j.Eligible(time.Now()))
	assert.WithinDuration(t, before.Add(MaxDelay), *j.DelayUntil, time.Minute)
}

func TestEnqueueOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    *EnqueueOptions
		wantErr bool
	}{
		{name: "nil", opts: nil},
		{name: "valid", opts: &EnqueueOptions{DelayMs: 10, Attempts: 3}},
		{name: "negative delay", opts: &EnqueueOptions{DelayMs: -1}, wantErr: true},
		{name: "longest delay", opts: &EnqueueOptions{DelayMs: MaxDelay.Milliseconds()}},
		{name: "delay past a year", opts: &EnqueueOptions{DelayMs: MaxDelay.Milliseconds() + 1}, wantErr: true},
		{name: "delay that overflows a duration", opts: &EnqueueOptions{DelayMs: math.MaxInt64}, wantErr: true},
		{name: "too many attempts", opts: &EnqueueOptions{Attempts: 26}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOptions)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	cause := errors.New("disk full")

	herr := &HandlerError{JobID: "a", JobName: "thumbnail", Attempt: 2, Err: cause}
	assert.ErrorIs(t, herr, cause)
	assert.Contains(t, herr.Error(), "failed on attempt 2")

	perr := &HandlerError{JobName: "thumbnail", Attempt: 1, Panic: "nil map"}
	assert.Contains(t, perr.Error(), "panicked")

	assert.True(t, IsPermanent(Permanent(cause)))
	assert.True(t, IsPermanent(&HandlerError{Err: Permanent(cause)}))
	assert.False(t, IsPermanent(cause))
	assert.NoError(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(cause), cause)

	assert.ErrorIs(t, ErrUnknownJobType, ErrInvalidJobType)
}

type resizePayload struct {
	FileID string `json:"fileId" validate:"required"`
	Width  int    `json:"width" validate:"gte=0"`
}

func TestTyped(t *testing.T) {
	h := Typed(func(_ context.Context, p resizePayload, _ Runtime) (any, error) {
		return p.FileID, nil
	})

	tests := []struct {
		name      string
		payload   string
		want      any
		permanent bool
	}{
		{name: "valid", payload: `{"fileId":"a.png","width":10}`, want: "a.png"},
		{name: "malformed", payload: `{"fileId":`, permanent: true},
		{name: "fails validation", payload: `{"width":10}`, permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Execute(context.Background(), json.RawMessage(tt.payload), nil)
			if tt.permanent {
				assert.True(t, IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	scalar := Typed(func(_ context.Context, n int, _ Runtime) (any, error) { return n * 2, nil })
	got, err := scalar.Execute(context.Background(), json.RawMessage(`21`), nil)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

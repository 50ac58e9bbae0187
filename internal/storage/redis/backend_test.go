package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshu-sajeev/jobrunner/internal/job"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T, opts ...Option) (*Backend, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	c := &clock{t: time.Now().UTC().Truncate(time.Millisecond)}
	opts = append([]Option{WithClock(c.now), WithPrefix("test"), WithLease(10 * time.Second)}, opts...)
	b := New(client, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr, c
}

func enqueue(t *testing.T, b *Backend, name string, opts *job.EnqueueOptions) *job.Job {
	t.Helper()
	j, err := job.New(name, json.RawMessage(`{"x":1}`), 1, opts)
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(context.Background(), j))
	return j
}

func TestBackend_EnqueueAndGet(t *testing.T) {
	ctx := context.Background()
	b, mr, _ := setup(t)

	j := enqueue(t, b, "thumbnail", &job.EnqueueOptions{Attempts: 3, RemoveOnComplete: true})

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "thumbnail", got.Name)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.JSONEq(t, `{"x":1}`, string(got.Payload))
	assert.Equal(t, 3, got.AttemptsAllowed)
	assert.True(t, got.RemoveOnComplete)
	assert.Nil(t, got.StartedAt)
	assert.WithinDuration(t, j.CreatedAt, got.CreatedAt, time.Millisecond)

	ids, err := mr.List("test:wait")
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, ids)

	err = b.Enqueue(ctx, j)
	assert.ErrorContains(t, err, "duplicate id")

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestBackend_ClaimOrderAndDelay(t *testing.T) {
	ctx := context.Background()
	b, mr, c := setup(t)

	delayed := enqueue(t, b, "later", &job.EnqueueOptions{DelayMs: 1000})
	first := enqueue(t, b, "a", nil)
	second := enqueue(t, b, "b", nil)
	assert.True(t, mr.Exists("test:delayed"))

	got, err := b.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, job.StatusActive, got.Status)
	assert.Equal(t, 1, got.AttemptsMade)
	require.NotNil(t, got.StartedAt)

	got, err = b.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = b.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "delayed job is not due yet")

	c.advance(2 * time.Second)
	got, err = b.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, delayed.ID, got.ID)

	members, err := mr.ZMembers("test:active")
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestBackend_CancelPauseResume(t *testing.T) {
	ctx := context.Background()
	b, _, _ := setup(t)

	t.Run("pause hides a job until resumed", func(t *testing.T) {
		j := enqueue(t, b, "a", nil)
		require.NoError(t, b.Pause(ctx, j.ID))
		require.NoError(t, b.Pause(ctx, j.ID))

		got, err := b.Claim(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)

		stored, err := b.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPaused, stored.Status)

		require.NoError(t, b.Resume(ctx, j.ID))
		got, err = b.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, j.ID, got.ID)

		assert.ErrorIs(t, b.Pause(ctx, j.ID), job.ErrInvalidTransition)
		assert.ErrorIs(t, b.Resume(ctx, j.ID), job.ErrInvalidTransition)
	})

	t.Run("cancel fails a paused job", func(t *testing.T) {
		j := enqueue(t, b, "a", nil)
		require.NoError(t, b.Pause(ctx, j.ID))

		got, err := b.Cancel(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, job.ErrCancelled.Error(), got.Error)
		assert.NotNil(t, got.FinishedAt)

		assert.ErrorIs(t, b.Resume(ctx, j.ID), job.ErrInvalidTransition)
	})

	t.Run("cancel flags an active job", func(t *testing.T) {
		j := enqueue(t, b, "a", nil)
		claimed, err := b.Claim(ctx)
		require.NoError(t, err)
		require.Equal(t, j.ID, claimed.ID)

		flagged, err := b.Heartbeat(ctx, j.ID)
		require.NoError(t, err)
		assert.False(t, flagged)

		got, err := b.Cancel(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusActive, got.Status)
		assert.True(t, got.CancelRequested)

		flagged, err = b.Heartbeat(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, flagged)
	})

	t.Run("unknown ids", func(t *testing.T) {
		_, err := b.Cancel(ctx, "nope")
		assert.ErrorIs(t, err, job.ErrJobNotFound)
		assert.ErrorIs(t, b.Pause(ctx, "nope"), job.ErrJobNotFound)
		assert.ErrorIs(t, b.Resume(ctx, "nope"), job.ErrJobNotFound)
		_, err = b.Heartbeat(ctx, "nope")
		assert.ErrorIs(t, err, job.ErrJobNotFound)
	})
}

func TestBackend_RequeueAndFinish(t *testing.T) {
	ctx := context.Background()
	b, mr, _ := setup(t, WithCompletedTTL(time.Hour))

	j := enqueue(t, b, "a", &job.EnqueueOptions{Attempts: 2})
	claimed, err := b.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SetProgress(ctx, j.ID, 40))

	claimed.Error = "first attempt failed"
	require.NoError(t, b.Requeue(ctx, claimed))

	stored, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)
	assert.Equal(t, "first attempt failed", stored.Error)
	assert.Zero(t, stored.Progress)

	claimed, err = b.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.AttemptsMade)

	require.NoError(t, claimed.Complete(json.RawMessage(`{"ok":true}`), time.Now().UTC()))
	require.NoError(t, b.Finish(ctx, claimed))

	stored, err = b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Empty(t, stored.Error)
	assert.JSONEq(t, `{"ok":true}`, string(stored.Result))
	assert.Equal(t, time.Hour, mr.TTL("test:job:"+j.ID))

	members, err := mr.ZMembers("test:active")
	if err == nil {
		assert.NotContains(t, members, j.ID)
	}

	err = b.Finish(ctx, claimed)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.ErrorIs(t, b.Requeue(ctx, claimed), job.ErrInvalidTransition)

	mr.FastForward(2 * time.Hour)
	_, err = b.Get(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestBackend_RemoveOnComplete(t *testing.T) {
	ctx := context.Background()
	b, _, _ := setup(t)

	j := enqueue(t, b, "a", &job.EnqueueOptions{RemoveOnComplete: true})
	claimed, err := b.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, claimed.Complete(nil, time.Now()))
	require.NoError(t, b.Finish(ctx, claimed))

	_, err = b.Get(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestBackend_Reap(t *testing.T) {
	ctx := context.Background()
	b, _, c := setup(t)

	retryable := enqueue(t, b, "a", &job.EnqueueOptions{Attempts: 2})
	final := enqueue(t, b, "b", nil)

	_, err := b.Claim(ctx)
	require.NoError(t, err)
	_, err = b.Claim(ctx)
	require.NoError(t, err)

	n, err := b.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "leases are still valid")

	c.advance(5 * time.Second)
	_, err = b.Heartbeat(ctx, retryable.ID)
	require.NoError(t, err)
	c.advance(6 * time.Second)

	n, err = b.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the job that stopped heartbeating is reaped")

	stored, err := b.Get(ctx, final.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, job.ErrStalled.Error(), stored.Error)

	c.advance(10 * time.Second)
	n, err = b.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err = b.Get(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status, "attempts remain so the job is requeued")

	again, err := b.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, retryable.ID, again.ID)
	assert.Equal(t, 2, again.AttemptsMade)
}

func TestBackend_DrainAndClose(t *testing.T) {
	ctx := context.Background()
	b, mr, _ := setup(t)

	queued := enqueue(t, b, "a", nil)
	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Drain(ctx))

	j, err := job.New("b", nil, 1, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Enqueue(ctx, j), job.ErrBackendUnavailable)

	got, err := b.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, got.ID)

	mr.SetError("LOADING")
	assert.ErrorIs(t, b.Ping(ctx), job.ErrBackendUnavailable)
	mr.SetError("")

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.Claim(ctx)
	assert.ErrorIs(t, err, job.ErrBackendUnavailable)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = Dial(context.Background(), "http://nope")
	assert.ErrorContains(t, err, "parse url")

	_, err = Dial(context.Background(), "redis://127.0.0.1:1")
	assert.ErrorIs(t, err, job.ErrBackendUnavailable)
}

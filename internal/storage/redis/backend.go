// Package redis is the distributed queue backend on Redis.
//
// Each job is a hash under <prefix>:job:<id>. Queued ids sit in the
// <prefix>:wait list, delayed ids in the <prefix>:delayed sorted set
// scored by due time, paused ids in the <prefix>:paused set, and claimed
// ids in the <prefix>:active sorted set scored by lease deadline. Workers
// that stop heartbeating lose their lease and the job is reaped.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/joshu-sajeev/jobrunner/internal/job"
)

const (
	defaultPrefix = "jobrunner"
	defaultLease  = 30 * time.Second
	statusOK      = "ok"
)

// Backend implements job.Backend on Redis. Any number of processes may
// claim from the same keys.
type Backend struct {
	client goredis.UniversalClient
	prefix string
	lease  time.Duration
	ttl    time.Duration
	now    func() time.Time

	draining atomic.Bool
	closed   atomic.Bool
}

var _ job.Backend = (*Backend)(nil)

type Option func(*Backend)

// WithPrefix namespaces every key.
func WithPrefix(p string) Option {
	return func(b *Backend) {
		if p != "" {
			b.prefix = p
		}
	}
}

// WithLease sets how long a claim stays valid without a heartbeat.
func WithLease(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.lease = d
		}
	}
}

// WithCompletedTTL expires finished job hashes after d. Zero keeps them.
func WithCompletedTTL(d time.Duration) Option {
	return func(b *Backend) { b.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New wraps client. The backend owns the client from then on and closes it
// in Close.
func New(client goredis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{
		client: client,
		prefix: defaultPrefix,
		lease:  defaultLease,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial parses a redis:// or rediss:// URL and returns a connected client.
func Dial(ctx context.Context, rawURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}
	return client, nil
}

func (b *Backend) Client() goredis.UniversalClient { return b.client }

func (b *Backend) Enqueue(ctx context.Context, j *job.Job) error {
	if b.draining.Load() {
		return job.ErrBackendUnavailable
	}

	stored := j.Clone()
	stored.Status = job.StatusQueued
	key := b.jobKey(stored.ID)

	created, err := b.client.HSetNX(ctx, key, "id", stored.ID).Result()
	if err != nil {
		return unavailable("enqueue", err)
	}
	if !created {
		return fmt.Errorf("redis: enqueue %s: duplicate id", stored.ID)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, encode(stored))
		if stored.DelayUntil != nil && stored.DelayUntil.After(b.now()) {
			pipe.ZAdd(ctx, b.key("delayed"), goredis.Z{
				Score:  float64(stored.DelayUntil.UnixMilli()),
				Member: stored.ID,
			})
		} else {
			pipe.RPush(ctx, b.key("wait"), stored.ID)
		}
		return nil
	})
	if err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (*job.Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, job.ErrJobNotFound
	}
	return decode(fields)
}

func (b *Backend) Cancel(ctx context.Context, id string) (*job.Job, error) {
	_, err := b.run(ctx, "cancel", cancelScript,
		[]string{b.jobKey(id), b.key("wait"), b.key("delayed"), b.key("paused")},
		id, b.nowMs(), job.ErrCancelled.Error(), b.ttlSeconds())
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, id)
}

func (b *Backend) Pause(ctx context.Context, id string) error {
	status, err := b.run(ctx, "pause", pauseScript,
		[]string{b.jobKey(id), b.key("wait"), b.key("delayed"), b.key("paused")},
		id)
	if err != nil {
		return err
	}
	return transition(status, job.StatusPaused)
}

func (b *Backend) Resume(ctx context.Context, id string) error {
	status, err := b.run(ctx, "resume", resumeScript,
		[]string{b.jobKey(id), b.key("wait"), b.key("delayed"), b.key("paused")},
		id, b.nowMs())
	if err != nil {
		return err
	}
	return transition(status, job.StatusQueued)
}

func (b *Backend) Claim(ctx context.Context) (*job.Job, error) {
	if b.closed.Load() {
		return nil, job.ErrBackendUnavailable
	}

	now := b.now()
	id, err := claimScript.Run(ctx, b.client,
		[]string{b.key("wait"), b.key("delayed"), b.key("active")},
		now.UnixMilli(), now.Add(b.lease).UnixMilli(), b.jobKey(""),
	).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim", err)
	}
	return b.Get(ctx, id)
}

func (b *Backend) Heartbeat(ctx context.Context, id string) (bool, error) {
	deadline := b.now().Add(b.lease).UnixMilli()
	var flag *goredis.StringCmd
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAddXX(ctx, b.key("active"), goredis.Z{Score: float64(deadline), Member: id})
		flag = pipe.HGet(ctx, b.jobKey(id), "cancel_requested")
		return nil
	})
	if errors.Is(err, goredis.Nil) {
		return false, job.ErrJobNotFound
	}
	if err != nil {
		return false, unavailable("heartbeat", err)
	}
	return flag.Val() == "1", nil
}

func (b *Backend) SetProgress(ctx context.Context, id string, pct int) error {
	_, err := b.run(ctx, "progress", progressScript, []string{b.jobKey(id)}, job.ClampProgress(pct))
	return err
}

func (b *Backend) Requeue(ctx context.Context, j *job.Job) error {
	status, err := b.run(ctx, "requeue", requeueScript,
		[]string{b.jobKey(j.ID), b.key("wait"), b.key("active")},
		j.ID, j.Error)
	if err != nil {
		return err
	}
	return transition(status, job.StatusQueued)
}

func (b *Backend) Finish(ctx context.Context, j *job.Job) error {
	if !j.Status.Terminal() {
		return fmt.Errorf("%w: finish with %s", job.ErrInvalidTransition, j.Status)
	}

	finished := b.now()
	if j.FinishedAt != nil {
		finished = *j.FinishedAt
	}
	remove := "0"
	if j.Status == job.StatusCompleted && j.RemoveOnComplete {
		remove = "1"
	}

	status, err := b.run(ctx, "finish", finishScript,
		[]string{b.jobKey(j.ID), b.key("wait"), b.key("delayed"), b.key("active"), b.key("paused")},
		j.ID, string(j.Status), string(j.Result), j.Error, j.Progress, finished.UnixMilli(), remove, b.ttlSeconds())
	if err != nil {
		return err
	}
	if status != statusOK {
		return fmt.Errorf("%w: %s is already %s", job.ErrInvalidTransition, j.ID, status)
	}
	return nil
}

func (b *Backend) Reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, b.client,
		[]string{b.key("wait"), b.key("active")},
		b.nowMs(), b.jobKey(""), job.ErrStalled.Error(), b.ttlSeconds(),
	).Int()
	if err != nil {
		return 0, unavailable("reap", err)
	}
	return n, nil
}

func (b *Backend) Drain(context.Context) error {
	b.draining.Store(true)
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return job.ErrBackendUnavailable
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.draining.Store(true)
	return b.client.Close()
}

// Len reports how many jobs wait in the list and delayed set.
func (b *Backend) Len(ctx context.Context) (int64, error) {
	var wait, delayed *goredis.IntCmd
	_, err := b.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		wait = pipe.LLen(ctx, b.key("wait"))
		delayed = pipe.ZCard(ctx, b.key("delayed"))
		return nil
	})
	if err != nil {
		return 0, unavailable("len", err)
	}
	return wait.Val() + delayed.Val(), nil
}

// run executes a state script. A nil reply means the job does not exist.
func (b *Backend) run(ctx context.Context, op string, s *goredis.Script, keys []string, args ...any) (string, error) {
	status, err := s.Run(ctx, b.client, keys, args...).Text()
	if errors.Is(err, goredis.Nil) {
		return "", job.ErrJobNotFound
	}
	if err != nil {
		return "", unavailable(op, err)
	}
	return status, nil
}

func (b *Backend) key(name string) string { return b.prefix + ":" + name }

func (b *Backend) jobKey(id string) string { return b.prefix + ":job:" + id }

func (b *Backend) nowMs() int64 { return b.now().UnixMilli() }

func (b *Backend) ttlSeconds() int64 { return int64(b.ttl / time.Second) }

func transition(status string, next job.Status) error {
	if status == statusOK {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, status, next)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis: %s: %w: %w", op, job.ErrBackendUnavailable, err)
}

func encode(j *job.Job) map[string]any {
	return map[string]any{
		"id":                 j.ID,
		"name":               j.Name,
		"payload":            string(j.Payload),
		"status":             string(j.Status),
		"progress":           j.Progress,
		"attempts_made":      j.AttemptsMade,
		"attempts_allowed":   j.AttemptsAllowed,
		"result":             string(j.Result),
		"error":              j.Error,
		"remove_on_complete": boolField(j.RemoveOnComplete),
		"cancel_requested":   boolField(j.CancelRequested),
		"delay_until":        msField(j.DelayUntil),
		"created_at":         j.CreatedAt.UnixMilli(),
		"started_at":         msField(j.StartedAt),
		"finished_at":        msField(j.FinishedAt),
	}
}

func decode(f map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:               f["id"],
		Name:             f["name"],
		Status:           job.Status(f["status"]),
		Error:            f["error"],
		RemoveOnComplete: f["remove_on_complete"] == "1",
		CancelRequested:  f["cancel_requested"] == "1",
	}
	if !j.Status.Valid() {
		return nil, fmt.Errorf("redis: job %s has unknown status %q", j.ID, f["status"])
	}
	if p := f["payload"]; p != "" {
		j.Payload = []byte(p)
	}
	if r := f["result"]; r != "" {
		j.Result = []byte(r)
	}

	var err error
	if j.Progress, err = intField(f, "progress"); err != nil {
		return nil, err
	}
	if j.AttemptsMade, err = intField(f, "attempts_made"); err != nil {
		return nil, err
	}
	if j.AttemptsAllowed, err = intField(f, "attempts_allowed"); err != nil {
		return nil, err
	}

	created, err := timeField(f, "created_at")
	if err != nil {
		return nil, err
	}
	if created != nil {
		j.CreatedAt = *created
	}
	if j.DelayUntil, err = timeField(f, "delay_until"); err != nil {
		return nil, err
	}
	if j.StartedAt, err = timeField(f, "started_at"); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = timeField(f, "finished_at"); err != nil {
		return nil, err
	}
	return j, nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func msField(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func intField(f map[string]string, name string) (int, error) {
	v := f[name]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("redis: field %s: %w", name, err)
	}
	return n, nil
}

func timeField(f map[string]string, name string) (*time.Time, error) {
	v := f[name]
	if v == "" || v == "0" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: field %s: %w", name, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

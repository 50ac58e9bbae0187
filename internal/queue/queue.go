// Package queue is the producer-facing facade over whichever backend the
// process was configured with.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/joshu-sajeev/jobrunner/internal/config"
	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/joshu-sajeev/jobrunner/internal/storage/memory"
	"github.com/joshu-sajeev/jobrunner/internal/storage/postgres"
	redisstore "github.com/joshu-sajeev/jobrunner/internal/storage/redis"
)

// Queue implements job.Producer on top of one backend chosen at startup.
type Queue struct {
	backend  job.Backend
	registry *job.Registry
	mode     string
	degraded bool
	logger   zerolog.Logger

	redis goredis.UniversalClient
	db    *gorm.DB
}

var _ job.Producer = (*Queue)(nil)

// New selects the backend from cfg.Queue.BrokerURL. An unreachable broker
// falls back to the in-memory backend when AllowFallback is set, and the
// queue reports Degraded.
func New(ctx context.Context, cfg *config.Config, registry *job.Registry, logger zerolog.Logger) (*Queue, error) {
	q := &Queue{
		registry: registry,
		logger:   logger.With().Str("component", "queue").Logger(),
	}

	kind := cfg.Queue.BrokerKind()
	var err error
	switch kind {
	case config.BrokerMemory:
		q.useMemory(cfg.Queue)
		q.logger.Warn().Msg("no broker configured, jobs are kept in memory and lost on exit")
		return q, nil
	case config.BrokerRedis:
		err = q.connectRedis(ctx, cfg.Queue)
	case config.BrokerPostgres:
		err = q.connectPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("queue: unsupported broker url %q", cfg.Queue.BrokerURL)
	}
	if err == nil {
		q.mode = kind
		q.logger.Info().Str("mode", kind).Msg("queue backend ready")
		return q, nil
	}

	if !errors.Is(err, job.ErrBackendUnavailable) {
		err = fmt.Errorf("%w: %w", job.ErrBackendUnavailable, err)
	}
	if !cfg.Queue.AllowFallback {
		return nil, fmt.Errorf("queue: connect %s broker: %w", kind, err)
	}

	q.logger.Warn().Err(err).Str("broker", kind).Msg("broker unreachable, falling back to in-memory queue")
	q.useMemory(cfg.Queue)
	q.degraded = true
	return q, nil
}

// NewWithBackend wraps an existing backend. mode is reported by Mode.
func NewWithBackend(backend job.Backend, registry *job.Registry, mode string) *Queue {
	return &Queue{backend: backend, registry: registry, mode: mode, logger: zerolog.Nop()}
}

func (q *Queue) useMemory(cfg config.QueueConfig) {
	q.backend = memory.New(memory.WithRetain(cfg.RetainCompleted))
	q.mode = config.BrokerMemory
}

func (q *Queue) connectRedis(ctx context.Context, cfg config.QueueConfig) error {
	var client *goredis.Client
	err := retry.Do(ctx, brokerBackoff(cfg), func(ctx context.Context) error {
		c, err := redisstore.Dial(ctx, cfg.BrokerURL)
		if err != nil {
			if errors.Is(err, job.ErrBackendUnavailable) {
				q.logger.Debug().Err(err).Msg("redis not ready")
				return retry.RetryableError(err)
			}
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return err
	}

	q.redis = client
	q.backend = redisstore.New(client,
		redisstore.WithPrefix(cfg.KeyPrefix),
		redisstore.WithLease(cfg.LeaseDuration),
		redisstore.WithCompletedTTL(cfg.CompletedTTL),
	)
	return nil
}

func (q *Queue) connectPostgres(ctx context.Context, cfg *config.Config) error {
	db, err := postgres.Open(ctx, config.DatabaseConfig{
		Driver:     postgres.DriverPostgres,
		DSN:        cfg.Queue.BrokerURL,
		MaxRetries: cfg.Queue.BrokerRetries,
		RetryDelay: cfg.Queue.BrokerRetryDelay,
		LogLevel:   cfg.Database.LogLevel,
	}, q.logger)
	if err != nil {
		return err
	}

	q.db = db
	q.backend = postgres.NewJobRepository(db,
		postgres.WithLease(cfg.Queue.LeaseDuration),
		postgres.WithCompletedTTL(cfg.Queue.CompletedTTL),
	)
	return nil
}

func brokerBackoff(cfg config.QueueConfig) retry.Backoff {
	return retry.WithMaxRetries(uint64(max(cfg.BrokerRetries, 0)), retry.NewConstant(max(cfg.BrokerRetryDelay, 1)))
}

// Mode is the backend in use: memory, redis or postgres.
func (q *Queue) Mode() string { return q.mode }

// Degraded reports whether a configured broker was unreachable and the
// in-memory fallback is serving instead.
func (q *Queue) Degraded() bool { return q.degraded }

func (q *Queue) Backend() job.Backend { return q.backend }

// RedisClient is the broker connection in redis mode, nil otherwise.
func (q *Queue) RedisClient() goredis.UniversalClient { return q.redis }

// Enqueue stores a new job for name. Unknown names fail with
// ErrInvalidJobType before anything is written. payload may be a
// json.RawMessage, raw JSON bytes, or any value encoding/json can marshal.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts *job.EnqueueOptions) (string, error) {
	reg, err := q.registry.Resolve(name)
	if err != nil {
		return "", err
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	j, err := job.New(reg.Name, raw, reg.Attempts, opts)
	if err != nil {
		return "", err
	}
	if err := q.backend.Enqueue(ctx, j); err != nil {
		return "", err
	}

	q.logger.Debug().Str("job_id", j.ID).Str("job", j.Name).Msg("job enqueued")
	return j.ID, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return q.backend.Get(ctx, id)
}

// Cancel fails a queued or paused job. A running job is only asked to
// stop; its handler sees the request through its context.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	_, err := q.backend.Cancel(ctx, id)
	return err
}

func (q *Queue) Pause(ctx context.Context, id string) error {
	return q.backend.Pause(ctx, id)
}

func (q *Queue) Resume(ctx context.Context, id string) error {
	return q.backend.Resume(ctx, id)
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.backend.Ping(ctx)
}

// Drain stops accepting new jobs. Already queued jobs still run.
func (q *Queue) Drain(ctx context.Context) error {
	return q.backend.Drain(ctx)
}

// Close releases the backend and any connection the queue opened.
func (q *Queue) Close() error {
	errs := []error{q.backend.Close()}
	if q.db != nil {
		if sqlDB, err := q.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return validJSON(p)
	case []byte:
		return validJSON(p)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

func validJSON(b []byte) (json.RawMessage, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(b), nil
}

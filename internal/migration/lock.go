package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("jobrunner: migration lock not acquired")

const lockRetry = 250 * time.Millisecond

// FileLocker holds an exclusive flock on a file. It serialises runners on
// one host.
type FileLocker struct {
	Path string
}

func (l FileLocker) Lock(ctx context.Context) (func() error, error) {
	fl := flock.New(l.Path)
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, l.Path, ctx.Err())
		}
		return nil, fmt.Errorf("lock %s: %w", l.Path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, l.Path)
	}
	return fl.Unlock, nil
}

// release deletes the lock key only while it still holds our token.
var release = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// renew pushes the lease out by ARGV[2] ms only while it still holds our
// token.
var renew = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a single-key lease shared by every worker using the same
// Redis. The holder renews the key every TTL/3 until it unlocks, so a long
// migration keeps the lease while a crashed runner loses it after TTL.
type RedisLocker struct {
	Client redis.UniversalClient
	Key    string
	TTL    time.Duration
}

func (l RedisLocker) Lock(ctx context.Context) (func() error, error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	token := uuid.NewString()

	ticker := time.NewTicker(lockRetry)
	defer ticker.Stop()

	for {
		ok, err := l.Client.SetNX(ctx, l.Key, token, ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("lock %s: %w", l.Key, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go l.keepAlive(token, ttl, stop, done)

			var once sync.Once
			return func() error {
				once.Do(func() {
					close(stop)
					<-done
				})
				return release.Run(context.Background(), l.Client, []string{l.Key}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, l.Key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// keepAlive renews the lease until stop closes or the key no longer holds
// token.
func (l RedisLocker) keepAlive(token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		n, err := renew.Run(context.Background(), l.Client, []string{l.Key}, token, ttl.Milliseconds()).Int()
		if err == nil && n == 0 {
			return
		}
	}
}

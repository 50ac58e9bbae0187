//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/joshu-sajeev/jobrunner/internal/migration"
	redisstore "github.com/joshu-sajeev/jobrunner/internal/storage/redis"
)

func dialRedis(t testing.TB) *redisstore.Backend {
	t.Helper()
	client, err := redisstore.Dial(context.Background(), redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// a fresh prefix per test keeps keys apart without flushing
	return redisstore.New(client, redisstore.WithPrefix("it-"+uuid.NewString()), redisstore.WithLease(time.Minute))
}

func TestRedisBackend_FIFOAndCancel(t *testing.T) {
	b := dialRedis(t)
	ctx := context.Background()

	var ids []string
	for range 3 {
		j, err := job.New("thumbnail", json.RawMessage(`{}`), 1, nil)
		require.NoError(t, err)
		require.NoError(t, b.Enqueue(ctx, j))
		ids = append(ids, j.ID)
	}

	cancelled, err := b.Cancel(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, cancelled.Status)

	first, err := b.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, ids[0], first.ID)

	second, err := b.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, ids[2], second.ID)

	none, err := b.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	cancelled, err = b.Cancel(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusActive, cancelled.Status)

	requested, err := b.Heartbeat(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestRedisLocker_ExcludesSecondHolder(t *testing.T) {
	b := dialRedis(t)
	key := "it-lock-" + uuid.NewString()

	first := migration.RedisLocker{Client: b.Client(), Key: key, TTL: time.Minute}
	unlock, err := first.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	second := migration.RedisLocker{Client: b.Client(), Key: key, TTL: time.Minute}
	_, err = second.Lock(ctx)
	assert.True(t, errors.Is(err, migration.ErrLockTimeout))

	require.NoError(t, unlock())

	unlock, err = second.Lock(context.Background())
	require.NoError(t, err)
	require.NoError(t, unlock())
}

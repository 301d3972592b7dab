package redis_test

import (
	"context"
	"testing"
	"time"

	"inventory_engine/internal/testutil"
	rediskey "inventory_engine/pkg/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_OwnerOnlyRelease(t *testing.T) {
	mr, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	a := rediskey.NewLock(rdb, rediskey.SweepLockKey())
	b := rediskey.NewLock(rdb, rediskey.SweepLockKey())

	ok, err := a.TryAcquire(ctx, "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, "replica-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx, "replica-b"))
	assert.True(t, mr.Exists(rediskey.SweepLockKey()), "only the owner can release")

	require.NoError(t, a.Release(ctx, "replica-a"))
	assert.False(t, mr.Exists(rediskey.SweepLockKey()))

	ok, err = b.TryAcquire(ctx, "replica-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = a.TryAcquire(ctx, "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a crashed holder's lock expires")
}

func TestWorkerState(t *testing.T) {
	mr, rdb := testutil.NewRedis(t)
	ctx := context.Background()

	_, found, err := rediskey.GetWorkerState(ctx, rdb, "d1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, rediskey.PutWorkerState(ctx, rdb, "d1", map[string]string{"cursor": "3-0", "lag": "0"}, time.Minute))
	state, found, err := rediskey.GetWorkerState(ctx, rdb, "d1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, map[string]string{"cursor": "3-0", "lag": "0"}, state)

	mr.FastForward(2 * time.Minute)
	_, found, err = rediskey.GetWorkerState(ctx, rdb, "d1")
	require.NoError(t, err)
	assert.False(t, found, "heartbeat expires when the worker stops")
}

func TestAppendLowStock_TrimsWithMaxLen(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()

	var lastID string
	for i, id := range []string{"e1", "e2", "e3", "e4"} {
		seq, streamID, err := rediskey.AppendLowStock(ctx, rdb, "s", "P", id, 2, []string{"event_id", id})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
		lastID = streamID
	}

	n, err := rdb.XLen(ctx, "s").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(4))
	assert.GreaterOrEqual(t, n, int64(2))

	// 重复追加命中标记，不再写入新条目
	seq, streamID, err := rediskey.AppendLowStock(ctx, rdb, "s", "P", "e4", 2, []string{"event_id", "e4"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
	assert.Equal(t, lastID, streamID)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewRedisCache(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	c, mr := setupTestRedis(t)

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))

		val, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), val)

		// keys are namespaced
		assert.True(t, mr.Exists(KeyPrefix+"k1"))
	})

	t.Run("miss returns nil", func(t *testing.T) {
		val, err := c.Get(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("expiration", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Second))
		mr.FastForward(2 * time.Second)

		val, err := c.Get(ctx, "short")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "gone", []byte("v"), time.Minute))
		require.NoError(t, c.Delete(ctx, "gone"))
		assert.False(t, mr.Exists(KeyPrefix+"gone"))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, c.Ping(ctx))
	})
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	_, err := NewRedisCache("127.0.0.1:1", "", 0)
	assert.Error(t, err)
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	c, err := New(domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      mr.Addr(),
		EnableTwoPhase: true,
		LocalMaxSize:   10,
		LocalTTL:       time.Minute,
	})
	require.NoError(t, err)
	defer c.Close()

	tp, ok := c.(*TwoPhaseCache)
	require.True(t, ok, "expected TwoPhaseCache")

	require.NoError(t, tp.Set(ctx, "k", []byte("v"), time.Hour))
	assert.True(t, mr.Exists(KeyPrefix+"k"), "write-through to L2")

	// L1 still serves after L2 loses the key
	mr.Del(KeyPrefix + "k")
	val, err := tp.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	// L2 hit populates L1
	require.NoError(t, mr.Set(KeyPrefix+"remote", "r"))
	val, err = tp.Get(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, []byte("r"), val)
	size, _ := tp.Stats()
	assert.Equal(t, 2, size)

	require.NoError(t, tp.Delete(ctx, "remote"))
	val, err = tp.Get(ctx, "remote")
	require.NoError(t, err)
	assert.Nil(t, val)

	assert.NoError(t, tp.Ping(ctx))
}

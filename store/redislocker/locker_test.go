package redislocker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoxuxiansheng/redis_lock"
)

func TestLocker(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis_lock.NewClient("tcp", server.Addr(), "")
	ctx := context.Background()

	first, second := New(client, "order"), New(client, "order")
	require.NoError(t, first.Lock(ctx, time.Minute))

	// 同一个 domain 的锁被其他实例持有
	assert.Error(t, second.Lock(ctx, time.Minute))
	// 不同 domain 互不影响
	other := New(client, "account")
	require.NoError(t, other.Lock(ctx, time.Minute))
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, first.Unlock(ctx))
	require.NoError(t, second.Lock(ctx, time.Minute))
	require.NoError(t, second.Unlock(ctx))

	// 没有持有锁时 Unlock 为空操作
	assert.NoError(t, second.Unlock(ctx))
}

func TestLockExpires(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis_lock.NewClient("tcp", server.Addr(), "")
	ctx := context.Background()

	first, second := New(client, ""), New(client, "")
	require.NoError(t, first.Lock(ctx, 10*time.Second))
	t.Cleanup(func() { _ = first.Unlock(ctx) })
	assert.Equal(t, lockKey, BuildRecoveryLockKey(""))

	// 持有锁的实例崩溃, 过期之后其他实例可以继续恢复
	server.FastForward(11 * time.Second)
	require.NoError(t, second.Lock(ctx, 10*time.Second))
}

func TestLockRenewedWhileHeld(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis_lock.NewClient("tcp", server.Addr(), "")
	ctx := context.Background()
	key := redis_lock.RedisLockKeyPrefix + BuildRecoveryLockKey("order")

	first, second := New(client, "order"), New(client, "order")
	require.NoError(t, first.Lock(ctx, 3*time.Second))

	// 扫描耗时超过一个过期周期, 续期之后锁仍然有效
	server.FastForward(2 * time.Second)
	assert.Eventually(t, func() bool {
		return server.TTL(key) > 2*time.Second
	}, 3*time.Second, 50*time.Millisecond)
	server.FastForward(2 * time.Second)
	assert.Error(t, second.Lock(ctx, 3*time.Second))

	// 释放之后不再续期
	require.NoError(t, first.Unlock(ctx))
	assert.False(t, server.Exists(key))
	require.NoError(t, second.Lock(ctx, 3*time.Second))
	require.NoError(t, second.Unlock(ctx))
}

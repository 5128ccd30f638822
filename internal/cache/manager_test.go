package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/nodeflow/remote"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	return mr, manager
}

func TestManager_SetAndGet(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	val, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	_, err = manager.Get(ctx, "absent")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_SetRespectsTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 10*time.Second))
	mr.FastForward(11 * time.Second)

	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSONRoundTrip(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, manager.SetJSON(ctx, "obj", payload{Name: "web", Count: 3}, 0))

	var out payload
	require.NoError(t, manager.GetJSON(ctx, "obj", &out))
	assert.Equal(t, "web", out.Name)
	assert.Equal(t, 3, out.Count)
}

func TestManager_Close(t *testing.T) {
	_, manager := setupTestRedis(t)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	_, err := manager.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

// =============================================================================
// 🧪 资源快照缓存与租约测试
// =============================================================================

func TestResourceCache(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()
	rc := NewResourceCache(manager, 20*time.Second)

	snap, err := rc.Get(ctx, "uuid-1")
	require.NoError(t, err)
	assert.Nil(t, snap, "miss returns nil without error")

	require.NoError(t, rc.Put(ctx, "uuid-1", &remote.ResourceSnapshot{State: "running", MemoryMB: 512}))
	snap, err = rc.Get(ctx, "uuid-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "running", snap.State)
	assert.Equal(t, int64(512), snap.MemoryMB)

	require.NoError(t, rc.Invalidate(ctx, "uuid-1"))
	snap, err = rc.Get(ctx, "uuid-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	// TTL 过期后回到未命中
	require.NoError(t, rc.Put(ctx, "uuid-1", &remote.ResourceSnapshot{State: "running"}))
	mr.FastForward(21 * time.Second)
	snap, err = rc.Get(ctx, "uuid-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRedisLease(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()
	lease := NewRedisLease(manager)

	ok, err := lease.Acquire(ctx, "nodeflow:schedule:1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// 已被持有
	ok, err = lease.Acquire(ctx, "nodeflow:schedule:1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// 释放后可以再抢
	require.NoError(t, lease.Release(ctx, "nodeflow:schedule:1"))
	ok, err = lease.Acquire(ctx, "nodeflow:schedule:1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// TTL 到期自动失效
	mr.FastForward(31 * time.Second)
	ok, err = lease.Acquire(ctx, "nodeflow:schedule:1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/nodeflow/remote"
)

// =============================================================================
// 📈 资源快照缓存
// =============================================================================

// ResourceCache 服务器资源快照的短 TTL 缓存
// 资源端点是面板上被打得最凶的读路径，缓存挡住对节点代理的重复拉取。
type ResourceCache struct {
	manager *Manager
	ttl     time.Duration
}

// NewResourceCache 创建资源快照缓存
func NewResourceCache(manager *Manager, ttl time.Duration) *ResourceCache {
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	return &ResourceCache{manager: manager, ttl: ttl}
}

func resourceKey(serverUUID string) string {
	return fmt.Sprintf("nodeflow:resources:%s", serverUUID)
}

// Get 读取缓存的快照，未命中返回 (nil, nil)
func (c *ResourceCache) Get(ctx context.Context, serverUUID string) (*remote.ResourceSnapshot, error) {
	var snapshot remote.ResourceSnapshot
	err := c.manager.GetJSON(ctx, resourceKey(serverUUID), &snapshot)
	if IsCacheMiss(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Put 写入快照
func (c *ResourceCache) Put(ctx context.Context, serverUUID string, snapshot *remote.ResourceSnapshot) error {
	return c.manager.SetJSON(ctx, resourceKey(serverUUID), snapshot, c.ttl)
}

// Invalidate 主动失效（电源动作、迁移完成后调用）
func (c *ResourceCache) Invalidate(ctx context.Context, serverUUID string) error {
	return c.manager.Delete(ctx, resourceKey(serverUUID))
}

// =============================================================================
// 🔒 调度器租约
// =============================================================================

// RedisLease 基于 SET NX PX 的跨进程租约
// 实现 scheduler.Lease；多实例部署时防止同一计划被并发执行。
type RedisLease struct {
	manager *Manager
}

// NewRedisLease 创建租约器
func NewRedisLease(manager *Manager) *RedisLease {
	return &RedisLease{manager: manager}
}

// Acquire 抢租约，已被持有返回 false
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.manager.mu.RLock()
	defer l.manager.mu.RUnlock()
	if l.manager.closed {
		return false, fmt.Errorf("cache manager is closed")
	}
	ok, err := l.manager.redis.SetNX(ctx, key, "1", ttl).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("lease acquire failed: %w", err)
	}
	return ok, nil
}

// Release 释放租约
func (l *RedisLease) Release(ctx context.Context, key string) error {
	return l.manager.Delete(ctx, key)
}

/*
包 cache 提供基于 Redis 的缓存与租约。

Manager 封装连接与基础读写；ResourceCache 给服务器资源快照加
短 TTL 缓存；RedisLease 用 SET NX PX 给调度器提供跨进程租约。
缓存不是事实来源，redis 不可用时上层直接回源节点代理。
*/
package cache

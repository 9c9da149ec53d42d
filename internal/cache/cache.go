// Package cache 提供键值缓存，用于任务结果去重和已见新闻记录。
// 配置了 Redis 时使用 Redis，否则使用进程内缓存。
package cache

import (
	"context"
	"errors"
	"time"

	"pbdna/agent-fleet/internal/config"
)

// ErrMiss 键不存在
var ErrMiss = errors.New("cache miss")

// Cache 键值缓存接口
type Cache interface {
	// SetNX 键不存在时写入，返回是否写入成功
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set 写入键值，ttl 为 0 表示永不过期
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get 读取键值，不存在时返回 ErrMiss
	Get(ctx context.Context, key string) (string, error)
	// Del 删除键
	Del(ctx context.Context, keys ...string) error
	// Close 释放连接
	Close() error
}

// New 根据配置创建缓存
func New(ctx context.Context, cfg config.CacheConfig) (Cache, error) {
	if cfg.URL == "" {
		return NewMemoryCache(cfg.KeyPrefix), nil
	}
	return NewRedisCache(ctx, cfg.URL, cfg.KeyPrefix)
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

package orchestrator

import (
	"context"
	"time"

	"pbdna/agent-fleet/internal/cache"
)

const dedupKeyPrefix = "dedup:result:"

// Deduper 以任务 ID 为幂等键过滤重复投递的 task_result。
type Deduper struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewDeduper 创建去重器，ttl 为幂等键的保留时间
func NewDeduper(c cache.Cache, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{cache: c, ttl: ttl}
}

// First 首次看到该任务 ID 时返回 true
func (d *Deduper) First(ctx context.Context, taskID string) (bool, error) {
	return d.cache.SetNX(ctx, dedupKeyPrefix+taskID, time.Now().UTC().Format(time.RFC3339), d.ttl)
}

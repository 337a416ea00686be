package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"inboxmetrics/backend/internal/domain"
)

// LocalCache 进程内分析缓存（开发模式与测试用）。
//
// 语义与 Redis 实现一致：TTL 过期 + 命名空间整体失效。
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
}

type localEntry struct {
	aggregates []domain.AnalyticsAggregate
	expiresAt  time.Time
}

// NewLocalCache 创建进程内分析缓存。
func NewLocalCache() *LocalCache {
	return &LocalCache{entries: make(map[string]localEntry)}
}

// GetAggregates 读取缓存聚合结果。
func (c *LocalCache) GetAggregates(_ context.Context, organizationID string, date time.Time) ([]domain.AnalyticsAggregate, bool) {
	c.mu.RLock()
	entry, ok := c.entries[aggregateKey(organizationID, date)]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.aggregates, true
}

// SetAggregates 写入聚合结果。
func (c *LocalCache) SetAggregates(_ context.Context, organizationID string, date time.Time, aggregates []domain.AnalyticsAggregate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[aggregateKey(organizationID, date)] = localEntry{
		aggregates: aggregates,
		expiresAt:  time.Now().Add(defaultTTL),
	}
	return nil
}

// InvalidateAll 使分析命名空间下的全部缓存条目失效。
func (c *LocalCache) InvalidateAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if strings.HasPrefix(key, analyticsNamespace) {
			delete(c.entries, key)
		}
	}
	return nil
}

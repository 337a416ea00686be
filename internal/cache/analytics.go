package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"inboxmetrics/backend/internal/domain"
)

// analyticsNamespace 分析缓存的键命名空间。
// 聚合引擎每轮结束后整命名空间失效。
const analyticsNamespace = "analytics:"

// defaultTTL 缓存条目默认过期时间。
const defaultTTL = 2 * time.Hour

// AnalyticsCache 聚合结果的读穿缓存。
//
// 读取层先查缓存，未命中再读存储并回填；
// 聚合引擎重算后调用 InvalidateAll 使整个命名空间失效。
type AnalyticsCache interface {
	GetAggregates(ctx context.Context, organizationID string, date time.Time) ([]domain.AnalyticsAggregate, bool)
	SetAggregates(ctx context.Context, organizationID string, date time.Time, aggregates []domain.AnalyticsAggregate) error
	InvalidateAll(ctx context.Context) error
}

// RedisCache 基于 Redis 的分析缓存实现。
type RedisCache struct {
	rdb *goredis.Client
	log *zap.Logger
}

// NewRedisCache 创建 Redis 分析缓存。
func NewRedisCache(rdb *goredis.Client, log *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, log: log}
}

// GetAggregates 读取组织某日的缓存聚合结果。
func (c *RedisCache) GetAggregates(ctx context.Context, organizationID string, date time.Time) ([]domain.AnalyticsAggregate, bool) {
	data, err := c.rdb.Get(ctx, aggregateKey(organizationID, date)).Result()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("analytics cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var aggregates []domain.AnalyticsAggregate
	if err := json.Unmarshal([]byte(data), &aggregates); err != nil {
		c.log.Warn("analytics cache entry corrupted", zap.Error(err))
		return nil, false
	}
	return aggregates, true
}

// SetAggregates 写入组织某日的聚合结果。
func (c *RedisCache) SetAggregates(ctx context.Context, organizationID string, date time.Time, aggregates []domain.AnalyticsAggregate) error {
	data, err := json.Marshal(aggregates)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, aggregateKey(organizationID, date), data, defaultTTL).Err()
}

// InvalidateAll 使分析命名空间下的全部缓存条目失效。
//
// 使用 SCAN 渐进遍历，避免 KEYS 阻塞 Redis。
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	deleted := 0

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, analyticsNamespace+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("scan analytics namespace: %w", err)
		}

		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete analytics keys: %w", err)
			}
			deleted += len(keys)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.log.Debug("analytics cache invalidated", zap.Int("keys", deleted))
	return nil
}

// aggregateKey 生成组织+日期的缓存键。
func aggregateKey(organizationID string, date time.Time) string {
	return fmt.Sprintf("%saggregates:%s:%s", analyticsNamespace, organizationID, date.UTC().Format("2006-01-02"))
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"inboxmetrics/backend/internal/domain"
)

const (
	keySeq        = "queue:seq"
	keyPending    = "queue:pending"
	keyDelayed    = "queue:delayed"
	keyProcessing = "queue:processing"
	keyFailed     = "queue:failed"
	keyTerminal   = "queue:terminal"
	keyJobPrefix  = "queue:job:"
)

// jobEnvelope 任务在 Redis 中的持久形态。
type jobEnvelope struct {
	Job         Job              `json:"job"`
	Status      domain.JobStatus `json:"status"`
	ProcessedAt *time.Time       `json:"processedAt,omitempty"`
}

// RedisBackend Redis 队列实现（生产环境）。
//
// 待处理集合是一个 ZSET，score 编码 (优先级, 入队序号)：
// 高优先级 score 更小，ZPopMin 天然得到正确的出队顺序。
type RedisBackend struct {
	rdb         *goredis.Client
	maxRetained int
}

// NewRedisBackend 创建 Redis 队列。
func NewRedisBackend(rdb *goredis.Client, maxRetained int) *RedisBackend {
	if maxRetained <= 0 {
		maxRetained = 500
	}
	return &RedisBackend{rdb: rdb, maxRetained: maxRetained}
}

// Enqueue 将任务放入待处理集合。
func (b *RedisBackend) Enqueue(ctx context.Context, job *Job) error {
	if err := b.saveEnvelope(ctx, job, domain.JobStatusPending, nil); err != nil {
		return err
	}

	score, err := b.pendingScore(ctx, job.Priority)
	if err != nil {
		return err
	}

	return b.rdb.ZAdd(ctx, keyPending, goredis.Z{Score: score, Member: job.ID}).Err()
}

// Dequeue 取出下一个就绪任务并标记为处理中。
func (b *RedisBackend) Dequeue(ctx context.Context) (*Job, error) {
	if err := b.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	popped, err := b.rdb.ZPopMin(ctx, keyPending, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop pending: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID := popped[0].Member.(string)
	envelope, err := b.loadEnvelope(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := b.saveEnvelope(ctx, &envelope.Job, domain.JobStatusProcessing, nil); err != nil {
		return nil, err
	}
	if err := b.rdb.ZAdd(ctx, keyProcessing, goredis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: jobID,
	}).Err(); err != nil {
		return nil, err
	}

	return &envelope.Job, nil
}

// Requeue 将任务放入延迟集合，delay 之后重新可取。
func (b *RedisBackend) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	if err := b.rdb.ZRem(ctx, keyProcessing, job.ID).Err(); err != nil {
		return err
	}
	if err := b.saveEnvelope(ctx, job, domain.JobStatusPending, nil); err != nil {
		return err
	}

	readyAt := time.Now().Add(delay)
	return b.rdb.ZAdd(ctx, keyDelayed, goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: job.ID,
	}).Err()
}

// Complete 标记任务完成并归档。
func (b *RedisBackend) Complete(ctx context.Context, job *Job) error {
	if err := b.rdb.ZRem(ctx, keyProcessing, job.ID).Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := b.saveEnvelope(ctx, job, domain.JobStatusCompleted, &now); err != nil {
		return err
	}
	return b.archive(ctx, job.ID)
}

// Fail 将耗尽重试次数的任务移入失败集合。
func (b *RedisBackend) Fail(ctx context.Context, job *Job) error {
	if err := b.rdb.ZRem(ctx, keyProcessing, job.ID).Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := b.saveEnvelope(ctx, job, domain.JobStatusFailed, &now); err != nil {
		return err
	}
	if err := b.rdb.SAdd(ctx, keyFailed, job.ID).Err(); err != nil {
		return err
	}
	return b.archive(ctx, job.ID)
}

// RequeueStalled 将心跳超时的处理中任务放回待处理集合。
func (b *RedisBackend) RequeueStalled(ctx context.Context, olderThan time.Duration) ([]*Job, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	ids, err := b.rdb.ZRangeByScore(ctx, keyProcessing, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan stalled jobs: %w", err)
	}

	var stalled []*Job
	for _, id := range ids {
		// 只有成功摘除的才算本实例认领，避免多实例重复入队
		removed, err := b.rdb.ZRem(ctx, keyProcessing, id).Result()
		if err != nil {
			return stalled, err
		}
		if removed == 0 {
			continue
		}

		envelope, err := b.loadEnvelope(ctx, id)
		if err != nil {
			continue
		}

		if err := b.Enqueue(ctx, &envelope.Job); err != nil {
			return stalled, err
		}
		stalled = append(stalled, &envelope.Job)
	}
	return stalled, nil
}

// GetJob 返回任务的运维检视记录。
func (b *RedisBackend) GetJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	envelope, err := b.loadEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	record := envelope.Job.Record(envelope.Status, envelope.ProcessedAt)
	return &record, nil
}

// ListJobs 返回全部任务的运维检视记录（按创建时间倒序）。
func (b *RedisBackend) ListJobs(ctx context.Context, limit int) ([]domain.SyncJob, error) {
	var records []domain.SyncJob
	var cursor uint64

	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, keyJobPrefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan jobs: %w", err)
		}

		for _, key := range keys {
			data, err := b.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var envelope jobEnvelope
			if err := json.Unmarshal([]byte(data), &envelope); err != nil {
				continue
			}
			records = append(records, envelope.Job.Record(envelope.Status, envelope.ProcessedAt))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// RetryFailed 将失败集合中的任务重新入队（重置尝试计数）。
func (b *RedisBackend) RetryFailed(ctx context.Context, id string) error {
	removed, err := b.rdb.SRem(ctx, keyFailed, id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return domain.ErrJobNotFound
	}

	envelope, err := b.loadEnvelope(ctx, id)
	if err != nil {
		return err
	}

	job := envelope.Job
	job.AttemptsMade = 0
	job.LastError = ""
	return b.Enqueue(ctx, &job)
}

// promoteDelayed 将已就绪的延迟任务移入待处理集合。
func (b *RedisBackend) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	ids, err := b.rdb.ZRangeByScore(ctx, keyDelayed, &goredis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}

	for _, id := range ids {
		removed, err := b.rdb.ZRem(ctx, keyDelayed, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		envelope, err := b.loadEnvelope(ctx, id)
		if err != nil {
			continue
		}

		score, err := b.pendingScore(ctx, envelope.Job.Priority)
		if err != nil {
			return err
		}
		if err := b.rdb.ZAdd(ctx, keyPending, goredis.Z{Score: score, Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// pendingScore 编码 (优先级, 入队序号) 为 ZSET score。
//
// 高优先级对应更小的 score；序号保证同优先级内先进先出。
func (b *RedisBackend) pendingScore(ctx context.Context, priority domain.JobPriority) (float64, error) {
	seq, err := b.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	rank := priority.PriorityRank()
	return float64(2-rank)*1e15 + float64(seq), nil
}

// saveEnvelope 写入任务的持久形态。
func (b *RedisBackend) saveEnvelope(ctx context.Context, job *Job, status domain.JobStatus, processedAt *time.Time) error {
	data, err := json.Marshal(jobEnvelope{Job: *job, Status: status, ProcessedAt: processedAt})
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, keyJobPrefix+job.ID, data, 0).Err()
}

// loadEnvelope 读取任务的持久形态。
func (b *RedisBackend) loadEnvelope(ctx context.Context, id string) (*jobEnvelope, error) {
	data, err := b.rdb.Get(ctx, keyJobPrefix+id).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}

	var envelope jobEnvelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &envelope, nil
}

// archive 记录终态任务并淘汰最旧归档。
func (b *RedisBackend) archive(ctx context.Context, id string) error {
	if err := b.rdb.RPush(ctx, keyTerminal, id).Err(); err != nil {
		return err
	}

	length, err := b.rdb.LLen(ctx, keyTerminal).Result()
	if err != nil {
		return err
	}

	for length > int64(b.maxRetained) {
		oldest, err := b.rdb.LPop(ctx, keyTerminal).Result()
		if err != nil {
			return err
		}
		if err := b.rdb.Del(ctx, keyJobPrefix+oldest).Err(); err != nil {
			return err
		}
		if err := b.rdb.SRem(ctx, keyFailed, oldest).Err(); err != nil {
			return err
		}
		length--
	}
	return nil
}

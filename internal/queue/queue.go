package queue

import (
	"context"
	"time"

	"inboxmetrics/backend/internal/domain"
)

// Job 队列中的一个任务。
type Job struct {
	ID           string             `json:"id"`
	Type         domain.JobType     `json:"type"`
	MailboxID    string             `json:"mailboxId"`
	Priority     domain.JobPriority `json:"priority"`
	AttemptsMade int                `json:"attemptsMade"`
	LastError    string             `json:"lastError,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// Record 转换为对外的运维检视记录。
func (j *Job) Record(status domain.JobStatus, processedAt *time.Time) domain.SyncJob {
	return domain.SyncJob{
		ID:           j.ID,
		Type:         j.Type,
		MailboxID:    j.MailboxID,
		Priority:     j.Priority,
		Status:       status,
		AttemptsMade: j.AttemptsMade,
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt,
		ProcessedAt:  processedAt,
	}
}

// Handler 任务处理函数，按任务类型注册。
type Handler func(ctx context.Context, job *Job) error

// Backend 定义任务队列的持久层操作。
//
// 排序语义：高优先级先出队，同优先级按入队顺序先进先出。
// Redis 实现用于生产，内存实现用于开发模式和测试。
type Backend interface {
	// Enqueue 将任务放入待处理集合
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue 取出下一个就绪任务并标记为处理中；无任务时返回 (nil, nil)
	Dequeue(ctx context.Context) (*Job, error)
	// Requeue 将任务放回延迟集合，delay 之后重新可取
	Requeue(ctx context.Context, job *Job, delay time.Duration) error
	// Complete 标记任务完成并归档（保留上限之外的最旧记录被淘汰）
	Complete(ctx context.Context, job *Job) error
	// Fail 将耗尽重试次数的任务移入失败集合
	Fail(ctx context.Context, job *Job) error
	// RequeueStalled 将心跳超时的处理中任务放回待处理集合，返回数量
	RequeueStalled(ctx context.Context, olderThan time.Duration) ([]*Job, error)

	// GetJob 返回任务的运维检视记录
	GetJob(ctx context.Context, id string) (*domain.SyncJob, error)
	// ListJobs 返回全部任务的运维检视记录（按创建时间倒序）
	ListJobs(ctx context.Context, limit int) ([]domain.SyncJob, error)
	// RetryFailed 将失败集合中的任务重新入队（重置尝试计数）
	RetryFailed(ctx context.Context, id string) error
}

// Backoff 计算第 attempt 次失败后的重试延迟（attempt 从 1 开始）。
//
// 指数退避：base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

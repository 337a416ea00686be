package domain

import "time"

// JobType 同步任务类型
type JobType string

const (
	JobTypeBackfill     JobType = "backfill"      // 接入后的首次全量回填
	JobTypeSync         JobType = "sync"          // 常规增量同步
	JobTypeRefreshToken JobType = "refresh_token" // 刷新访问令牌
)

// JobPriority 任务优先级
type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityMedium JobPriority = "medium"
	JobPriorityHigh   JobPriority = "high"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// SyncJob 表示队列中的一个同步任务，供运维检视的记录形态。
type SyncJob struct {
	ID           string      `json:"id"`
	Type         JobType     `json:"type"`
	MailboxID    string      `json:"mailboxId"`
	Priority     JobPriority `json:"priority"`
	Status       JobStatus   `json:"status"`
	AttemptsMade int         `json:"attemptsMade"`
	LastError    string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	ProcessedAt  *time.Time  `json:"processedAt,omitempty"`
}

// PriorityRank 返回优先级的排序权重，数值越大越优先。
func (p JobPriority) PriorityRank() int {
	switch p {
	case JobPriorityHigh:
		return 2
	case JobPriorityMedium:
		return 1
	default:
		return 0
	}
}

package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"inboxmetrics/backend/internal/domain"
)

// MemoryBackend 内存队列实现。
//
// 语义与 Redis 实现一致，用于开发模式和单元测试。
type MemoryBackend struct {
	mu          sync.Mutex
	seq         int64
	pending     []*memoryItem            // 按 (优先级, 序号) 排序
	delayed     []*memoryItem            // 按就绪时间排序
	processing  map[string]*memoryItem   // jobID -> item
	failed      map[string]*Job          // jobID -> job
	terminal    []terminalRecord         // 完成/失败归档，有界
	records     map[string]domain.SyncJob // jobID -> 最新检视记录
	maxRetained int
	now         func() time.Time
}

type memoryItem struct {
	job       *Job
	seq       int64
	readyAt   time.Time
	heartbeat time.Time
}

type terminalRecord struct {
	id     string
	status domain.JobStatus
}

// NewMemoryBackend 创建内存队列。
func NewMemoryBackend(maxRetained int) *MemoryBackend {
	if maxRetained <= 0 {
		maxRetained = 500
	}
	return &MemoryBackend{
		processing:  make(map[string]*memoryItem),
		failed:      make(map[string]*Job),
		records:     make(map[string]domain.SyncJob),
		maxRetained: maxRetained,
		now:         time.Now,
	}
}

// SetNowFunc 注入时间源（测试用）。
func (b *MemoryBackend) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Enqueue 将任务放入待处理集合。
func (b *MemoryBackend) Enqueue(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.pending = append(b.pending, &memoryItem{job: job, seq: b.seq})
	b.sortPending()
	b.records[job.ID] = job.Record(domain.JobStatusPending, nil)
	return nil
}

// Dequeue 取出下一个就绪任务。
func (b *MemoryBackend) Dequeue(_ context.Context) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.promoteDelayed()

	if len(b.pending) == 0 {
		return nil, nil
	}

	item := b.pending[0]
	b.pending = b.pending[1:]
	item.heartbeat = b.now()
	b.processing[item.job.ID] = item
	b.records[item.job.ID] = item.job.Record(domain.JobStatusProcessing, nil)
	return item.job, nil
}

// Requeue 将任务放回延迟集合。
func (b *MemoryBackend) Requeue(_ context.Context, job *Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.processing, job.ID)
	b.seq++
	b.delayed = append(b.delayed, &memoryItem{
		job:     job,
		seq:     b.seq,
		readyAt: b.now().Add(delay),
	})
	b.records[job.ID] = job.Record(domain.JobStatusPending, nil)
	return nil
}

// Complete 标记任务完成。
func (b *MemoryBackend) Complete(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.processing, job.ID)
	processedAt := b.now()
	b.records[job.ID] = job.Record(domain.JobStatusCompleted, &processedAt)
	b.archive(job.ID, domain.JobStatusCompleted)
	return nil
}

// Fail 将任务移入失败集合。
func (b *MemoryBackend) Fail(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.processing, job.ID)
	b.failed[job.ID] = job
	processedAt := b.now()
	b.records[job.ID] = job.Record(domain.JobStatusFailed, &processedAt)
	b.archive(job.ID, domain.JobStatusFailed)
	return nil
}

// RequeueStalled 将心跳超时的处理中任务放回待处理集合。
func (b *MemoryBackend) RequeueStalled(_ context.Context, olderThan time.Duration) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-olderThan)
	var stalled []*Job

	for id, item := range b.processing {
		if item.heartbeat.Before(cutoff) {
			delete(b.processing, id)
			b.seq++
			b.pending = append(b.pending, &memoryItem{job: item.job, seq: b.seq})
			b.records[id] = item.job.Record(domain.JobStatusPending, nil)
			stalled = append(stalled, item.job)
		}
	}

	if len(stalled) > 0 {
		b.sortPending()
	}
	return stalled, nil
}

// GetJob 返回任务的运维检视记录。
func (b *MemoryBackend) GetJob(_ context.Context, id string) (*domain.SyncJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.records[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &record, nil
}

// ListJobs 返回全部任务的运维检视记录。
func (b *MemoryBackend) ListJobs(_ context.Context, limit int) ([]domain.SyncJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := make([]domain.SyncJob, 0, len(b.records))
	for _, record := range b.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// RetryFailed 将失败集合中的任务重新入队。
func (b *MemoryBackend) RetryFailed(ctx context.Context, id string) error {
	b.mu.Lock()
	job, ok := b.failed[id]
	if !ok {
		b.mu.Unlock()
		return domain.ErrJobNotFound
	}
	delete(b.failed, id)
	b.mu.Unlock()

	job.AttemptsMade = 0
	job.LastError = ""
	return b.Enqueue(ctx, job)
}

// promoteDelayed 将已就绪的延迟任务移入待处理集合。调用方持有锁。
func (b *MemoryBackend) promoteDelayed() {
	now := b.now()
	remaining := b.delayed[:0]
	promoted := false

	for _, item := range b.delayed {
		if !item.readyAt.After(now) {
			b.pending = append(b.pending, item)
			promoted = true
		} else {
			remaining = append(remaining, item)
		}
	}
	b.delayed = remaining

	if promoted {
		b.sortPending()
	}
}

// sortPending 按 (优先级降序, 序号升序) 排序。调用方持有锁。
func (b *MemoryBackend) sortPending() {
	sort.SliceStable(b.pending, func(i, j int) bool {
		ri := b.pending[i].job.Priority.PriorityRank()
		rj := b.pending[j].job.Priority.PriorityRank()
		if ri != rj {
			return ri > rj
		}
		return b.pending[i].seq < b.pending[j].seq
	})
}

// archive 记录终态任务并淘汰最旧归档。调用方持有锁。
func (b *MemoryBackend) archive(id string, status domain.JobStatus) {
	b.terminal = append(b.terminal, terminalRecord{id: id, status: status})
	for len(b.terminal) > b.maxRetained {
		oldest := b.terminal[0]
		b.terminal = b.terminal[1:]
		delete(b.records, oldest.id)
		delete(b.failed, oldest.id)
	}
}

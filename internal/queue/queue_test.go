package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxmetrics/backend/internal/domain"
	"inboxmetrics/backend/internal/logger"
	"inboxmetrics/backend/internal/monitoring"
)

// testMetrics 共享实例，promauto 指标只能注册一次。
var testMetrics = monitoring.NewMetrics()

func enqueueJob(t *testing.T, b *MemoryBackend, id string, priority domain.JobPriority) *Job {
	t.Helper()
	job := &Job{
		ID:        id,
		Type:      domain.JobTypeSync,
		MailboxID: "mb-" + id,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, b.Enqueue(context.Background(), job))
	return job
}

func TestMemoryBackendOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("高优先级先出队", func(t *testing.T) {
		b := NewMemoryBackend(10)
		enqueueJob(t, b, "low-1", domain.JobPriorityLow)
		enqueueJob(t, b, "high-1", domain.JobPriorityHigh)
		enqueueJob(t, b, "medium-1", domain.JobPriorityMedium)

		var order []string
		for i := 0; i < 3; i++ {
			job, err := b.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{"high-1", "medium-1", "low-1"}, order)
	})

	t.Run("同优先级先进先出", func(t *testing.T) {
		b := NewMemoryBackend(10)
		enqueueJob(t, b, "a", domain.JobPriorityMedium)
		enqueueJob(t, b, "b", domain.JobPriorityMedium)
		enqueueJob(t, b, "c", domain.JobPriorityMedium)

		var order []string
		for i := 0; i < 3; i++ {
			job, err := b.Dequeue(ctx)
			require.NoError(t, err)
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, order)
	})

	t.Run("空队列返回 nil", func(t *testing.T) {
		b := NewMemoryBackend(10)
		job, err := b.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestMemoryBackendDelayedRequeue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(10)

	now := time.Now().UTC()
	b.SetNowFunc(func() time.Time { return now })

	job := enqueueJob(t, b, "delayed", domain.JobPriorityMedium)
	got, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, b.Requeue(ctx, job, 10*time.Second))

	t.Run("延迟未到不可取", func(t *testing.T) {
		got, err := b.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("延迟到期后可取", func(t *testing.T) {
		now = now.Add(11 * time.Second)
		got, err := b.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "delayed", got.ID)
	})
}

func TestMemoryBackendStallRequeue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(10)

	now := time.Now().UTC()
	b.SetNowFunc(func() time.Time { return now })

	enqueueJob(t, b, "stuck", domain.JobPriorityHigh)
	job, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	t.Run("心跳未超时不回收", func(t *testing.T) {
		stalled, err := b.RequeueStalled(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, stalled)
	})

	t.Run("心跳超时后回收并可重新取出", func(t *testing.T) {
		now = now.Add(6 * time.Minute)
		stalled, err := b.RequeueStalled(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, stalled, 1)
		assert.Equal(t, "stuck", stalled[0].ID)

		got, err := b.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "stuck", got.ID)
	})
}

func TestMemoryBackendRetention(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(2)

	for _, id := range []string{"old", "mid", "new"} {
		job := enqueueJob(t, b, id, domain.JobPriorityMedium)
		got, err := b.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NoError(t, b.Complete(ctx, job))
	}

	// 超出保留上限，最旧归档被淘汰
	_, err := b.GetJob(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	record, err := b.GetJob(ctx, "mid")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, record.Status)
}

func TestMemoryBackendRetryFailed(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(10)

	job := enqueueJob(t, b, "broken", domain.JobPriorityMedium)
	_, err := b.Dequeue(ctx)
	require.NoError(t, err)

	job.AttemptsMade = 3
	job.LastError = "quota exceeded"
	require.NoError(t, b.Fail(ctx, job))

	record, err := b.GetJob(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, record.Status)

	t.Run("失败任务可单独重试", func(t *testing.T) {
		require.NoError(t, b.RetryFailed(ctx, "broken"))

		got, err := b.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "broken", got.ID)
		assert.Equal(t, 0, got.AttemptsMade)
		assert.Empty(t, got.LastError)
	})

	t.Run("不存在的任务返回错误", func(t *testing.T) {
		err := b.RetryFailed(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestBackoff(t *testing.T) {
	base := 5 * time.Second

	assert.Equal(t, 5*time.Second, Backoff(base, 1))
	assert.Equal(t, 10*time.Second, Backoff(base, 2))
	assert.Equal(t, 20*time.Second, Backoff(base, 3))
	assert.Equal(t, 5*time.Second, Backoff(base, 0))
}

func TestWorkersProcess(t *testing.T) {
	ctx := context.Background()

	newWorkers := func(b Backend) *Workers {
		return NewWorkers(b, 1, 3, 5*time.Second, 5*time.Minute, logger.NewNop(), testMetrics)
	}

	t.Run("处理成功后任务完成", func(t *testing.T) {
		b := NewMemoryBackend(10)
		w := newWorkers(b)
		w.Register(domain.JobTypeSync, func(ctx context.Context, job *Job) error {
			return nil
		})

		id, err := w.Enqueue(ctx, domain.JobTypeSync, "mb-1", domain.JobPriorityHigh)
		require.NoError(t, err)

		job, err := b.Dequeue(ctx)
		require.NoError(t, err)
		w.process(ctx, job)

		record, err := b.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, record.Status)
		assert.Equal(t, 1, record.AttemptsMade)
	})

	t.Run("三次失败后进入失败集合", func(t *testing.T) {
		b := NewMemoryBackend(10)
		now := time.Now().UTC()
		b.SetNowFunc(func() time.Time { return now })

		w := newWorkers(b)
		w.Register(domain.JobTypeSync, func(ctx context.Context, job *Job) error {
			return errors.New("provider unavailable")
		})

		id, err := w.Enqueue(ctx, domain.JobTypeSync, "mb-1", domain.JobPriorityMedium)
		require.NoError(t, err)

		for attempt := 1; attempt <= 3; attempt++ {
			job, err := b.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, job, "attempt %d", attempt)
			w.process(ctx, job)
			// 重试延迟按指数退避递增
			now = now.Add(Backoff(5*time.Second, attempt) + time.Second)
		}

		record, err := b.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, record.Status)
		assert.Equal(t, 3, record.AttemptsMade)
		assert.Contains(t, record.LastError, "provider unavailable")

		// 失败后不再被调度
		job, err := b.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("未注册类型直接判定失败", func(t *testing.T) {
		b := NewMemoryBackend(10)
		w := newWorkers(b)

		id, err := w.Enqueue(ctx, domain.JobTypeBackfill, "mb-1", domain.JobPriorityHigh)
		require.NoError(t, err)

		job, err := b.Dequeue(ctx)
		require.NoError(t, err)
		w.process(ctx, job)

		record, err := b.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, record.Status)
	})
}

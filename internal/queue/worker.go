package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inboxmetrics/backend/internal/domain"
	"inboxmetrics/backend/internal/monitoring"
)

const idleDelay = 500 * time.Millisecond

// Workers 任务队列的工作协程池。
//
// 按任务类型分发到注册的处理函数；失败任务按指数退避重试，
// 耗尽尝试次数后进入失败集合等待人工重试。
type Workers struct {
	backend      Backend
	handlers     map[domain.JobType]Handler
	logger       *zap.Logger
	metrics      *monitoring.Metrics
	concurrency  int
	maxAttempts  int
	backoffBase  time.Duration
	stallTimeout time.Duration
}

// NewWorkers 创建工作协程池。
func NewWorkers(backend Backend, concurrency, maxAttempts int, backoffBase, stallTimeout time.Duration, logger *zap.Logger, metrics *monitoring.Metrics) *Workers {
	if concurrency <= 0 {
		concurrency = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	if stallTimeout <= 0 {
		stallTimeout = 5 * time.Minute
	}
	return &Workers{
		backend:      backend,
		handlers:     make(map[domain.JobType]Handler),
		logger:       logger,
		metrics:      metrics,
		concurrency:  concurrency,
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
		stallTimeout: stallTimeout,
	}
}

// Register 注册任务类型的处理函数。
func (w *Workers) Register(jobType domain.JobType, handler Handler) {
	w.handlers[jobType] = handler
}

// Enqueue 创建并入队一个新任务，返回任务 ID。
func (w *Workers) Enqueue(ctx context.Context, jobType domain.JobType, mailboxID string, priority domain.JobPriority) (string, error) {
	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		MailboxID: mailboxID,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}

	if err := w.backend.Enqueue(ctx, job); err != nil {
		return "", err
	}

	w.metrics.RecordJobEnqueued(string(jobType), string(priority))
	w.logger.Info("任务入队",
		zap.String("job_id", job.ID),
		zap.String("type", string(jobType)),
		zap.String("mailbox_id", mailboxID),
		zap.String("priority", string(priority)),
	)
	return job.ID, nil
}

// Run 启动工作协程和超时监控，阻塞直到 ctx 取消。
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.workLoop(ctx)
			return nil
		})
	}

	g.Go(func() error {
		w.stallLoop(ctx)
		return nil
	})

	return g.Wait()
}

// workLoop 单个工作协程的取任务循环。
func (w *Workers) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.backend.Dequeue(ctx)
		if err != nil {
			w.logger.Error("取任务失败", zap.Error(err))
			w.metrics.RecordError("dequeue", "queue")
			w.sleep(ctx, idleDelay)
			continue
		}
		if job == nil {
			w.sleep(ctx, idleDelay)
			continue
		}

		w.process(ctx, job)
	}
}

// process 执行单个任务，按结果完成、重试或判定失败。
func (w *Workers) process(ctx context.Context, job *Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		job.LastError = "no handler registered for job type"
		if err := w.backend.Fail(ctx, job); err != nil {
			w.logger.Error("标记任务失败时出错", zap.String("job_id", job.ID), zap.Error(err))
		}
		w.metrics.RecordJobFailed(string(job.Type))
		w.logger.Error("未注册的任务类型",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
		)
		return
	}

	job.AttemptsMade++
	start := time.Now()

	w.logger.Info("开始处理任务",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.String("mailbox_id", job.MailboxID),
		zap.Int("attempt", job.AttemptsMade),
	)

	err := handler(ctx, job)
	duration := time.Since(start)

	if err == nil {
		if cerr := w.backend.Complete(ctx, job); cerr != nil {
			w.logger.Error("标记任务完成时出错", zap.String("job_id", job.ID), zap.Error(cerr))
		}
		w.metrics.RecordJobCompleted(string(job.Type), duration)
		w.logger.Info("任务完成",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Duration("duration", duration),
		)
		return
	}

	job.LastError = err.Error()

	if job.AttemptsMade >= w.maxAttempts {
		if ferr := w.backend.Fail(ctx, job); ferr != nil {
			w.logger.Error("标记任务失败时出错", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		w.metrics.RecordJobFailed(string(job.Type))
		w.logger.Error("任务耗尽重试次数",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Int("attempts", job.AttemptsMade),
			zap.Error(err),
		)
		return
	}

	delay := Backoff(w.backoffBase, job.AttemptsMade)
	if rerr := w.backend.Requeue(ctx, job, delay); rerr != nil {
		w.logger.Error("任务重新入队失败", zap.String("job_id", job.ID), zap.Error(rerr))
		return
	}
	w.metrics.RecordJobRetried()
	w.logger.Warn("任务失败，稍后重试",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", job.AttemptsMade),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
}

// stallLoop 定期将心跳超时的处理中任务放回队列。
func (w *Workers) stallLoop(ctx context.Context) {
	ticker := time.NewTicker(w.stallTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stalled, err := w.backend.RequeueStalled(ctx, w.stallTimeout)
			if err != nil {
				w.logger.Error("超时任务扫描失败", zap.Error(err))
				w.metrics.RecordError("stall_scan", "queue")
				continue
			}
			if len(stalled) > 0 {
				w.metrics.RecordJobsStalled(len(stalled))
				w.logger.Warn("重新入队超时任务", zap.Int("count", len(stalled)))
			}
		}
	}
}

func (w *Workers) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

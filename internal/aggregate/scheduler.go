package aggregate

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Task 调度器周期执行的任务。
type Task func(ctx context.Context) error

// TickerFunc 创建定时信号源，返回信号通道和停止函数。
//
// 默认包装 time.Ticker，测试可注入手动触发的通道。
type TickerFunc func(interval time.Duration) (<-chan time.Time, func())

func defaultTicker(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Scheduler 周期任务调度器。
//
// 聚合引擎每小时运行一次并在启动时立即执行；
// 保留期清理之类的任务按天运行且不需要立即执行。
type Scheduler struct {
	name      string
	interval  time.Duration
	task      Task
	eager     bool
	logger    *zap.Logger
	newTicker TickerFunc
}

// NewScheduler 创建调度器。eager 为真时启动后立即执行一次。
func NewScheduler(name string, interval time.Duration, task Task, eager bool, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		name:      name,
		interval:  interval,
		task:      task,
		eager:     eager,
		logger:    logger,
		newTicker: defaultTicker,
	}
}

// SetTickerFunc 注入定时信号源（测试用）。
func (s *Scheduler) SetTickerFunc(f TickerFunc) {
	s.newTicker = f
}

// Run 运行调度循环，阻塞直到 ctx 取消。
//
// 单次任务失败只记录日志，下个周期照常执行。
func (s *Scheduler) Run(ctx context.Context) error {
	if s.eager {
		s.runOnce(ctx)
	}

	tick, stop := s.newTicker(s.interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.task(ctx); err != nil {
		s.logger.Error("调度任务失败",
			zap.String("task", s.name),
			zap.Error(err),
		)
	}
}

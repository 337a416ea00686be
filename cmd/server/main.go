package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inboxmetrics/backend/internal/aggregate"
	"inboxmetrics/backend/internal/cache"
	"inboxmetrics/backend/internal/config"
	"inboxmetrics/backend/internal/connector"
	"inboxmetrics/backend/internal/connector/gmail"
	"inboxmetrics/backend/internal/domain"
	"inboxmetrics/backend/internal/health"
	"inboxmetrics/backend/internal/logger"
	"inboxmetrics/backend/internal/monitoring"
	"inboxmetrics/backend/internal/queue"
	"inboxmetrics/backend/internal/storage"
	"inboxmetrics/backend/internal/storage/memory"
	"inboxmetrics/backend/internal/storage/postgres"
	redisclient "inboxmetrics/backend/internal/storage/redis"
	"inboxmetrics/backend/internal/sync"
	httptransport "inboxmetrics/backend/internal/transport/http"
	"inboxmetrics/backend/internal/vault"
)

// bulkSyncInterval 全量轮询所有活跃邮箱的固定周期
const bulkSyncInterval = 15 * time.Minute

// main 启动完整的邮箱分析管道：队列工作者、聚合调度器与运维 HTTP API。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting inboxmetrics server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store

	// 根据配置选择存储类型
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		// 使用数据库存储
		store, err = initializeDatabaseStorage(cfg)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		// 使用内存存储（开发环境）
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store, log)

	// 初始化凭证保险库（密钥非法属于致命错误）
	credVault, err := vault.New(cfg.Vault.Key)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize credential vault: %v", err))
	}

	// 初始化 Redis（队列与聚合缓存的底层存储），不可用时降级为内存实现
	var (
		queueBackend   queue.Backend
		analyticsCache cache.AnalyticsCache
	)
	if cfg.Redis.Address != "" {
		redisCli, err := redisclient.New(&cfg.Redis, log)
		if err != nil {
			panic(fmt.Sprintf("failed to connect redis: %v", err))
		}
		defer redisCli.Close()
		queueBackend = queue.NewRedisBackend(redisCli.Client(), cfg.Queue.MaxRetained)
		analyticsCache = cache.NewRedisCache(redisCli.Client(), log)
		healthChecker.AddDependency("redis", redisCli)
		log.Info("using redis queue backend", zap.String("address", cfg.Redis.Address))
	} else {
		queueBackend = queue.NewMemoryBackend(cfg.Queue.MaxRetained)
		analyticsCache = cache.NewLocalCache()
		log.Info("using memory queue backend (development mode)")
	}

	// PostgreSQL 健康探测连接池（仅数据库模式）
	if cfg.Database.Type == "postgres" && cfg.Database.DSN != "" {
		pgClient, err := postgres.NewClient(&cfg.Database, log)
		if err != nil {
			log.Warn("failed to create postgres health pool, continuing without it", zap.Error(err))
		} else {
			defer pgClient.Close()
			healthChecker.AddDependency("postgres", pgClient)
		}
	}

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0)) // 512MB
	alertManager.AddRule(monitoring.DatabaseConnectionRule(store))
	alertManager.AddRule(monitoring.FailedJobsBacklogRule(func() int {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		jobs, err := queueBackend.ListJobs(ctx, 0)
		if err != nil {
			return 0
		}
		failed := 0
		for _, job := range jobs {
			if job.Status == domain.JobStatusFailed {
				failed++
			}
		}
		return failed
	}, 20))

	log.Info("monitoring system initialized")

	// Gmail 连接器工厂：按邮箱凭证构建 API 客户端
	factory := connector.Factory(func(ctx context.Context, mailbox *domain.Mailbox, creds *domain.Credentials) (connector.Connector, error) {
		if mailbox.Provider != domain.ProviderGmail {
			return nil, fmt.Errorf("unsupported provider: %s", mailbox.Provider)
		}
		return gmail.New(ctx, gmail.Config{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
		}, creds)
	})

	// 初始化同步编排器
	registry := sync.NewRegistry(factory)
	orchestrator := sync.NewOrchestrator(store, credVault, registry, cfg.Sync, log, metrics)

	// 初始化任务队列工作者并注册各类型处理器
	workers := queue.NewWorkers(
		queueBackend,
		cfg.Queue.Concurrency,
		cfg.Queue.MaxAttempts,
		cfg.Queue.BackoffBase,
		cfg.Queue.StallTimeout,
		log,
		metrics,
	)
	workers.Register(domain.JobTypeBackfill, func(ctx context.Context, job *queue.Job) error {
		_, err := orchestrator.SyncMailbox(ctx, job.MailboxID, sync.ModeFull)
		return err
	})
	workers.Register(domain.JobTypeSync, func(ctx context.Context, job *queue.Job) error {
		_, err := orchestrator.SyncMailbox(ctx, job.MailboxID, sync.ModeIncremental)
		return err
	})
	workers.Register(domain.JobTypeRefreshToken, func(ctx context.Context, job *queue.Job) error {
		return orchestrator.RefreshCredentials(ctx, job.MailboxID)
	})

	// 初始化聚合引擎与各定时任务
	engine := aggregate.NewEngine(store, analyticsCache, log, metrics)
	aggregateScheduler := aggregate.NewScheduler("aggregation", cfg.Aggregate.Interval, engine.Run, true, log)
	bulkSyncScheduler := aggregate.NewScheduler("bulk-sync", bulkSyncInterval, func(ctx context.Context) error {
		return orchestrator.SyncAllActiveMailboxes(ctx, sync.ModeIncremental)
	}, false, log)
	retentionScheduler := aggregate.NewScheduler("retention-sweep", 24*time.Hour, orchestrator.SweepInactiveMailboxes, false, log)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Workers:       workers,
		QueueBackend:  queueBackend,
		Store:         store,
		Cache:         analyticsCache,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		AlertManager:  alertManager,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 优雅停机 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// 队列工作者 goroutine
	group.Go(func() error {
		return workers.Run(groupCtx)
	})

	// 聚合调度 goroutine
	group.Go(func() error {
		return aggregateScheduler.Run(groupCtx)
	})

	// 定时批量同步 goroutine
	group.Go(func() error {
		return bulkSyncScheduler.Run(groupCtx)
	})

	// 不活跃邮箱保留清理 goroutine
	group.Go(func() error {
		return retentionScheduler.Run(groupCtx)
	})

	// 告警规则巡检 goroutine
	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		log.Error("failed to close store", zap.Error(err))
	}
	log.Info("server stopped")
}

// initializeDatabaseStorage 依据配置建立 GORM 数据库存储。
func initializeDatabaseStorage(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Type {
	case "postgres":
		return postgres.NewStore(cfg.Database.DSN)
	case "mysql":
		return postgres.NewMySQLStore(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}

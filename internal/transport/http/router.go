package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inboxmetrics/backend/internal/cache"
	"inboxmetrics/backend/internal/health"
	"inboxmetrics/backend/internal/monitoring"
	"inboxmetrics/backend/internal/queue"
	"inboxmetrics/backend/internal/storage"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Workers       *queue.Workers
	QueueBackend  queue.Backend
	Store         storage.Store
	Cache         cache.AnalyticsCache
	HealthChecker *health.HealthChecker
	Metrics       *monitoring.Metrics
	AlertManager  *monitoring.AlertManager
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(RecoveryHandler(deps.Logger))
	router.Use(RequestLogger(deps.Logger))
	router.Use(MetricsCollector(deps.Metrics))

	corsConfig := gincors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		workers: deps.Workers,
		backend: deps.QueueBackend,
		store:   deps.Store,
		cache:   deps.Cache,
		logger:  deps.Logger,
	}

	// 探针与指标
	router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveHandler()))
	router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// 运维接口
	v1 := router.Group("/api/v1")
	{
		v1.GET("/jobs", handler.listJobs)
		v1.GET("/jobs/:id", handler.getJob)
		v1.POST("/jobs/:id/retry", handler.retryJob)

		v1.GET("/mailboxes", handler.listMailboxes)
		v1.GET("/contacts", handler.listContacts)
		v1.GET("/analytics", handler.getAnalytics)
		v1.POST("/mailboxes/:id/sync", handler.triggerSync)

		v1.GET("/health", func(c *gin.Context) {
			Success(c, deps.HealthChecker.CheckHealth())
		})
		v1.GET("/alerts", func(c *gin.Context) {
			alerts := deps.AlertManager.GetActiveAlerts()
			Success(c, gin.H{"alerts": alerts, "count": len(alerts)})
		})
	}

	return router
}

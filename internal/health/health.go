package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"inboxmetrics/backend/internal/storage"
)

// Pinger 可被探活的外部依赖（Redis 客户端、pgx 连接池）。
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
	deps   map[string]Pinger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
		deps:   make(map[string]Pinger),
	}

	hc.health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(2000))
	hc.health.AddReadinessCheck("database", func() error {
		return hc.store.Health()
	})

	return hc
}

// AddDependency 注册一个需要探活的外部依赖。
func (hc *HealthChecker) AddDependency(name string, dep Pinger) {
	hc.deps[name] = dep
	hc.health.AddReadinessCheck(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return dep.Ping(ctx)
	})
}

// LiveHandler 返回存活探针处理器
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 返回就绪探针处理器
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 汇总各依赖状态，供运维接口展示
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		results["database"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["database"] = "OK"
	}

	for name, dep := range hc.deps {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := dep.Ping(ctx); err != nil {
			results[name] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results[name] = "OK"
		}
		cancel()
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

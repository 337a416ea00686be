package httptransport

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"inboxmetrics/backend/internal/cache"
	"inboxmetrics/backend/internal/domain"
	"inboxmetrics/backend/internal/queue"
	"inboxmetrics/backend/internal/storage"
)

const defaultJobListLimit = 100

// Handler 聚合运维接口的处理逻辑。
type Handler struct {
	workers *queue.Workers
	backend queue.Backend
	store   storage.Store
	cache   cache.AnalyticsCache
	logger  *zap.Logger
}

// listJobs 返回任务队列的检视记录
// GET /api/v1/jobs?limit=100
func (h *Handler) listJobs(c *gin.Context) {
	limit := defaultJobListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			BadRequest(c, "limit 必须是正整数")
			return
		}
		limit = parsed
	}

	jobs, err := h.backend.ListJobs(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("查询任务列表失败", zap.Error(err))
		InternalError(c, "查询任务列表失败")
		return
	}
	Success(c, gin.H{"jobs": jobs, "count": len(jobs)})
}

// getJob 返回单个任务的检视记录
// GET /api/v1/jobs/:id
func (h *Handler) getJob(c *gin.Context) {
	job, err := h.backend.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			NotFound(c, "任务不存在")
			return
		}
		h.logger.Error("查询任务失败", zap.String("job_id", c.Param("id")), zap.Error(err))
		InternalError(c, "查询任务失败")
		return
	}
	Success(c, job)
}

// retryJob 将失败任务重新入队
// POST /api/v1/jobs/:id/retry
func (h *Handler) retryJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.backend.RetryFailed(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			NotFound(c, "失败任务不存在")
			return
		}
		h.logger.Error("重试任务失败", zap.String("job_id", id), zap.Error(err))
		InternalError(c, "重试任务失败")
		return
	}
	Accepted(c, gin.H{"jobId": id})
}

// syncMailboxRequest 手动触发同步的请求体
type syncMailboxRequest struct {
	Mode string `json:"mode"` // "full" 或 "incremental"，默认 incremental
}

// triggerSync 手动触发邮箱同步（入队高优先级任务）
// POST /api/v1/mailboxes/:id/sync
func (h *Handler) triggerSync(c *gin.Context) {
	mailboxID := c.Param("id")

	mailbox, err := h.store.GetMailbox(mailboxID)
	if err != nil {
		if errors.Is(err, domain.ErrMailboxNotFound) {
			NotFound(c, "邮箱不存在")
			return
		}
		h.logger.Error("查询邮箱失败", zap.String("mailbox_id", mailboxID), zap.Error(err))
		InternalError(c, "查询邮箱失败")
		return
	}
	if !mailbox.IsActive {
		Conflict(c, "邮箱已停用，无法同步")
		return
	}

	var req syncMailboxRequest
	// 请求体可以为空
	_ = c.ShouldBindJSON(&req)

	jobType := domain.JobTypeSync
	switch req.Mode {
	case "", "incremental":
	case "full":
		jobType = domain.JobTypeBackfill
	default:
		BadRequest(c, "mode 只能是 full 或 incremental")
		return
	}

	jobID, err := h.workers.Enqueue(c.Request.Context(), jobType, mailboxID, domain.JobPriorityHigh)
	if err != nil {
		h.logger.Error("同步任务入队失败", zap.String("mailbox_id", mailboxID), zap.Error(err))
		InternalError(c, "同步任务入队失败")
		return
	}
	Accepted(c, gin.H{"jobId": jobID, "mailboxId": mailboxID, "type": jobType})
}

// listContacts 返回指定组织的联系人统计
// GET /api/v1/contacts?organizationId=org-1
func (h *Handler) listContacts(c *gin.Context) {
	organizationID := c.Query("organizationId")
	if organizationID == "" {
		BadRequest(c, "organizationId 不能为空")
		return
	}

	contacts, err := h.store.ListContactsByOrganization(organizationID)
	if err != nil {
		h.logger.Error("查询联系人列表失败", zap.String("organization_id", organizationID), zap.Error(err))
		InternalError(c, "查询联系人列表失败")
		return
	}
	Success(c, gin.H{"contacts": contacts, "count": len(contacts)})
}

// getAnalytics 返回指定组织某个聚合桶的全部指标（经缓存读取）
// GET /api/v1/analytics?organizationId=org-1&date=2026-03-14
func (h *Handler) getAnalytics(c *gin.Context) {
	organizationID := c.Query("organizationId")
	if organizationID == "" {
		BadRequest(c, "organizationId 不能为空")
		return
	}

	// 默认读取昨天的桶（聚合引擎最近写入的日期）
	date := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			BadRequest(c, "date 格式必须是 YYYY-MM-DD")
			return
		}
		date = parsed.UTC()
	}

	ctx := c.Request.Context()
	if aggregates, ok := h.cache.GetAggregates(ctx, organizationID, date); ok {
		Success(c, gin.H{"aggregates": aggregates, "count": len(aggregates), "cached": true})
		return
	}

	aggregates, err := h.store.ListAggregates(organizationID, date, date.AddDate(0, 0, 1))
	if err != nil {
		h.logger.Error("查询聚合指标失败", zap.String("organization_id", organizationID), zap.Error(err))
		InternalError(c, "查询聚合指标失败")
		return
	}

	if err := h.cache.SetAggregates(ctx, organizationID, date, aggregates); err != nil {
		h.logger.Warn("写入聚合缓存失败", zap.Error(err))
	}
	Success(c, gin.H{"aggregates": aggregates, "count": len(aggregates), "cached": false})
}

// listMailboxes 返回指定组织的邮箱列表
// GET /api/v1/mailboxes?organizationId=org-1
func (h *Handler) listMailboxes(c *gin.Context) {
	organizationID := c.Query("organizationId")
	if organizationID == "" {
		BadRequest(c, "organizationId 不能为空")
		return
	}

	mailboxes, err := h.store.ListMailboxesByOrganization(organizationID)
	if err != nil {
		h.logger.Error("查询邮箱列表失败", zap.String("organization_id", organizationID), zap.Error(err))
		InternalError(c, "查询邮箱列表失败")
		return
	}
	Success(c, gin.H{"mailboxes": mailboxes, "count": len(mailboxes)})
}

package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inboxmetrics/backend/internal/cache"
	"inboxmetrics/backend/internal/domain"
	"inboxmetrics/backend/internal/monitoring"
	"inboxmetrics/backend/internal/storage"
)

// Engine 分析聚合引擎。
//
// 每次运行对前一天的时间桶做整桶重算：逐邮箱计算标量指标，
// 重新推导组织的联系人汇总，最后使分析缓存失效。
// 所有汇总都是重算覆盖，从不增量累加，避免漂移。
type Engine struct {
	store   storage.Store
	cache   cache.AnalyticsCache
	logger  *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewEngine 创建聚合引擎。
func NewEngine(store storage.Store, analyticsCache cache.AnalyticsCache, logger *zap.Logger, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		store:   store,
		cache:   analyticsCache,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetNowFunc 注入时间源（测试用）。
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// Run 执行一次完整的聚合运行。
//
// 单个组织失败不影响其余组织；整体失败只记录日志，下个周期自愈。
func (e *Engine) Run(ctx context.Context) error {
	start := e.now()

	orgs, err := e.store.ListOrganizationIDs()
	if err != nil {
		e.metrics.RecordAggregationRun("error", time.Since(start))
		return fmt.Errorf("list organizations: %w", err)
	}

	written := 0
	failed := 0
	for _, org := range orgs {
		n, err := e.aggregateOrganization(org)
		if err != nil {
			failed++
			e.metrics.RecordError("aggregation", "aggregate")
			e.logger.Error("组织聚合失败",
				zap.String("organization_id", org),
				zap.Error(err),
			)
			continue
		}
		written += n
	}

	if err := e.cache.InvalidateAll(ctx); err != nil {
		e.logger.Error("分析缓存失效失败", zap.Error(err))
	} else {
		e.metrics.RecordCacheInvalidation()
	}

	result := "success"
	if failed > 0 {
		result = "partial"
	}
	e.metrics.RecordAggregationRun(result, time.Since(start))
	e.metrics.RecordAggregatesWritten(written)

	e.logger.Info("聚合运行完成",
		zap.Int("organizations", len(orgs)),
		zap.Int("failed", failed),
		zap.Int("aggregates", written),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// bucketStart 返回当前运行对应的时间桶起点（前一天零点 UTC）。
func (e *Engine) bucketStart() time.Time {
	now := e.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -1)
}

// aggregateOrganization 重算单个组织的全部指标，返回写入的聚合行数。
func (e *Engine) aggregateOrganization(organizationID string) (int, error) {
	bucket := e.bucketStart()
	bucketEnd := bucket.Add(24 * time.Hour)
	written := 0

	mailboxes, err := e.store.ListMailboxesByOrganization(organizationID)
	if err != nil {
		return 0, fmt.Errorf("list mailboxes: %w", err)
	}

	for _, mailbox := range mailboxes {
		n, err := e.aggregateMailbox(&mailbox, bucket, bucketEnd)
		if err != nil {
			return written, err
		}
		written += n
	}

	if err := e.deriveThreadRollups(organizationID); err != nil {
		return written, err
	}

	contacts, err := e.deriveContacts(organizationID)
	if err != nil {
		return written, err
	}

	// 联系人参与度 = 桶内有过往来的联系人的平均响应率
	var engaged []float64
	for _, contact := range contacts {
		if contact.LastContactAt != nil &&
			!contact.LastContactAt.Before(bucket) && contact.LastContactAt.Before(bucketEnd) {
			engaged = append(engaged, contact.ResponseRate)
		}
	}
	if err := e.upsert(domain.AggregateContactEngagement, bucket, organizationID, "", mean(engaged)); err != nil {
		return written, err
	}
	written++

	return written, nil
}

// aggregateMailbox 计算单个邮箱在桶内的标量指标。
func (e *Engine) aggregateMailbox(mailbox *domain.Mailbox, bucket, bucketEnd time.Time) (int, error) {
	messages, err := e.store.ListMessagesByMailboxAndRange(mailbox.ID, bucket, bucketEnd)
	if err != nil {
		return 0, fmt.Errorf("list messages for %s: %w", mailbox.ID, err)
	}
	threads, err := e.store.ListThreadsByMailboxAndRange(mailbox.ID, bucket, bucketEnd)
	if err != nil {
		return 0, fmt.Errorf("list threads for %s: %w", mailbox.ID, err)
	}

	var sent, received float64
	var sentiments []float64
	for _, msg := range messages {
		if msg.IsSent {
			sent++
		} else {
			received++
		}
		if msg.Sentiment != nil {
			sentiments = append(sentiments, *msg.Sentiment)
		}
	}

	var samples []float64
	for _, thread := range threads {
		if thread.ResponseTime != nil {
			samples = append(samples, float64(*thread.ResponseTime))
		}
	}
	sort.Float64s(samples)

	values := map[domain.AggregateType]float64{
		domain.AggregateVolumeSent:         sent,
		domain.AggregateVolumeReceived:     received,
		domain.AggregateResponseTimeAvg:    mean(samples),
		domain.AggregateResponseTimeMedian: median(samples),
		domain.AggregateResponseTimeP90:    p90(samples),
		domain.AggregateSentimentAvg:       mean(sentiments),
	}

	written := 0
	for aggType, value := range values {
		if err := e.upsert(aggType, bucket, mailbox.OrganizationID, mailbox.UserID, value); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// resolvedAfter 会话判定已解决所需的静默时长
const resolvedAfter = 24 * time.Hour

// deriveThreadRollups 从当前邮件行整体重算组织的会话汇总。
//
// resolved 依赖墙钟：上次同步时静默不足 24 小时的会话，
// 只有在这里重算才会随时间推移翻转为已解决。
func (e *Engine) deriveThreadRollups(organizationID string) error {
	messages, err := e.store.ListMessagesByOrganization(organizationID)
	if err != nil {
		return fmt.Errorf("list messages for thread rollup: %w", err)
	}

	byThread := make(map[string][]domain.Message)
	for _, msg := range messages {
		if msg.ThreadID != "" {
			byThread[msg.ThreadID] = append(byThread[msg.ThreadID], msg)
		}
	}

	now := e.now().UTC()
	for threadID, msgs := range byThread {
		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		})

		first := msgs[0]
		last := msgs[len(msgs)-1]

		var responseTime *int
		if len(msgs) > 1 {
			minutes := int(last.Timestamp.Sub(first.Timestamp).Minutes())
			responseTime = &minutes
		}

		thread := &domain.Thread{
			ID:             uuid.New().String(),
			ThreadID:       threadID,
			OrganizationID: organizationID,
			MailboxID:      first.MailboxID,
			Subject:        first.Subject,
			MessageCount:   len(msgs),
			LastMessageAt:  last.Timestamp,
			ResponseTime:   responseTime,
			Resolved:       last.IsSent && now.Sub(last.Timestamp) > resolvedAfter,
		}
		if err := e.store.UpsertThread(thread); err != nil {
			return fmt.Errorf("upsert thread %s: %w", threadID, err)
		}
	}
	return nil
}

// deriveContacts 从当前邮件与会话行整体重新推导组织的联系人汇总。
func (e *Engine) deriveContacts(organizationID string) ([]domain.Contact, error) {
	messages, err := e.store.ListMessagesByOrganization(organizationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	threads, err := e.store.ListThreadsByOrganization(organizationID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	threadsByID := make(map[string]*domain.Thread, len(threads))
	for i := range threads {
		threadsByID[threads[i].ThreadID] = &threads[i]
	}

	type contactStats struct {
		messageCount  int
		name          string    // 最近一封来信携带的显示名
		nameAt        time.Time // 该显示名对应的来信时间
		lastContactAt time.Time
		threadIDs     map[string]bool // 对方来信所在的会话
		repliedIDs    map[string]bool // 其中我方有回复的会话
	}
	stats := make(map[string]*contactStats)

	ensure := func(email string) *contactStats {
		s, ok := stats[email]
		if !ok {
			s = &contactStats{
				threadIDs:  make(map[string]bool),
				repliedIDs: make(map[string]bool),
			}
			stats[email] = s
		}
		return s
	}

	// 会话内是否存在我方发出的邮件
	sentInThread := make(map[string]bool)
	for _, msg := range messages {
		if msg.IsSent && msg.ThreadID != "" {
			sentInThread[msg.ThreadID] = true
		}
	}

	for _, msg := range messages {
		var counterparts []string
		if msg.IsSent {
			for _, to := range strings.Split(msg.ToAddresses, ",") {
				if addr := strings.TrimSpace(to); addr != "" {
					counterparts = append(counterparts, addr)
				}
			}
		} else if msg.FromAddress != "" {
			counterparts = []string{msg.FromAddress}
		}

		for _, email := range counterparts {
			s := ensure(email)
			s.messageCount++
			if msg.Timestamp.After(s.lastContactAt) {
				s.lastContactAt = msg.Timestamp
			}
			if !msg.IsSent && msg.FromName != "" && msg.Timestamp.After(s.nameAt) {
				s.name = msg.FromName
				s.nameAt = msg.Timestamp
			}
			if !msg.IsSent && msg.ThreadID != "" {
				s.threadIDs[msg.ThreadID] = true
				if sentInThread[msg.ThreadID] {
					s.repliedIDs[msg.ThreadID] = true
				}
			}
		}
	}

	contacts := make([]domain.Contact, 0, len(stats))
	for email, s := range stats {
		var responseTimes []float64
		for threadID := range s.threadIDs {
			if thread, ok := threadsByID[threadID]; ok && thread.ResponseTime != nil {
				responseTimes = append(responseTimes, float64(*thread.ResponseTime))
			}
		}

		var responseRate float64
		if len(s.threadIDs) > 0 {
			responseRate = float64(len(s.repliedIDs)) / float64(len(s.threadIDs))
		}

		lastContactAt := s.lastContactAt
		contact := domain.Contact{
			ID:              uuid.New().String(),
			Email:           email,
			OrganizationID:  organizationID,
			Name:            s.name,
			Domain:          emailDomain(email),
			MessageCount:    s.messageCount,
			ResponseRate:    responseRate,
			AvgResponseTime: mean(responseTimes),
			LastContactAt:   &lastContactAt,
		}
		if err := e.store.UpsertContact(&contact); err != nil {
			return nil, fmt.Errorf("upsert contact %s: %w", email, err)
		}
		contacts = append(contacts, contact)
	}

	return contacts, nil
}

// upsert 写入一个聚合行。
func (e *Engine) upsert(aggType domain.AggregateType, date time.Time, organizationID, userID string, value float64) error {
	aggregate := &domain.AnalyticsAggregate{
		ID:             uuid.New().String(),
		Type:           aggType,
		Date:           date,
		OrganizationID: organizationID,
		UserID:         userID,
		Value:          value,
	}
	if err := e.store.UpsertAggregate(aggregate); err != nil {
		return fmt.Errorf("upsert aggregate %s: %w", aggType, err)
	}
	return nil
}

// ========== 统计辅助函数 ==========

// mean 算术平均，空样本返回 0。
func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// median 中位数：排序后取中间元素，空样本返回 0。
func median(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)/2]
}

// p90 第 90 百分位：排序后取下标 floor(n*0.9)，空样本返回 0。
func p90(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted))*0.9)]
}

// emailDomain 返回邮箱地址的域名部分。
func emailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}

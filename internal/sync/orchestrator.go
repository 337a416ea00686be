package sync

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inboxmetrics/backend/internal/config"
	"inboxmetrics/backend/internal/connector"
	"inboxmetrics/backend/internal/domain"
	"inboxmetrics/backend/internal/enrich"
	"inboxmetrics/backend/internal/monitoring"
	"inboxmetrics/backend/internal/storage"
	"inboxmetrics/backend/internal/vault"
)

// Mode 同步模式
type Mode string

const (
	// ModeFull 全量模式：固定拉取窗口，用于首次回填
	ModeFull Mode = "full"
	// ModeIncremental 增量模式：窗口按上次同步时间推算
	ModeIncremental Mode = "incremental"
)

const (
	// resolvedAfter 会话判定已解决所需的静默时长
	resolvedAfter = 24 * time.Hour
	// tokenRefreshSkew 令牌过期前的提前刷新余量
	tokenRefreshSkew = 2 * time.Minute
)

// SyncResult 单次邮箱同步的结果。
type SyncResult struct {
	MessagesProcessed int `json:"messagesProcessed"`
	ThreadsProcessed  int `json:"threadsProcessed"`
}

// Orchestrator 同步编排器。
//
// 负责单邮箱同步的完整流程：解密凭证、刷新令牌、拉取邮件、
// 富化入库、重算会话，以及认证失败时停用邮箱。
type Orchestrator struct {
	store    storage.Store
	vault    *vault.Vault
	registry *Registry
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	cfg      config.SyncConfig
}

// NewOrchestrator 创建同步编排器。
func NewOrchestrator(store storage.Store, v *vault.Vault, registry *Registry, cfg config.SyncConfig, logger *zap.Logger, metrics *monitoring.Metrics) *Orchestrator {
	return &Orchestrator{
		store:    store,
		vault:    v,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// SyncMailbox 同步单个邮箱。
//
// 不活跃邮箱直接返回零结果，不触碰提供商。
// 认证失败时停用邮箱并向上传播错误；单封邮件数据异常只跳过该邮件。
func (o *Orchestrator) SyncMailbox(ctx context.Context, mailboxID string, mode Mode) (*SyncResult, error) {
	start := time.Now()

	mailbox, err := o.store.GetMailbox(mailboxID)
	if err != nil {
		return nil, fmt.Errorf("load mailbox %s: %w", mailboxID, err)
	}
	if !mailbox.IsActive {
		o.logger.Debug("邮箱不活跃，跳过同步", zap.String("mailbox_id", mailboxID))
		return &SyncResult{}, nil
	}

	creds, err := o.decryptCredentials(mailbox)
	if err != nil {
		return nil, err
	}

	conn, err := o.registry.Get(ctx, mailbox, creds)
	if err != nil {
		return nil, fmt.Errorf("create connector for %s: %w", mailboxID, err)
	}

	if err := o.ensureFreshToken(ctx, mailbox, conn); err != nil {
		if domain.IsAuthError(err) {
			return nil, o.disableMailbox(mailbox, err)
		}
		return nil, err
	}

	days := o.windowDays(mailbox, mode)
	o.logger.Info("开始同步邮箱",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("email", mailbox.Email),
		zap.String("mode", string(mode)),
		zap.Int("window_days", days),
	)

	messages, err := conn.ListRecentMessages(ctx, days)
	if err != nil {
		o.metrics.RecordSync(string(mode), "error", time.Since(start))
		if domain.IsAuthError(err) {
			return nil, o.disableMailbox(mailbox, err)
		}
		return nil, fmt.Errorf("list messages for %s: %w", mailboxID, err)
	}

	ingested, touched, err := o.ingest(mailbox, messages)
	if err != nil {
		o.metrics.RecordSync(string(mode), "error", time.Since(start))
		return nil, err
	}

	derived, err := o.deriveThreads(mailbox, touched)
	if err != nil {
		o.metrics.RecordSync(string(mode), "error", time.Since(start))
		return nil, err
	}

	if err := o.store.UpdateLastSync(mailbox.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("update last sync for %s: %w", mailboxID, err)
	}

	o.metrics.RecordSync(string(mode), "success", time.Since(start))
	o.metrics.RecordMessagesIngested(ingested)
	o.metrics.RecordThreadsDerived(derived)

	o.logger.Info("邮箱同步完成",
		zap.String("mailbox_id", mailbox.ID),
		zap.Int("messages", ingested),
		zap.Int("threads", derived),
		zap.Duration("duration", time.Since(start)),
	)
	return &SyncResult{MessagesProcessed: ingested, ThreadsProcessed: derived}, nil
}

// SyncAllActiveMailboxes 以指定模式批量同步全部活跃邮箱。
//
// 按固定并发批次运行，批次之间留出延迟照顾提供商限流；
// 单个邮箱失败不影响其余邮箱。从未同步过的邮箱无论指定何种
// 模式都按全量窗口拉取，保证首次接入不留缺口。
func (o *Orchestrator) SyncAllActiveMailboxes(ctx context.Context, mode Mode) error {
	mailboxes, err := o.store.ListActiveMailboxes(domain.ProviderGmail)
	if err != nil {
		return fmt.Errorf("list active mailboxes: %w", err)
	}

	o.metrics.UpdateMailboxesActive(len(mailboxes))
	if len(mailboxes) == 0 {
		return nil
	}

	batchSize := o.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	var failed atomic.Int64
	for i := 0; i < len(mailboxes); i += batchSize {
		end := i + batchSize
		if end > len(mailboxes) {
			end = len(mailboxes)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, mailbox := range mailboxes[i:end] {
			mailbox := mailbox
			g.Go(func() error {
				mailboxMode := mode
				if mailbox.LastSyncAt == nil {
					mailboxMode = ModeFull
				}
				if _, err := o.SyncMailbox(gctx, mailbox.ID, mailboxMode); err != nil {
					failed.Add(1)
					o.metrics.RecordError("sync", "orchestrator")
					o.logger.Error("邮箱同步失败",
						zap.String("mailbox_id", mailbox.ID),
						zap.String("email", mailbox.Email),
						zap.Error(err),
					)
				}
				// 隔离失败，不中断其余邮箱
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if end < len(mailboxes) && o.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.BatchDelay):
			}
		}
	}

	o.logger.Info("批量同步完成",
		zap.Int("total", len(mailboxes)),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}

// RefreshCredentials 主动刷新邮箱的访问令牌并落盘。
func (o *Orchestrator) RefreshCredentials(ctx context.Context, mailboxID string) error {
	mailbox, err := o.store.GetMailbox(mailboxID)
	if err != nil {
		return fmt.Errorf("load mailbox %s: %w", mailboxID, err)
	}
	if !mailbox.IsActive {
		return fmt.Errorf("mailbox %s is inactive", mailboxID)
	}

	creds, err := o.decryptCredentials(mailbox)
	if err != nil {
		return err
	}

	conn, err := o.registry.Get(ctx, mailbox, creds)
	if err != nil {
		return fmt.Errorf("create connector for %s: %w", mailboxID, err)
	}

	if err := o.refreshToken(ctx, mailbox, conn); err != nil {
		if domain.IsAuthError(err) {
			return o.disableMailbox(mailbox, err)
		}
		return err
	}
	return nil
}

// SweepInactiveMailboxes 删除超过保留期的不活跃邮箱及其数据。
func (o *Orchestrator) SweepInactiveMailboxes(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-o.cfg.RetentionInactive)
	deleted, err := o.store.DeleteInactiveMailboxes(cutoff)
	if err != nil {
		return fmt.Errorf("sweep inactive mailboxes: %w", err)
	}
	if deleted > 0 {
		o.logger.Info("清理不活跃邮箱", zap.Int("deleted", deleted))
	}
	return nil
}

// windowDays 计算拉取窗口天数。
//
// 全量模式使用固定窗口；增量模式按上次同步时间向上取整到天，
// 至少 1 天，保证边界邮件不被漏掉。
func (o *Orchestrator) windowDays(mailbox *domain.Mailbox, mode Mode) int {
	if mode == ModeFull {
		return o.cfg.FullWindowDays
	}
	if mailbox.LastSyncAt == nil {
		return 1
	}
	elapsed := time.Since(*mailbox.LastSyncAt)
	days := int(math.Ceil(elapsed.Hours() / 24))
	if days < 1 {
		days = 1
	}
	return days
}

// decryptCredentials 解密邮箱的提供商凭证。
func (o *Orchestrator) decryptCredentials(mailbox *domain.Mailbox) (*domain.Credentials, error) {
	accessToken, err := o.vault.Decrypt(mailbox.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token for %s: %w", mailbox.ID, err)
	}
	// 刷新令牌可选
	var refreshToken string
	if mailbox.EncryptedRefreshToken != "" {
		refreshToken, err = o.vault.Decrypt(mailbox.EncryptedRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token for %s: %w", mailbox.ID, err)
		}
	}
	return &domain.Credentials{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       mailbox.TokenExpiry,
	}, nil
}

// ensureFreshToken 在令牌临近过期时刷新。
func (o *Orchestrator) ensureFreshToken(ctx context.Context, mailbox *domain.Mailbox, conn connector.Connector) error {
	if mailbox.TokenExpiry == nil || time.Now().Add(tokenRefreshSkew).Before(*mailbox.TokenExpiry) {
		return nil
	}
	return o.refreshToken(ctx, mailbox, conn)
}

// refreshToken 刷新访问令牌并以密文形式落盘。
func (o *Orchestrator) refreshToken(ctx context.Context, mailbox *domain.Mailbox, conn connector.Connector) error {
	refreshed, err := conn.RefreshAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("refresh token for %s: %w", mailbox.ID, err)
	}

	encrypted, err := o.vault.Encrypt(refreshed.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt refreshed token for %s: %w", mailbox.ID, err)
	}

	expiry := refreshed.ExpiryDate
	if err := o.store.UpdateCredentials(mailbox.ID, encrypted, &expiry); err != nil {
		return fmt.Errorf("persist refreshed token for %s: %w", mailbox.ID, err)
	}

	mailbox.EncryptedAccessToken = encrypted
	mailbox.TokenExpiry = &expiry

	// 旧连接器持有过期令牌，下次同步重建
	o.registry.Evict(mailbox.ID)

	o.metrics.RecordTokenRefreshed()
	o.logger.Info("访问令牌已刷新",
		zap.String("mailbox_id", mailbox.ID),
		zap.Time("expiry", expiry),
	)
	return nil
}

// ingest 将规范邮件记录富化后写入存储，返回写入数和触及的会话集合。
func (o *Orchestrator) ingest(mailbox *domain.Mailbox, messages []connector.CanonicalMessage) (int, map[string]bool, error) {
	touched := make(map[string]bool)
	ingested := 0

	for _, msg := range messages {
		if err := validate(&msg); err != nil {
			o.logger.Warn("跳过数据异常的邮件",
				zap.String("mailbox_id", mailbox.ID),
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
			o.metrics.RecordError("data_integrity", "sync")
			continue
		}

		record := &domain.Message{
			ID:              uuid.New().String(),
			MessageID:       msg.MessageID,
			OrganizationID:  mailbox.OrganizationID,
			ThreadID:        msg.ThreadID,
			MailboxID:       mailbox.ID,
			UserID:          mailbox.UserID,
			Subject:         msg.Subject,
			FromAddress:     msg.From,
			FromName:        msg.FromName,
			ToAddresses:     strings.Join(msg.To, ","),
			CcAddresses:     strings.Join(msg.Cc, ","),
			BccAddresses:    strings.Join(msg.Bcc, ","),
			Timestamp:       msg.Timestamp,
			IsRead:          msg.IsRead,
			IsSent:          msg.IsSent,
			HasAttachments:  msg.HasAttachments,
			AttachmentCount: msg.AttachmentCount,
			Labels:          strings.Join(msg.Labels, ","),
			BodyLength:      msg.BodyLength,
			Sentiment:       enrich.Sentiment(msg.Subject),
			Priority:        enrich.Priority(msg.Labels, msg.Subject),
			Category:        enrich.Category(msg.Labels),
		}

		if err := o.store.UpsertMessage(record); err != nil {
			if domain.IsDataIntegrityError(err) {
				o.logger.Warn("跳过写入失败的邮件",
					zap.String("message_id", msg.MessageID),
					zap.Error(err),
				)
				o.metrics.RecordError("data_integrity", "sync")
				continue
			}
			return ingested, touched, fmt.Errorf("upsert message %s: %w", msg.MessageID, err)
		}

		if msg.ThreadID != "" {
			touched[msg.ThreadID] = true
		}
		ingested++
	}

	return ingested, touched, nil
}

// deriveThreads 重算本次同步触及的会话汇总。
//
// 会话始终从当前邮件行整体重算，不做增量修改。
func (o *Orchestrator) deriveThreads(mailbox *domain.Mailbox, touched map[string]bool) (int, error) {
	if len(touched) == 0 {
		return 0, nil
	}

	all, err := o.store.ListMessagesByOrganization(mailbox.OrganizationID)
	if err != nil {
		return 0, fmt.Errorf("list messages for thread derivation: %w", err)
	}

	byThread := make(map[string][]domain.Message)
	for _, msg := range all {
		if touched[msg.ThreadID] {
			byThread[msg.ThreadID] = append(byThread[msg.ThreadID], msg)
		}
	}

	derived := 0
	now := time.Now().UTC()
	for threadID, msgs := range byThread {
		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		})

		first := msgs[0]
		last := msgs[len(msgs)-1]

		// 单邮件会话没有响应时间
		var responseTime *int
		if len(msgs) > 1 {
			minutes := int(last.Timestamp.Sub(first.Timestamp).Minutes())
			responseTime = &minutes
		}

		thread := &domain.Thread{
			ID:             uuid.New().String(),
			ThreadID:       threadID,
			OrganizationID: mailbox.OrganizationID,
			MailboxID:      mailbox.ID,
			Subject:        first.Subject,
			MessageCount:   len(msgs),
			LastMessageAt:  last.Timestamp,
			ResponseTime:   responseTime,
			Resolved:       last.IsSent && now.Sub(last.Timestamp) > resolvedAfter,
		}

		if err := o.store.UpsertThread(thread); err != nil {
			return derived, fmt.Errorf("upsert thread %s: %w", threadID, err)
		}
		derived++
	}

	return derived, nil
}

// disableMailbox 停用认证失败的邮箱并传播原始错误。
func (o *Orchestrator) disableMailbox(mailbox *domain.Mailbox, cause error) error {
	if err := o.store.SetMailboxActive(mailbox.ID, false); err != nil {
		o.logger.Error("停用邮箱失败",
			zap.String("mailbox_id", mailbox.ID),
			zap.Error(err),
		)
	}
	o.registry.Evict(mailbox.ID)
	o.metrics.RecordMailboxDisabled()

	o.logger.Warn("认证失败，邮箱已停用",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("email", mailbox.Email),
		zap.Error(cause),
	)
	return fmt.Errorf("mailbox %s disabled after auth failure: %w", mailbox.ID, cause)
}

// validate 校验规范邮件记录的必备字段。
func validate(msg *connector.CanonicalMessage) error {
	if msg.MessageID == "" {
		return &domain.DataIntegrityError{MessageID: msg.MessageID, Err: fmt.Errorf("missing message id")}
	}
	if msg.Timestamp.IsZero() {
		return &domain.DataIntegrityError{MessageID: msg.MessageID, Err: fmt.Errorf("missing timestamp")}
	}
	return nil
}

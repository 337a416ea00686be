package connector

import (
	"context"
	"time"

	"inboxmetrics/backend/internal/domain"
)

// CanonicalMessage 表示提供商邮件解析后的规范记录。
//
// IsRead/IsSent 只由标签集推导，与处理顺序无关。
type CanonicalMessage struct {
	MessageID       string
	ThreadID        string
	Subject         string
	From            string // 纯地址，不含显示名
	FromName        string // 发件人显示名，可为空
	To              []string
	Cc              []string
	Bcc             []string
	Timestamp       time.Time
	IsRead          bool
	IsSent          bool
	HasAttachments  bool
	AttachmentCount int
	Labels          []string
	BodyLength      int
}

// RefreshedToken 刷新访问令牌的结果。
type RefreshedToken struct {
	AccessToken string
	ExpiryDate  time.Time
}

// Connector 定义同步编排器消费的提供商连接器契约。
//
// 实现方负责认证、按时间窗口列取邮件并解析为规范记录。
// 凭证失效时返回 AuthError，限流等瞬时故障返回 TransientProviderError。
type Connector interface {
	// ListRecentMessages 返回最近 days 天内的全部规范邮件记录。
	ListRecentMessages(ctx context.Context, days int) ([]CanonicalMessage, error)

	// RefreshAccessToken 用刷新令牌换取新的访问令牌。
	// 刷新令牌本身失效时返回 AuthError。
	RefreshAccessToken(ctx context.Context) (*RefreshedToken, error)
}

// Factory 按邮箱创建连接器实例。
//
// 依赖注入点：编排器不关心具体提供商，测试可替换为假实现。
type Factory func(ctx context.Context, mailbox *domain.Mailbox, creds *domain.Credentials) (Connector, error)

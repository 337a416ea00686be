package storage

import (
	"time"

	"inboxmetrics/backend/internal/domain"
)

// MailboxRepository 定义邮箱数据存取操作。
type MailboxRepository interface {
	SaveMailbox(mailbox *domain.Mailbox) error
	GetMailbox(id string) (*domain.Mailbox, error)
	ListActiveMailboxes(provider domain.Provider) ([]domain.Mailbox, error)
	ListMailboxesByOrganization(organizationID string) ([]domain.Mailbox, error)
	SetMailboxActive(id string, active bool) error
	UpdateLastSync(id string, syncedAt time.Time) error
	UpdateCredentials(id string, encryptedAccessToken string, expiry *time.Time) error
	// DeleteInactiveMailboxes 删除在指定时刻之前就已不活跃的邮箱（保留期清理），返回删除数量
	DeleteInactiveMailboxes(inactiveSince time.Time) (int, error)
	// ListOrganizationIDs 枚举存在邮箱的全部组织
	ListOrganizationIDs() ([]string, error)
}

// MessageRepository 定义邮件数据存取操作。
//
// 写入以 (MessageID, OrganizationID) 为键做 upsert，永不产生重复行。
type MessageRepository interface {
	UpsertMessage(message *domain.Message) error
	ListMessagesByMailboxAndRange(mailboxID string, from, to time.Time) ([]domain.Message, error)
	ListMessagesByOrganization(organizationID string) ([]domain.Message, error)
}

// ThreadRepository 定义会话数据存取操作。
type ThreadRepository interface {
	UpsertThread(thread *domain.Thread) error
	GetThread(threadID, organizationID string) (*domain.Thread, error)
	ListThreadsByOrganization(organizationID string) ([]domain.Thread, error)
	ListThreadsByMailboxAndRange(mailboxID string, from, to time.Time) ([]domain.Thread, error)
}

// ContactRepository 定义联系人数据存取操作。
type ContactRepository interface {
	UpsertContact(contact *domain.Contact) error
	ListContactsByOrganization(organizationID string) ([]domain.Contact, error)
}

// AggregateRepository 定义分析聚合数据存取操作。
//
// 写入以 (Type, Date, OrganizationID, UserID) 为键做 upsert，重算整桶覆盖。
type AggregateRepository interface {
	UpsertAggregate(aggregate *domain.AnalyticsAggregate) error
	ListAggregates(organizationID string, from, to time.Time) ([]domain.AnalyticsAggregate, error)
}

// Store 定义完整的存储接口。
type Store interface {
	MailboxRepository
	MessageRepository
	ThreadRepository
	ContactRepository
	AggregateRepository

	// 工具方法
	Close() error
	Health() error
}

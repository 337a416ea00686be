package domain

import "time"

// Thread 表示一个会话（提供商定义的邮件分组）。
//
// 身份键为 (ThreadID, OrganizationID)，每次触及其任一邮件的同步都会重算该记录。
type Thread struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ThreadID       string     `json:"threadId" gorm:"type:varchar(128);uniqueIndex:idx_thread_org;not null"`
	OrganizationID string     `json:"organizationId" gorm:"type:varchar(36);uniqueIndex:idx_thread_org;index;not null"`
	MailboxID      string     `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	Subject        string     `json:"subject" gorm:"type:varchar(500)"`
	MessageCount   int        `json:"messageCount" gorm:"default:0"`
	LastMessageAt  time.Time  `json:"lastMessageAt" gorm:"index"`
	ResponseTime   *int       `json:"responseTime,omitempty"` // 首尾邮件间隔（分钟），单邮件会话为 nil
	Resolved       bool       `json:"resolved" gorm:"default:false"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

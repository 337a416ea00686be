package domain

import "time"

// MessagePriority 邮件优先级
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityMedium MessagePriority = "medium"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// Message 表示一封已归一化的邮件。
//
// 身份键为 (MessageID, OrganizationID)，写入采用 upsert，永不重复。
// 除富化字段（Sentiment/Priority/Category）外，写入后不可变。
type Message struct {
	ID             string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID      string          `json:"messageId" gorm:"type:varchar(128);uniqueIndex:idx_message_org;not null"`
	OrganizationID string          `json:"organizationId" gorm:"type:varchar(36);uniqueIndex:idx_message_org;index;not null"`
	ThreadID       string          `json:"threadId" gorm:"type:varchar(128);index"`
	MailboxID      string          `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	UserID         string          `json:"userId" gorm:"type:varchar(36);index"`
	Subject        string          `json:"subject" gorm:"type:varchar(500)"`
	FromAddress    string          `json:"from" gorm:"type:varchar(255);index"`
	FromName       string          `json:"fromName,omitempty" gorm:"type:varchar(255)"`
	ToAddresses    string          `json:"to" gorm:"type:text"`  // 逗号分隔
	CcAddresses    string          `json:"cc" gorm:"type:text"`  // 逗号分隔
	BccAddresses   string          `json:"bcc" gorm:"type:text"` // 逗号分隔
	Timestamp      time.Time       `json:"timestamp" gorm:"index"`
	IsRead         bool            `json:"isRead" gorm:"default:false"`
	IsSent         bool            `json:"isSent" gorm:"default:false;index"`
	HasAttachments bool            `json:"hasAttachments" gorm:"default:false"`
	AttachmentCount int            `json:"attachmentCount" gorm:"default:0"`
	Labels         string          `json:"labels" gorm:"type:text"` // 逗号分隔
	BodyLength     int             `json:"bodyLength" gorm:"default:0"`
	Sentiment      *float64        `json:"sentiment,omitempty"`
	Priority       MessagePriority `json:"priority" gorm:"type:varchar(16);default:'medium'"`
	Category       string          `json:"category,omitempty" gorm:"type:varchar(64)"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

package domain

import (
	"time"
)

// Provider 表示邮件服务提供商类型
type Provider string

const (
	// ProviderGmail Gmail 提供商
	ProviderGmail Provider = "gmail"
)

// Mailbox 表示一个被接入的邮箱账户的业务实体。
//
// 同步过程中邮箱永远不会被硬删除：认证失败时标记为 inactive，
// 只有保留期清理任务才会删除长期不活跃的邮箱。
type Mailbox struct {
	ID                    string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email                 string     `json:"email" gorm:"type:varchar(255);index"`
	Provider              Provider   `json:"provider" gorm:"type:varchar(32);index"`
	EncryptedAccessToken  string     `json:"-" gorm:"type:text"`
	EncryptedRefreshToken string     `json:"-" gorm:"type:text"`
	TokenExpiry           *time.Time `json:"tokenExpiry,omitempty"`
	OrganizationID        string     `json:"organizationId" gorm:"type:varchar(36);index;not null"`
	UserID                string     `json:"userId" gorm:"type:varchar(36);index"`
	IsActive              bool       `json:"isActive" gorm:"default:true;index"`
	LastSyncAt            *time.Time `json:"lastSyncAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Credentials 表示解密后的提供商凭证（仅存在于内存中，不落盘）。
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       *time.Time
}

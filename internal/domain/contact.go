package domain

import "time"

// Contact 表示一个通信对端地址的统计实体。
//
// 由聚合引擎基于当前 Message/Thread 行重新推导，从不做增量计数，避免漂移。
type Contact struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email           string     `json:"email" gorm:"type:varchar(255);uniqueIndex:idx_contact_org;not null"`
	OrganizationID  string     `json:"organizationId" gorm:"type:varchar(36);uniqueIndex:idx_contact_org;index;not null"`
	Name            string     `json:"name" gorm:"type:varchar(255)"`
	Domain          string     `json:"domain" gorm:"type:varchar(255);index"`
	MessageCount    int        `json:"messageCount" gorm:"default:0"`
	ResponseRate    float64    `json:"responseRate" gorm:"default:0"`
	AvgResponseTime float64    `json:"avgResponseTime" gorm:"default:0"` // 分钟
	LastContactAt   *time.Time `json:"lastContactAt,omitempty" gorm:"index"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

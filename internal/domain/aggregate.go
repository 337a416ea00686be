package domain

import "time"

// AggregateType 聚合指标类型
type AggregateType string

const (
	AggregateVolumeSent         AggregateType = "email_volume_sent"
	AggregateVolumeReceived     AggregateType = "email_volume_received"
	AggregateResponseTimeAvg    AggregateType = "response_time_avg"
	AggregateResponseTimeMedian AggregateType = "response_time_median"
	AggregateResponseTimeP90    AggregateType = "response_time_p90"
	AggregateSentimentAvg       AggregateType = "sentiment_avg"
	AggregateContactEngagement  AggregateType = "contact_engagement"
)

// AnalyticsAggregate 表示一个时间桶上的一个标量指标。
//
// 身份键为 (Type, Date, OrganizationID, UserID)，按桶 upsert，
// 重算时整桶覆盖。分析读取层只直接消费该实体。
type AnalyticsAggregate struct {
	ID             string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Type           AggregateType `json:"type" gorm:"type:varchar(64);uniqueIndex:idx_agg_key;not null"`
	Date           time.Time     `json:"date" gorm:"uniqueIndex:idx_agg_key;index;not null"` // 桶起始时刻（当天零点 UTC）
	OrganizationID string        `json:"organizationId" gorm:"type:varchar(36);uniqueIndex:idx_agg_key;index;not null"`
	UserID         string        `json:"userId" gorm:"type:varchar(36);uniqueIndex:idx_agg_key"` // 空串表示组织级指标
	Value          float64       `json:"value"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"inboxmetrics/backend/internal/domain"
)

// Store 数据库存储实现（支持 PostgreSQL 和 MySQL）。
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例。
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例。
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例。
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构。
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Mailbox{},
		&domain.Message{},
		&domain.Thread{},
		&domain.Contact{},
		&domain.AnalyticsAggregate{},
	)
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	return s.db.Save(mailbox).Error
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.Where("id = ?", id).First(&mailbox).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ListActiveMailboxes 返回指定提供商的全部活跃邮箱。
func (s *Store) ListActiveMailboxes(provider domain.Provider) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.
		Where("provider = ? AND is_active = ?", provider, true).
		Order("created_at ASC").
		Find(&mailboxes).Error
	return mailboxes, err
}

// ListMailboxesByOrganization 返回指定组织的全部邮箱。
func (s *Store) ListMailboxesByOrganization(organizationID string) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.
		Where("organization_id = ?", organizationID).
		Order("created_at ASC").
		Find(&mailboxes).Error
	return mailboxes, err
}

// SetMailboxActive 设置邮箱活跃状态。
func (s *Store) SetMailboxActive(id string, active bool) error {
	result := s.db.Model(&domain.Mailbox{}).
		Where("id = ?", id).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMailboxNotFound
	}
	return nil
}

// UpdateLastSync 更新邮箱的最后同步时间。
func (s *Store) UpdateLastSync(id string, syncedAt time.Time) error {
	result := s.db.Model(&domain.Mailbox{}).
		Where("id = ?", id).
		Update("last_sync_at", syncedAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMailboxNotFound
	}
	return nil
}

// UpdateCredentials 更新邮箱的加密访问令牌。
func (s *Store) UpdateCredentials(id string, encryptedAccessToken string, expiry *time.Time) error {
	result := s.db.Model(&domain.Mailbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"encrypted_access_token": encryptedAccessToken,
			"token_expiry":           expiry,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMailboxNotFound
	}
	return nil
}

// DeleteInactiveMailboxes 删除在指定时刻之前就已不活跃的邮箱（保留期清理）。
func (s *Store) DeleteInactiveMailboxes(inactiveSince time.Time) (int, error) {
	var deleted int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&domain.Mailbox{}).
			Where("is_active = ? AND updated_at < ?", false, inactiveSince).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		// 连带删除邮箱拥有的邮件和会话
		if err := tx.Where("mailbox_id IN ?", ids).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("mailbox_id IN ?", ids).Delete(&domain.Thread{}).Error; err != nil {
			return err
		}

		result := tx.Where("id IN ?", ids).Delete(&domain.Mailbox{})
		if result.Error != nil {
			return result.Error
		}
		deleted = int(result.RowsAffected)
		return nil
	})
	return deleted, err
}

// ListOrganizationIDs 枚举存在邮箱的全部组织。
func (s *Store) ListOrganizationIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&domain.Mailbox{}).
		Distinct("organization_id").
		Order("organization_id ASC").
		Pluck("organization_id", &ids).Error
	return ids, err
}

// ========== Message Repository ==========

// UpsertMessage 按 (MessageID, OrganizationID) 写入邮件，冲突时更新可变字段。
func (s *Store) UpsertMessage(message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "message_id"}, {Name: "organization_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"thread_id", "subject", "is_read", "labels",
			"has_attachments", "attachment_count", "body_length",
			"sentiment", "priority", "category", "updated_at",
		}),
	}).Create(message).Error
}

// ListMessagesByMailboxAndRange 返回邮箱在时间区间 [from, to) 内的邮件。
func (s *Store) ListMessagesByMailboxAndRange(mailboxID string, from, to time.Time) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.
		Where("mailbox_id = ? AND timestamp >= ? AND timestamp < ?", mailboxID, from, to).
		Order("timestamp ASC").
		Find(&messages).Error
	return messages, err
}

// ListMessagesByOrganization 返回组织的全部邮件。
func (s *Store) ListMessagesByOrganization(organizationID string) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.
		Where("organization_id = ?", organizationID).
		Order("timestamp ASC").
		Find(&messages).Error
	return messages, err
}

// ========== Thread Repository ==========

// UpsertThread 按 (ThreadID, OrganizationID) 写入会话，冲突时覆盖计算字段。
func (s *Store) UpsertThread(thread *domain.Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "thread_id"}, {Name: "organization_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subject", "message_count", "last_message_at",
			"response_time", "resolved", "updated_at",
		}),
	}).Create(thread).Error
}

// GetThread 根据 (ThreadID, OrganizationID) 获取会话。
func (s *Store) GetThread(threadID, organizationID string) (*domain.Thread, error) {
	var thread domain.Thread
	err := s.db.
		Where("thread_id = ? AND organization_id = ?", threadID, organizationID).
		First(&thread).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrThreadNotFound
		}
		return nil, err
	}
	return &thread, nil
}

// ListThreadsByOrganization 返回组织的全部会话。
func (s *Store) ListThreadsByOrganization(organizationID string) ([]domain.Thread, error) {
	var threads []domain.Thread
	err := s.db.
		Where("organization_id = ?", organizationID).
		Order("last_message_at ASC").
		Find(&threads).Error
	return threads, err
}

// ListThreadsByMailboxAndRange 返回邮箱最后活跃时间落在 [from, to) 的会话。
func (s *Store) ListThreadsByMailboxAndRange(mailboxID string, from, to time.Time) ([]domain.Thread, error) {
	var threads []domain.Thread
	err := s.db.
		Where("mailbox_id = ? AND last_message_at >= ? AND last_message_at < ?", mailboxID, from, to).
		Order("last_message_at ASC").
		Find(&threads).Error
	return threads, err
}

// ========== Contact Repository ==========

// UpsertContact 按 (Email, OrganizationID) 写入联系人，冲突时覆盖统计字段。
func (s *Store) UpsertContact(contact *domain.Contact) error {
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "email"}, {Name: "organization_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "domain", "message_count", "response_rate",
			"avg_response_time", "last_contact_at", "updated_at",
		}),
	}).Create(contact).Error
}

// ListContactsByOrganization 返回组织的全部联系人。
func (s *Store) ListContactsByOrganization(organizationID string) ([]domain.Contact, error) {
	var contacts []domain.Contact
	err := s.db.
		Where("organization_id = ?", organizationID).
		Order("email ASC").
		Find(&contacts).Error
	return contacts, err
}

// ========== Aggregate Repository ==========

// UpsertAggregate 按 (Type, Date, OrganizationID, UserID) 写入聚合指标，重算整桶覆盖。
func (s *Store) UpsertAggregate(aggregate *domain.AnalyticsAggregate) error {
	if aggregate.ID == "" {
		aggregate.ID = uuid.NewString()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "type"}, {Name: "date"},
			{Name: "organization_id"}, {Name: "user_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(aggregate).Error
}

// ListAggregates 返回组织在时间区间 [from, to] 内的聚合指标。
func (s *Store) ListAggregates(organizationID string, from, to time.Time) ([]domain.AnalyticsAggregate, error) {
	var aggregates []domain.AnalyticsAggregate
	err := s.db.
		Where("organization_id = ? AND date >= ? AND date <= ?", organizationID, from, to).
		Order("date ASC, type ASC").
		Find(&aggregates).Error
	return aggregates, err
}

// ========== 工具方法 ==========

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 数据库健康检查。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

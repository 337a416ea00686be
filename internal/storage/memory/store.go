package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inboxmetrics/backend/internal/domain"
)

// Store 内存存储实现。
//
// 用于开发模式和单元测试，语义与数据库实现保持一致（相同键 upsert 覆盖）。
type Store struct {
	mu         sync.RWMutex
	mailboxes  map[string]*domain.Mailbox            // id -> mailbox
	messages   map[string]*domain.Message            // messageID|orgID -> message
	threads    map[string]*domain.Thread             // threadID|orgID -> thread
	contacts   map[string]*domain.Contact            // email|orgID -> contact
	aggregates map[string]*domain.AnalyticsAggregate // type|date|orgID|userID -> aggregate
}

// NewStore 创建内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:  make(map[string]*domain.Mailbox),
		messages:   make(map[string]*domain.Message),
		threads:    make(map[string]*domain.Thread),
		contacts:   make(map[string]*domain.Contact),
		aggregates: make(map[string]*domain.AnalyticsAggregate),
	}
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if mailbox.CreatedAt.IsZero() {
		mailbox.CreatedAt = now
	}
	mailbox.UpdatedAt = now

	clone := *mailbox
	s.mailboxes[mailbox.ID] = &clone
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	clone := *mailbox
	return &clone, nil
}

// ListActiveMailboxes 返回指定提供商的全部活跃邮箱。
func (s *Store) ListActiveMailboxes(provider domain.Provider) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Mailbox
	for _, mailbox := range s.mailboxes {
		if mailbox.IsActive && mailbox.Provider == provider {
			result = append(result, *mailbox)
		}
	}
	sortMailboxes(result)
	return result, nil
}

// ListMailboxesByOrganization 返回指定组织的全部邮箱。
func (s *Store) ListMailboxesByOrganization(organizationID string) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Mailbox
	for _, mailbox := range s.mailboxes {
		if mailbox.OrganizationID == organizationID {
			result = append(result, *mailbox)
		}
	}
	sortMailboxes(result)
	return result, nil
}

// SetMailboxActive 设置邮箱活跃状态。
func (s *Store) SetMailboxActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	mailbox.IsActive = active
	mailbox.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateLastSync 更新邮箱的最后同步时间。
func (s *Store) UpdateLastSync(id string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	mailbox.LastSyncAt = &syncedAt
	mailbox.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateCredentials 更新邮箱的加密访问令牌。
func (s *Store) UpdateCredentials(id string, encryptedAccessToken string, expiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	mailbox.EncryptedAccessToken = encryptedAccessToken
	mailbox.TokenExpiry = expiry
	mailbox.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteInactiveMailboxes 删除在指定时刻之前就已不活跃的邮箱。
func (s *Store) DeleteInactiveMailboxes(inactiveSince time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, mailbox := range s.mailboxes {
		if !mailbox.IsActive && mailbox.UpdatedAt.Before(inactiveSince) {
			delete(s.mailboxes, id)
			deleted++
		}
	}
	return deleted, nil
}

// ListOrganizationIDs 枚举存在邮箱的全部组织。
func (s *Store) ListOrganizationIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []string
	for _, mailbox := range s.mailboxes {
		if _, ok := seen[mailbox.OrganizationID]; !ok {
			seen[mailbox.OrganizationID] = struct{}{}
			result = append(result, mailbox.OrganizationID)
		}
	}
	sort.Strings(result)
	return result, nil
}

// ========== Message Repository ==========

// UpsertMessage 按 (MessageID, OrganizationID) 写入邮件。
func (s *Store) UpsertMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := message.MessageID + "|" + message.OrganizationID
	now := time.Now().UTC()

	if existing, ok := s.messages[key]; ok {
		// 保留首次写入的行 ID 与创建时间
		message.ID = existing.ID
		message.CreatedAt = existing.CreatedAt
	} else {
		if message.ID == "" {
			message.ID = uuid.NewString()
		}
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	clone := *message
	s.messages[key] = &clone
	return nil
}

// ListMessagesByMailboxAndRange 返回邮箱在时间区间 [from, to) 内的邮件。
func (s *Store) ListMessagesByMailboxAndRange(mailboxID string, from, to time.Time) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Message
	for _, message := range s.messages {
		if message.MailboxID == mailboxID &&
			!message.Timestamp.Before(from) && message.Timestamp.Before(to) {
			result = append(result, *message)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// ListMessagesByOrganization 返回组织的全部邮件。
func (s *Store) ListMessagesByOrganization(organizationID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Message
	for _, message := range s.messages {
		if message.OrganizationID == organizationID {
			result = append(result, *message)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// ========== Thread Repository ==========

// UpsertThread 按 (ThreadID, OrganizationID) 写入会话。
func (s *Store) UpsertThread(thread *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := thread.ThreadID + "|" + thread.OrganizationID
	now := time.Now().UTC()

	if existing, ok := s.threads[key]; ok {
		thread.ID = existing.ID
		thread.CreatedAt = existing.CreatedAt
	} else {
		if thread.ID == "" {
			thread.ID = uuid.NewString()
		}
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now

	clone := *thread
	s.threads[key] = &clone
	return nil
}

// GetThread 根据 (ThreadID, OrganizationID) 获取会话。
func (s *Store) GetThread(threadID, organizationID string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadID+"|"+organizationID]
	if !ok {
		return nil, domain.ErrThreadNotFound
	}
	clone := *thread
	return &clone, nil
}

// ListThreadsByOrganization 返回组织的全部会话。
func (s *Store) ListThreadsByOrganization(organizationID string) ([]domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Thread
	for _, thread := range s.threads {
		if thread.OrganizationID == organizationID {
			result = append(result, *thread)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt.Before(result[j].LastMessageAt)
	})
	return result, nil
}

// ListThreadsByMailboxAndRange 返回邮箱最后活跃时间落在 [from, to) 的会话。
func (s *Store) ListThreadsByMailboxAndRange(mailboxID string, from, to time.Time) ([]domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Thread
	for _, thread := range s.threads {
		if thread.MailboxID == mailboxID &&
			!thread.LastMessageAt.Before(from) && thread.LastMessageAt.Before(to) {
			result = append(result, *thread)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt.Before(result[j].LastMessageAt)
	})
	return result, nil
}

// ========== Contact Repository ==========

// UpsertContact 按 (Email, OrganizationID) 写入联系人。
func (s *Store) UpsertContact(contact *domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := contact.Email + "|" + contact.OrganizationID
	now := time.Now().UTC()

	if existing, ok := s.contacts[key]; ok {
		contact.ID = existing.ID
		contact.CreatedAt = existing.CreatedAt
	} else {
		if contact.ID == "" {
			contact.ID = uuid.NewString()
		}
		contact.CreatedAt = now
	}
	contact.UpdatedAt = now

	clone := *contact
	s.contacts[key] = &clone
	return nil
}

// ListContactsByOrganization 返回组织的全部联系人。
func (s *Store) ListContactsByOrganization(organizationID string) ([]domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Contact
	for _, contact := range s.contacts {
		if contact.OrganizationID == organizationID {
			result = append(result, *contact)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Email < result[j].Email
	})
	return result, nil
}

// ========== Aggregate Repository ==========

// UpsertAggregate 按 (Type, Date, OrganizationID, UserID) 写入聚合指标。
func (s *Store) UpsertAggregate(aggregate *domain.AnalyticsAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(aggregate.Type) + "|" + aggregate.Date.UTC().Format("2006-01-02") +
		"|" + aggregate.OrganizationID + "|" + aggregate.UserID
	now := time.Now().UTC()

	if existing, ok := s.aggregates[key]; ok {
		aggregate.ID = existing.ID
		aggregate.CreatedAt = existing.CreatedAt
	} else {
		if aggregate.ID == "" {
			aggregate.ID = uuid.NewString()
		}
		aggregate.CreatedAt = now
	}
	aggregate.UpdatedAt = now

	clone := *aggregate
	s.aggregates[key] = &clone
	return nil
}

// ListAggregates 返回组织在时间区间 [from, to] 内的聚合指标。
func (s *Store) ListAggregates(organizationID string, from, to time.Time) ([]domain.AnalyticsAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.AnalyticsAggregate
	for _, aggregate := range s.aggregates {
		if aggregate.OrganizationID == organizationID &&
			!aggregate.Date.Before(from) && !aggregate.Date.After(to) {
			result = append(result, *aggregate)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].Type < result[j].Type
	})
	return result, nil
}

// ========== 工具方法 ==========

// Close 关闭存储（内存实现为空操作）。
func (s *Store) Close() error { return nil }

// Health 健康检查（内存实现恒为健康）。
func (s *Store) Health() error { return nil }

// sortMailboxes 按创建时间排序，保证批量同步的遍历顺序稳定。
func sortMailboxes(mailboxes []domain.Mailbox) {
	sort.Slice(mailboxes, func(i, j int) bool {
		if mailboxes[i].CreatedAt.Equal(mailboxes[j].CreatedAt) {
			return mailboxes[i].ID < mailboxes[j].ID
		}
		return mailboxes[i].CreatedAt.Before(mailboxes[j].CreatedAt)
	})
}

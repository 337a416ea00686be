package sync

import (
	"context"
	gosync "sync"

	"inboxmetrics/backend/internal/connector"
	"inboxmetrics/backend/internal/domain"
)

// Registry 按邮箱缓存连接器实例。
//
// 连接器持有已认证的 HTTP 客户端，复用可以避免每次同步重建；
// 凭证变更或认证失败时需要 Evict 强制重建。
type Registry struct {
	mu      gosync.Mutex
	factory connector.Factory
	conns   map[string]connector.Connector
}

// NewRegistry 创建连接器注册表。
func NewRegistry(factory connector.Factory) *Registry {
	return &Registry{
		factory: factory,
		conns:   make(map[string]connector.Connector),
	}
}

// Get 返回邮箱的连接器，不存在时通过工厂创建。
func (r *Registry) Get(ctx context.Context, mailbox *domain.Mailbox, creds *domain.Credentials) (connector.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[mailbox.ID]; ok {
		return conn, nil
	}

	conn, err := r.factory(ctx, mailbox, creds)
	if err != nil {
		return nil, err
	}
	r.conns[mailbox.ID] = conn
	return conn, nil
}

// Evict 移除邮箱的缓存连接器。
func (r *Registry) Evict(mailboxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, mailboxID)
}

// Reset 清空全部缓存连接器。
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]connector.Connector)
}

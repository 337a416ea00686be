package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxmetrics/backend/internal/config"
	"inboxmetrics/backend/internal/connector"
	"inboxmetrics/backend/internal/domain"
	"inboxmetrics/backend/internal/logger"
	"inboxmetrics/backend/internal/monitoring"
	"inboxmetrics/backend/internal/storage/memory"
	"inboxmetrics/backend/internal/vault"
)

// testMetrics 共享实例，promauto 指标只能注册一次。
var testMetrics = monitoring.NewMetrics()

// fakeConnector 测试用连接器。
type fakeConnector struct {
	messages   []connector.CanonicalMessage
	listErr    error
	refreshed  *connector.RefreshedToken
	refreshErr error
	listCalls  int
	lastDays   int
}

func (f *fakeConnector) ListRecentMessages(_ context.Context, days int) ([]connector.CanonicalMessage, error) {
	f.listCalls++
	f.lastDays = days
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.messages, nil
}

func (f *fakeConnector) RefreshAccessToken(_ context.Context) (*connector.RefreshedToken, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshed != nil {
		return f.refreshed, nil
	}
	return &connector.RefreshedToken{
		AccessToken: "refreshed-token",
		ExpiryDate:  time.Now().Add(time.Hour),
	}, nil
}

type testEnv struct {
	store *memory.Store
	vault *vault.Vault
	conns map[string]*fakeConnector
	orch  *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	v, err := vault.New("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	env := &testEnv{
		store: memory.NewStore(),
		vault: v,
		conns: make(map[string]*fakeConnector),
	}

	factory := func(_ context.Context, mailbox *domain.Mailbox, _ *domain.Credentials) (connector.Connector, error) {
		if conn, ok := env.conns[mailbox.ID]; ok {
			return conn, nil
		}
		conn := &fakeConnector{}
		env.conns[mailbox.ID] = conn
		return conn, nil
	}

	cfg := config.SyncConfig{
		BatchSize:         5,
		BatchDelay:        0,
		FullWindowDays:    30,
		RetentionInactive: 720 * time.Hour,
	}
	env.orch = NewOrchestrator(env.store, v, NewRegistry(factory), cfg, logger.NewNop(), testMetrics)
	return env
}

func (e *testEnv) addMailbox(t *testing.T, id string, lastSyncAt *time.Time) *domain.Mailbox {
	t.Helper()

	access, err := e.vault.Encrypt("access-token-" + id)
	require.NoError(t, err)
	refresh, err := e.vault.Encrypt("refresh-token-" + id)
	require.NoError(t, err)

	mailbox := &domain.Mailbox{
		ID:                    id,
		Email:                 id + "@example.com",
		Provider:              domain.ProviderGmail,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		OrganizationID:        "org-1",
		UserID:                "user-1",
		IsActive:              true,
		LastSyncAt:            lastSyncAt,
		CreatedAt:             time.Now().UTC(),
	}
	require.NoError(t, e.store.SaveMailbox(mailbox))
	return mailbox
}

func canonicalMsg(id, threadID string, ts time.Time, sent bool) connector.CanonicalMessage {
	return connector.CanonicalMessage{
		MessageID: id,
		ThreadID:  threadID,
		Subject:   "Quarterly report",
		From:      "alice@example.com",
		To:        []string{"bob@example.com"},
		Timestamp: ts,
		IsRead:    true,
		IsSent:    sent,
		Labels:    []string{"INBOX"},
	}
}

func TestSyncMailbox(t *testing.T) {
	ctx := context.Background()

	t.Run("写入邮件并派生会话", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-1", nil)

		first := time.Now().UTC().Add(-72 * time.Hour)
		last := time.Now().UTC().Add(-30 * time.Hour)
		env.conns["mb-1"] = &fakeConnector{messages: []connector.CanonicalMessage{
			canonicalMsg("m-1", "t-1", first, false),
			canonicalMsg("m-2", "t-1", last, true),
		}}

		result, err := env.orch.SyncMailbox(ctx, "mb-1", ModeFull)
		require.NoError(t, err)
		assert.Equal(t, 2, result.MessagesProcessed)
		assert.Equal(t, 1, result.ThreadsProcessed)

		messages, err := env.store.ListMessagesByOrganization("org-1")
		require.NoError(t, err)
		assert.Len(t, messages, 2)

		thread, err := env.store.GetThread("t-1", "org-1")
		require.NoError(t, err)
		assert.Equal(t, 2, thread.MessageCount)
		require.NotNil(t, thread.ResponseTime)
		assert.Equal(t, int(last.Sub(first).Minutes()), *thread.ResponseTime)
		// 最后一封是已发送且静默超过 24 小时
		assert.True(t, thread.Resolved)

		mailbox, err := env.store.GetMailbox("mb-1")
		require.NoError(t, err)
		assert.NotNil(t, mailbox.LastSyncAt)
	})

	t.Run("单邮件会话没有响应时间", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-1", nil)
		env.conns["mb-1"] = &fakeConnector{messages: []connector.CanonicalMessage{
			canonicalMsg("m-1", "t-1", time.Now().UTC().Add(-time.Hour), false),
		}}

		_, err := env.orch.SyncMailbox(ctx, "mb-1", ModeFull)
		require.NoError(t, err)

		thread, err := env.store.GetThread("t-1", "org-1")
		require.NoError(t, err)
		assert.Nil(t, thread.ResponseTime)
		assert.False(t, thread.Resolved)
	})

	t.Run("重复同步不产生重复行", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-1", nil)
		env.conns["mb-1"] = &fakeConnector{messages: []connector.CanonicalMessage{
			canonicalMsg("m-1", "t-1", time.Now().UTC().Add(-time.Hour), false),
		}}

		_, err := env.orch.SyncMailbox(ctx, "mb-1", ModeFull)
		require.NoError(t, err)
		_, err = env.orch.SyncMailbox(ctx, "mb-1", ModeIncremental)
		require.NoError(t, err)

		messages, err := env.store.ListMessagesByOrganization("org-1")
		require.NoError(t, err)
		assert.Len(t, messages, 1)
	})

	t.Run("数据异常的邮件被跳过", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-1", nil)

		broken := canonicalMsg("", "t-1", time.Now().UTC(), false)
		env.conns["mb-1"] = &fakeConnector{messages: []connector.CanonicalMessage{
			broken,
			canonicalMsg("m-2", "t-1", time.Now().UTC().Add(-time.Hour), false),
		}}

		_, err := env.orch.SyncMailbox(ctx, "mb-1", ModeFull)
		require.NoError(t, err)

		messages, err := env.store.ListMessagesByOrganization("org-1")
		require.NoError(t, err)
		assert.Len(t, messages, 1)
		assert.Equal(t, "m-2", messages[0].MessageID)
	})

	t.Run("认证失败停用邮箱并传播错误", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-1", nil)
		env.conns["mb-1"] = &fakeConnector{
			listErr: &domain.AuthError{Op: "list messages", Err: assert.AnError},
		}

		_, err := env.orch.SyncMailbox(ctx, "mb-1", ModeFull)
		require.Error(t, err)
		assert.True(t, domain.IsAuthError(err))

		mailbox, gerr := env.store.GetMailbox("mb-1")
		require.NoError(t, gerr)
		assert.False(t, mailbox.IsActive)
	})

	t.Run("瞬时错误不停用邮箱", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-1", nil)
		env.conns["mb-1"] = &fakeConnector{
			listErr: &domain.TransientProviderError{Op: "list messages", Err: assert.AnError},
		}

		_, err := env.orch.SyncMailbox(ctx, "mb-1", ModeFull)
		require.Error(t, err)
		assert.True(t, domain.IsTransientError(err))

		mailbox, gerr := env.store.GetMailbox("mb-1")
		require.NoError(t, gerr)
		assert.True(t, mailbox.IsActive)
	})

	t.Run("不活跃邮箱返回零结果且不触碰提供商", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-1", nil)
		require.NoError(t, env.store.SetMailboxActive("mb-1", false))
		env.conns["mb-1"] = &fakeConnector{}

		result, err := env.orch.SyncMailbox(ctx, "mb-1", ModeFull)
		require.NoError(t, err)
		assert.Equal(t, &SyncResult{}, result)
		assert.Zero(t, env.conns["mb-1"].listCalls)
	})

	t.Run("令牌过期时先刷新再同步", func(t *testing.T) {
		env := newTestEnv(t)
		mailbox := env.addMailbox(t, "mb-1", nil)

		expired := time.Now().Add(-time.Hour)
		mailbox.TokenExpiry = &expired
		require.NoError(t, env.store.SaveMailbox(mailbox))

		env.conns["mb-1"] = &fakeConnector{
			refreshed: &connector.RefreshedToken{
				AccessToken: "brand-new-token",
				ExpiryDate:  time.Now().Add(time.Hour),
			},
		}

		_, err := env.orch.SyncMailbox(ctx, "mb-1", ModeFull)
		require.NoError(t, err)

		updated, err := env.store.GetMailbox("mb-1")
		require.NoError(t, err)
		plaintext, err := env.vault.Decrypt(updated.EncryptedAccessToken)
		require.NoError(t, err)
		assert.Equal(t, "brand-new-token", plaintext)
		require.NotNil(t, updated.TokenExpiry)
		assert.True(t, updated.TokenExpiry.After(time.Now()))
	})
}

func TestWindowDays(t *testing.T) {
	env := newTestEnv(t)

	t.Run("全量模式使用固定窗口", func(t *testing.T) {
		mailbox := &domain.Mailbox{}
		assert.Equal(t, 30, env.orch.windowDays(mailbox, ModeFull))
	})

	t.Run("从未同步过的邮箱默认一天", func(t *testing.T) {
		mailbox := &domain.Mailbox{}
		assert.Equal(t, 1, env.orch.windowDays(mailbox, ModeIncremental))
	})

	t.Run("窗口按经过时间向上取整到天", func(t *testing.T) {
		lastSync := time.Now().Add(-84 * time.Hour) // 3.5 天前
		mailbox := &domain.Mailbox{LastSyncAt: &lastSync}
		assert.Equal(t, 4, env.orch.windowDays(mailbox, ModeIncremental))
	})

	t.Run("刚同步过仍然至少一天", func(t *testing.T) {
		lastSync := time.Now().Add(-time.Minute)
		mailbox := &domain.Mailbox{LastSyncAt: &lastSync}
		assert.Equal(t, 1, env.orch.windowDays(mailbox, ModeIncremental))
	})
}

func TestSyncAllActiveMailboxes(t *testing.T) {
	ctx := context.Background()

	t.Run("单个邮箱失败不影响其余", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-1", nil)
		env.addMailbox(t, "mb-2", nil)

		env.conns["mb-1"] = &fakeConnector{
			listErr: &domain.TransientProviderError{Op: "list messages", Err: assert.AnError},
		}
		env.conns["mb-2"] = &fakeConnector{messages: []connector.CanonicalMessage{
			canonicalMsg("m-1", "t-1", time.Now().UTC().Add(-time.Hour), false),
		}}

		require.NoError(t, env.orch.SyncAllActiveMailboxes(ctx, ModeIncremental))

		messages, err := env.store.ListMessagesByOrganization("org-1")
		require.NoError(t, err)
		assert.Len(t, messages, 1)
	})

	t.Run("未同步过的邮箱走全量窗口", func(t *testing.T) {
		env := newTestEnv(t)
		env.addMailbox(t, "mb-new", nil)

		lastSync := time.Now().Add(-2 * time.Hour)
		env.addMailbox(t, "mb-old", &lastSync)

		env.conns["mb-new"] = &fakeConnector{}
		env.conns["mb-old"] = &fakeConnector{}

		require.NoError(t, env.orch.SyncAllActiveMailboxes(ctx, ModeIncremental))

		assert.Equal(t, 30, env.conns["mb-new"].lastDays)
		assert.Equal(t, 1, env.conns["mb-old"].lastDays)
	})

	t.Run("没有活跃邮箱时直接返回", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.orch.SyncAllActiveMailboxes(ctx, ModeIncremental))
	})
}

func TestSweepInactiveMailboxes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	mailbox := env.addMailbox(t, "mb-stale", nil)
	require.NoError(t, env.store.SetMailboxActive(mailbox.ID, false))

	// 刚停用，仍在保留期内
	require.NoError(t, env.orch.SweepInactiveMailboxes(ctx))
	_, err := env.store.GetMailbox("mb-stale")
	assert.NoError(t, err)
}

package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxmetrics/backend/internal/cache"
	"inboxmetrics/backend/internal/domain"
	"inboxmetrics/backend/internal/logger"
	"inboxmetrics/backend/internal/monitoring"
	"inboxmetrics/backend/internal/storage/memory"
)

// testMetrics 共享实例，promauto 指标只能注册一次。
var testMetrics = monitoring.NewMetrics()

// spyCache 记录失效调用次数的缓存。
type spyCache struct {
	cache.AnalyticsCache
	invalidations int
}

func newSpyCache() *spyCache {
	return &spyCache{AnalyticsCache: cache.NewLocalCache()}
}

func (c *spyCache) InvalidateAll(ctx context.Context) error {
	c.invalidations++
	return c.AnalyticsCache.InvalidateAll(ctx)
}

// failingStore 对指定组织返回错误，验证组织间隔离。
type failingStore struct {
	*memory.Store
	failOrg string
}

func (s *failingStore) ListMailboxesByOrganization(organizationID string) ([]domain.Mailbox, error) {
	if organizationID == s.failOrg {
		return nil, errors.New("backend unavailable")
	}
	return s.Store.ListMailboxesByOrganization(organizationID)
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
}

// bucketTime 前一天零点起 offset
func bucketTime(offset time.Duration) time.Time {
	return time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC).Add(offset)
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func seedMailbox(t *testing.T, store *memory.Store, id, org, user string) {
	t.Helper()
	require.NoError(t, store.SaveMailbox(&domain.Mailbox{
		ID:             id,
		Email:          id + "@example.com",
		Provider:       domain.ProviderGmail,
		OrganizationID: org,
		UserID:         user,
		IsActive:       true,
	}))
}

func aggregateValue(t *testing.T, aggregates []domain.AnalyticsAggregate, aggType domain.AggregateType, userID string) float64 {
	t.Helper()
	for _, agg := range aggregates {
		if agg.Type == aggType && agg.UserID == userID {
			return agg.Value
		}
	}
	t.Fatalf("aggregate %s (user %q) not found", aggType, userID)
	return 0
}

func TestEngineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("重算桶内指标", func(t *testing.T) {
		store := memory.NewStore()
		spy := newSpyCache()
		engine := NewEngine(store, spy, logger.NewNop(), testMetrics)
		engine.SetNowFunc(fixedNow)

		seedMailbox(t, store, "mb-1", "org-1", "user-1")

		// 桶内两封收件一封发件
		require.NoError(t, store.UpsertMessage(&domain.Message{
			ID: "1", MessageID: "m-1", OrganizationID: "org-1", MailboxID: "mb-1",
			ThreadID: "t-1", FromAddress: "alice@corp.com",
			Timestamp: bucketTime(2 * time.Hour), Sentiment: floatPtr(0.5),
		}))
		require.NoError(t, store.UpsertMessage(&domain.Message{
			ID: "2", MessageID: "m-2", OrganizationID: "org-1", MailboxID: "mb-1",
			ThreadID: "t-1", FromAddress: "me@example.com", ToAddresses: "alice@corp.com",
			Timestamp: bucketTime(3 * time.Hour), IsSent: true, Sentiment: floatPtr(-0.1),
		}))
		require.NoError(t, store.UpsertMessage(&domain.Message{
			ID: "3", MessageID: "m-3", OrganizationID: "org-1", MailboxID: "mb-1",
			ThreadID: "t-2", FromAddress: "bob@corp.com",
			Timestamp: bucketTime(5 * time.Hour),
		}))

		for i, rt := range []int{10, 20, 30, 40, 50} {
			require.NoError(t, store.UpsertThread(&domain.Thread{
				ThreadID: "t-rt-" + string(rune('a'+i)), OrganizationID: "org-1", MailboxID: "mb-1",
				LastMessageAt: bucketTime(time.Duration(i+1) * time.Hour),
				ResponseTime:  intPtr(rt),
			}))
		}

		require.NoError(t, engine.Run(ctx))

		bucket := bucketTime(0)
		aggregates, err := store.ListAggregates("org-1", bucket, bucket.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, 1.0, aggregateValue(t, aggregates, domain.AggregateVolumeSent, "user-1"))
		assert.Equal(t, 2.0, aggregateValue(t, aggregates, domain.AggregateVolumeReceived, "user-1"))
		assert.Equal(t, 30.0, aggregateValue(t, aggregates, domain.AggregateResponseTimeAvg, "user-1"))
		assert.Equal(t, 30.0, aggregateValue(t, aggregates, domain.AggregateResponseTimeMedian, "user-1"))
		assert.Equal(t, 50.0, aggregateValue(t, aggregates, domain.AggregateResponseTimeP90, "user-1"))
		assert.InDelta(t, 0.2, aggregateValue(t, aggregates, domain.AggregateSentimentAvg, "user-1"), 1e-9)

		assert.Equal(t, 1, spy.invalidations)
	})

	t.Run("空样本指标为零", func(t *testing.T) {
		store := memory.NewStore()
		engine := NewEngine(store, newSpyCache(), logger.NewNop(), testMetrics)
		engine.SetNowFunc(fixedNow)

		seedMailbox(t, store, "mb-1", "org-1", "user-1")

		require.NoError(t, engine.Run(ctx))

		bucket := bucketTime(0)
		aggregates, err := store.ListAggregates("org-1", bucket, bucket.Add(time.Hour))
		require.NoError(t, err)

		assert.Zero(t, aggregateValue(t, aggregates, domain.AggregateResponseTimeMedian, "user-1"))
		assert.Zero(t, aggregateValue(t, aggregates, domain.AggregateResponseTimeP90, "user-1"))
		assert.Zero(t, aggregateValue(t, aggregates, domain.AggregateSentimentAvg, "user-1"))
	})

	t.Run("重复运行整桶覆盖不产生重复行", func(t *testing.T) {
		store := memory.NewStore()
		engine := NewEngine(store, newSpyCache(), logger.NewNop(), testMetrics)
		engine.SetNowFunc(fixedNow)

		seedMailbox(t, store, "mb-1", "org-1", "user-1")

		require.NoError(t, engine.Run(ctx))
		require.NoError(t, engine.Run(ctx))

		bucket := bucketTime(0)
		aggregates, err := store.ListAggregates("org-1", bucket, bucket.Add(time.Hour))
		require.NoError(t, err)

		seen := make(map[domain.AggregateType]int)
		for _, agg := range aggregates {
			seen[agg.Type]++
		}
		for aggType, count := range seen {
			assert.Equal(t, 1, count, "aggregate %s duplicated", aggType)
		}
	})

	t.Run("组织失败相互隔离", func(t *testing.T) {
		base := memory.NewStore()
		store := &failingStore{Store: base, failOrg: "org-bad"}
		spy := newSpyCache()
		engine := NewEngine(store, spy, logger.NewNop(), testMetrics)
		engine.SetNowFunc(fixedNow)

		seedMailbox(t, base, "mb-bad", "org-bad", "user-bad")
		seedMailbox(t, base, "mb-good", "org-good", "user-good")

		require.NoError(t, engine.Run(ctx))

		bucket := bucketTime(0)
		aggregates, err := base.ListAggregates("org-good", bucket, bucket.Add(time.Hour))
		require.NoError(t, err)
		assert.NotEmpty(t, aggregates)

		// 缓存失效仍然执行
		assert.Equal(t, 1, spy.invalidations)
	})
}

func TestDeriveContacts(t *testing.T) {
	store := memory.NewStore()
	engine := NewEngine(store, newSpyCache(), logger.NewNop(), testMetrics)
	engine.SetNowFunc(fixedNow)

	seedMailbox(t, store, "mb-1", "org-1", "user-1")

	// alice 来信且我方已回复；bob 来信无回复
	require.NoError(t, store.UpsertMessage(&domain.Message{
		ID: "1", MessageID: "m-1", OrganizationID: "org-1", MailboxID: "mb-1",
		ThreadID: "t-1", FromAddress: "alice@corp.com", FromName: "Smith, Alice",
		Timestamp: bucketTime(time.Hour),
	}))
	require.NoError(t, store.UpsertMessage(&domain.Message{
		ID: "2", MessageID: "m-2", OrganizationID: "org-1", MailboxID: "mb-1",
		ThreadID: "t-1", ToAddresses: "alice@corp.com", IsSent: true,
		Timestamp: bucketTime(2 * time.Hour),
	}))
	require.NoError(t, store.UpsertMessage(&domain.Message{
		ID: "3", MessageID: "m-3", OrganizationID: "org-1", MailboxID: "mb-1",
		ThreadID: "t-2", FromAddress: "bob@corp.com",
		Timestamp: bucketTime(3 * time.Hour),
	}))
	require.NoError(t, store.UpsertThread(&domain.Thread{
		ThreadID: "t-1", OrganizationID: "org-1", MailboxID: "mb-1",
		LastMessageAt: bucketTime(2 * time.Hour), ResponseTime: intPtr(60),
	}))

	contacts, err := engine.deriveContacts("org-1")
	require.NoError(t, err)
	require.Len(t, contacts, 2)

	byEmail := make(map[string]domain.Contact)
	for _, contact := range contacts {
		byEmail[contact.Email] = contact
	}

	alice := byEmail["alice@corp.com"]
	assert.Equal(t, "Smith, Alice", alice.Name)
	assert.Equal(t, 2, alice.MessageCount)
	assert.Equal(t, 1.0, alice.ResponseRate)
	assert.Equal(t, 60.0, alice.AvgResponseTime)
	assert.Equal(t, "corp.com", alice.Domain)
	require.NotNil(t, alice.LastContactAt)
	assert.Equal(t, bucketTime(2*time.Hour), *alice.LastContactAt)

	bob := byEmail["bob@corp.com"]
	assert.Equal(t, 1, bob.MessageCount)
	assert.Zero(t, bob.ResponseRate)

	t.Run("重复推导不累加", func(t *testing.T) {
		again, err := engine.deriveContacts("org-1")
		require.NoError(t, err)
		require.Len(t, again, 2)

		stored, err := store.ListContactsByOrganization("org-1")
		require.NoError(t, err)
		assert.Len(t, stored, 2)
		for _, contact := range stored {
			if contact.Email == "alice@corp.com" {
				assert.Equal(t, 2, contact.MessageCount)
			}
		}
	})
}

func TestDeriveThreadRollups(t *testing.T) {
	ctx := context.Background()

	t.Run("静默超期的已回复会话标记为已解决", func(t *testing.T) {
		store := memory.NewStore()
		engine := NewEngine(store, newSpyCache(), logger.NewNop(), testMetrics)
		engine.SetNowFunc(fixedNow)

		seedMailbox(t, store, "mb-1", "org-1", "user-1")

		// 最后一封为我方发出，且已静默 48 小时
		require.NoError(t, store.UpsertMessage(&domain.Message{
			ID: "1", MessageID: "m-1", OrganizationID: "org-1", MailboxID: "mb-1",
			ThreadID: "t-1", Subject: "发票确认", IsSent: true,
			Timestamp: fixedNow().Add(-48 * time.Hour),
		}))
		require.NoError(t, store.UpsertThread(&domain.Thread{
			ID: "th-1", ThreadID: "t-1", OrganizationID: "org-1", MailboxID: "mb-1",
			MessageCount: 1, Resolved: false,
			LastMessageAt: fixedNow().Add(-48 * time.Hour),
		}))

		require.NoError(t, engine.Run(ctx))

		thread, err := store.GetThread("t-1", "org-1")
		require.NoError(t, err)
		assert.True(t, thread.Resolved)
	})

	t.Run("重算消息数与响应时长", func(t *testing.T) {
		store := memory.NewStore()
		engine := NewEngine(store, newSpyCache(), logger.NewNop(), testMetrics)
		engine.SetNowFunc(fixedNow)

		seedMailbox(t, store, "mb-1", "org-1", "user-1")

		require.NoError(t, store.UpsertMessage(&domain.Message{
			ID: "1", MessageID: "m-1", OrganizationID: "org-1", MailboxID: "mb-1",
			ThreadID: "t-1", Subject: "报价咨询",
			Timestamp: bucketTime(time.Hour),
		}))
		require.NoError(t, store.UpsertMessage(&domain.Message{
			ID: "2", MessageID: "m-2", OrganizationID: "org-1", MailboxID: "mb-1",
			ThreadID: "t-1", IsSent: true,
			Timestamp: bucketTime(90 * time.Minute),
		}))

		require.NoError(t, engine.deriveThreadRollups("org-1"))

		thread, err := store.GetThread("t-1", "org-1")
		require.NoError(t, err)
		assert.Equal(t, 2, thread.MessageCount)
		assert.Equal(t, "报价咨询", thread.Subject)
		assert.Equal(t, bucketTime(90*time.Minute), thread.LastMessageAt)
		require.NotNil(t, thread.ResponseTime)
		assert.Equal(t, 30, *thread.ResponseTime)
	})

	t.Run("最后一封为来信则保持未解决", func(t *testing.T) {
		store := memory.NewStore()
		engine := NewEngine(store, newSpyCache(), logger.NewNop(), testMetrics)
		engine.SetNowFunc(fixedNow)

		seedMailbox(t, store, "mb-1", "org-1", "user-1")

		require.NoError(t, store.UpsertMessage(&domain.Message{
			ID: "1", MessageID: "m-1", OrganizationID: "org-1", MailboxID: "mb-1",
			ThreadID: "t-1", FromAddress: "alice@corp.com",
			Timestamp: fixedNow().Add(-48 * time.Hour),
		}))

		require.NoError(t, engine.deriveThreadRollups("org-1"))

		thread, err := store.GetThread("t-1", "org-1")
		require.NoError(t, err)
		assert.False(t, thread.Resolved)
		assert.Nil(t, thread.ResponseTime)
	})

	t.Run("静默不足一天则保持未解决", func(t *testing.T) {
		store := memory.NewStore()
		engine := NewEngine(store, newSpyCache(), logger.NewNop(), testMetrics)
		engine.SetNowFunc(fixedNow)

		seedMailbox(t, store, "mb-1", "org-1", "user-1")

		require.NoError(t, store.UpsertMessage(&domain.Message{
			ID: "1", MessageID: "m-1", OrganizationID: "org-1", MailboxID: "mb-1",
			ThreadID: "t-1", IsSent: true,
			Timestamp: fixedNow().Add(-2 * time.Hour),
		}))

		require.NoError(t, engine.deriveThreadRollups("org-1"))

		thread, err := store.GetThread("t-1", "org-1")
		require.NoError(t, err)
		assert.False(t, thread.Resolved)
	})
}

func TestStatistics(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50}

	assert.Equal(t, 30.0, median(samples))
	assert.Equal(t, 50.0, p90(samples))
	assert.Equal(t, 30.0, mean(samples))

	t.Run("空样本返回零", func(t *testing.T) {
		assert.Zero(t, median(nil))
		assert.Zero(t, p90(nil))
		assert.Zero(t, mean(nil))
	})

	t.Run("偶数样本取中间偏后元素", func(t *testing.T) {
		assert.Equal(t, 30.0, median([]float64{10, 20, 30, 40}))
	})
}

func TestScheduler(t *testing.T) {
	t.Run("启动时立即执行并按信号触发", func(t *testing.T) {
		runs := make(chan struct{}, 10)
		task := func(ctx context.Context) error {
			runs <- struct{}{}
			return nil
		}

		tick := make(chan time.Time)
		s := NewScheduler("test", time.Hour, task, true, logger.NewNop())
		s.SetTickerFunc(func(time.Duration) (<-chan time.Time, func()) {
			return tick, func() {}
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = s.Run(ctx)
			close(done)
		}()

		// 立即执行一次
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatal("eager run did not happen")
		}

		tick <- time.Now()
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatal("tick run did not happen")
		}

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop")
		}
	})

	t.Run("任务失败不中断调度", func(t *testing.T) {
		calls := 0
		task := func(ctx context.Context) error {
			calls++
			return errors.New("boom")
		}

		tick := make(chan time.Time)
		s := NewScheduler("test", time.Hour, task, true, logger.NewNop())
		s.SetTickerFunc(func(time.Duration) (<-chan time.Time, func()) {
			return tick, func() {}
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = s.Run(ctx)
			close(done)
		}()

		tick <- time.Now()
		cancel()
		<-done

		assert.GreaterOrEqual(t, calls, 2)
	})
}

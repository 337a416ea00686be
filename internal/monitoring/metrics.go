package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 同步指标
	SyncsTotal        *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	MessagesIngested  prometheus.Counter
	ThreadsDerived    prometheus.Counter
	MailboxesActive   prometheus.Gauge
	MailboxesDisabled prometheus.Counter

	// 队列指标
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsRetried   prometheus.Counter
	JobsStalled   prometheus.Counter
	JobDuration   *prometheus.HistogramVec
	QueueDepth    prometheus.Gauge

	// 聚合指标
	AggregationRuns     *prometheus.CounterVec
	AggregationDuration prometheus.Histogram
	AggregatesWritten   prometheus.Counter
	CacheInvalidations  prometheus.Counter

	// 提供商指标
	ProviderRequests *prometheus.CounterVec
	TokensRefreshed  prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxmetrics_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxmetrics_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		// 同步指标
		SyncsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxmetrics_syncs_total",
				Help: "Total number of mailbox syncs",
			},
			[]string{"mode", "result"},
		),

		SyncDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxmetrics_sync_duration_seconds",
				Help:    "Mailbox sync duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"mode"},
		),

		MessagesIngested: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxmetrics_messages_ingested_total",
				Help: "Total number of messages ingested",
			},
		),

		ThreadsDerived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxmetrics_threads_derived_total",
				Help: "Total number of thread rollups derived",
			},
		),

		MailboxesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "inboxmetrics_mailboxes_active",
				Help: "Number of active mailboxes",
			},
		),

		MailboxesDisabled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxmetrics_mailboxes_disabled_total",
				Help: "Total number of mailboxes disabled after auth failures",
			},
		),

		// 队列指标
		JobsEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxmetrics_jobs_enqueued_total",
				Help: "Total number of jobs enqueued",
			},
			[]string{"type", "priority"},
		),

		JobsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxmetrics_jobs_completed_total",
				Help: "Total number of jobs completed",
			},
			[]string{"type"},
		),

		JobsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxmetrics_jobs_failed_total",
				Help: "Total number of jobs that exhausted all attempts",
			},
			[]string{"type"},
		),

		JobsRetried: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxmetrics_jobs_retried_total",
				Help: "Total number of job retry attempts",
			},
		),

		JobsStalled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxmetrics_jobs_stalled_total",
				Help: "Total number of stalled jobs requeued",
			},
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inboxmetrics_job_duration_seconds",
				Help:    "Job processing duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"type"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "inboxmetrics_queue_depth",
				Help: "Number of pending jobs in the queue",
			},
		),

		// 聚合指标
		AggregationRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxmetrics_aggregation_runs_total",
				Help: "Total number of aggregation runs",
			},
			[]string{"result"},
		),

		AggregationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inboxmetrics_aggregation_duration_seconds",
				Help:    "Aggregation run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		AggregatesWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxmetrics_aggregates_written_total",
				Help: "Total number of aggregate rows written",
			},
		),

		CacheInvalidations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxmetrics_cache_invalidations_total",
				Help: "Total number of analytics cache invalidations",
			},
		),

		// 提供商指标
		ProviderRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxmetrics_provider_requests_total",
				Help: "Total number of provider API calls",
			},
			[]string{"provider", "result"},
		),

		TokensRefreshed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "inboxmetrics_tokens_refreshed_total",
				Help: "Total number of access tokens refreshed",
			},
		),

		// 错误指标
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inboxmetrics_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSync 记录一次邮箱同步
func (m *Metrics) RecordSync(mode, result string, duration time.Duration) {
	m.SyncsTotal.WithLabelValues(mode, result).Inc()
	m.SyncDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordMessagesIngested 记录摄入的邮件数
func (m *Metrics) RecordMessagesIngested(count int) {
	m.MessagesIngested.Add(float64(count))
}

// RecordThreadsDerived 记录派生的会话数
func (m *Metrics) RecordThreadsDerived(count int) {
	m.ThreadsDerived.Add(float64(count))
}

// RecordMailboxDisabled 记录因认证失败被停用的邮箱
func (m *Metrics) RecordMailboxDisabled() {
	m.MailboxesDisabled.Inc()
}

// RecordJobEnqueued 记录任务入队
func (m *Metrics) RecordJobEnqueued(jobType, priority string) {
	m.JobsEnqueued.WithLabelValues(jobType, priority).Inc()
}

// RecordJobCompleted 记录任务完成
func (m *Metrics) RecordJobCompleted(jobType string, duration time.Duration) {
	m.JobsCompleted.WithLabelValues(jobType).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordJobFailed 记录耗尽重试次数的任务
func (m *Metrics) RecordJobFailed(jobType string) {
	m.JobsFailed.WithLabelValues(jobType).Inc()
}

// RecordJobRetried 记录任务重试
func (m *Metrics) RecordJobRetried() {
	m.JobsRetried.Inc()
}

// RecordJobsStalled 记录被重新入队的超时任务
func (m *Metrics) RecordJobsStalled(count int) {
	m.JobsStalled.Add(float64(count))
}

// RecordAggregationRun 记录一次聚合运行
func (m *Metrics) RecordAggregationRun(result string, duration time.Duration) {
	m.AggregationRuns.WithLabelValues(result).Inc()
	m.AggregationDuration.Observe(duration.Seconds())
}

// RecordAggregatesWritten 记录写入的聚合行数
func (m *Metrics) RecordAggregatesWritten(count int) {
	m.AggregatesWritten.Add(float64(count))
}

// RecordCacheInvalidation 记录缓存失效
func (m *Metrics) RecordCacheInvalidation() {
	m.CacheInvalidations.Inc()
}

// RecordProviderRequest 记录提供商调用
func (m *Metrics) RecordProviderRequest(provider, result string) {
	m.ProviderRequests.WithLabelValues(provider, result).Inc()
}

// RecordTokenRefreshed 记录令牌刷新
func (m *Metrics) RecordTokenRefreshed() {
	m.TokensRefreshed.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateMailboxesActive 更新活跃邮箱数
func (m *Metrics) UpdateMailboxesActive(count int) {
	m.MailboxesActive.Set(float64(count))
}

// UpdateQueueDepth 更新待处理任务数
func (m *Metrics) UpdateQueueDepth(count int) {
	m.QueueDepth.Set(float64(count))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}

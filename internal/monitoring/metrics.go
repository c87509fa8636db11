package monitoring

import (
	"net/http"
	"strconv"
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

	// 接收管道指标
	DeliveriesTotal     *prometheus.CounterVec // outcome: accepted / duplicate / rejected
	DecodeDegradedTotal prometheus.Counter
	IngestDuration      prometheus.Histogram

	// 邮箱指标
	MailboxesProvisioned     prometheus.Counter
	MailboxesAutoProvisioned prometheus.Counter
	MailboxesExpired         prometheus.Counter

	// 错误指标
	PersistenceErrorsTotal prometheus.Counter
	PanicsTotal            prometheus.Counter
}

// NewMetrics 创建监控指标
//
// promauto 在默认注册表注册，进程内只应调用一次（cmd/server）。
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsink_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsink_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		DeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsink_deliveries_total",
				Help: "Inbound mail deliveries by terminal outcome",
			},
			[]string{"outcome"},
		),
		DecodeDegradedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_decode_degraded_total",
				Help: "Deliveries recorded from transport envelope after MIME decode failure",
			},
		),
		IngestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailsink_ingest_duration_seconds",
				Help:    "Ingestion pipeline duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		MailboxesProvisioned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_mailboxes_provisioned_total",
				Help: "Mailboxes created through the provisioning API",
			},
		),
		MailboxesAutoProvisioned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_mailboxes_auto_provisioned_total",
				Help: "Mailboxes created implicitly by inbound mail",
			},
		),
		MailboxesExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_mailboxes_expired_total",
				Help: "Mailboxes deactivated on lazy expiry detection",
			},
		),
		PersistenceErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_persistence_errors_total",
				Help: "Unexpected storage failures during ingestion",
			},
		),
		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsink_panics_total",
				Help: "Recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDelivery 记录一次投递的终态
func (m *Metrics) RecordDelivery(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.IngestDuration.Observe(duration.Seconds())
	}
}

// RecordDegradedDecode 记录一次解码降级
func (m *Metrics) RecordDegradedDecode() {
	if m == nil {
		return
	}
	m.DecodeDegradedTotal.Inc()
}

// RecordAutoProvision 记录一次收信自动开通
func (m *Metrics) RecordAutoProvision() {
	if m == nil {
		return
	}
	m.MailboxesAutoProvisioned.Inc()
}

// RecordProvision 记录一次人工开通
func (m *Metrics) RecordProvision() {
	if m == nil {
		return
	}
	m.MailboxesProvisioned.Inc()
}

// RecordLazyExpiry 记录一次触达时过期检出
func (m *Metrics) RecordLazyExpiry() {
	if m == nil {
		return
	}
	m.MailboxesExpired.Inc()
}

// RecordPersistenceError 记录一次非预期存储错误
func (m *Metrics) RecordPersistenceError() {
	if m == nil {
		return
	}
	m.PersistenceErrorsTotal.Inc()
}

// RecordPanic 记录一次 panic 恢复
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 /metrics 端点的处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}

// StatusCode 把整型状态码转成标签值
func StatusCode(code int) string {
	return strconv.Itoa(code)
}

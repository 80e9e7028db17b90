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
	// 本地 HTTP 接口指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 上游请求指标
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec

	// 缓存指标
	RevalidationsTotal *prometheus.CounterVec
	ResourceStaleness  *prometheus.GaugeVec

	// 掩码指标
	MasksCreated *prometheus.CounterVec
	MasksDeleted *prometheus.CounterVec
	MasksUpdated *prometheus.CounterVec

	// 流程指标
	FlowTransitions *prometheus.CounterVec

	// WebSocket 指标
	WebSocketConnections prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_http_requests_total",
				Help: "Total number of local API requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maskrelay_http_request_duration_seconds",
				Help:    "Local API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		UpstreamRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_upstream_requests_total",
				Help: "Total number of upstream API requests",
			},
			[]string{"method", "path", "status_code"},
		),

		UpstreamRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maskrelay_upstream_request_duration_seconds",
				Help:    "Upstream API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RevalidationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_revalidations_total",
				Help: "Total number of resource revalidations",
			},
			[]string{"key", "result"},
		),

		ResourceStaleness: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "maskrelay_resource_staleness_seconds",
				Help: "Seconds since the last successful refresh per resource",
			},
			[]string{"key"},
		),

		MasksCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_masks_created_total",
				Help: "Total number of masks created",
			},
			[]string{"mask_type"},
		),

		MasksDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_masks_deleted_total",
				Help: "Total number of masks deleted",
			},
			[]string{"mask_type"},
		),

		MasksUpdated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_masks_updated_total",
				Help: "Total number of masks updated",
			},
			[]string{"mask_type"},
		),

		FlowTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_flow_transitions_total",
				Help: "Total number of flow state transitions",
			},
			[]string{"flow", "from", "to"},
		),

		WebSocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "maskrelay_websocket_connections",
				Help: "Number of connected UI shells",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maskrelay_panics_total",
				Help: "Total number of panics",
			},
		),
	}
}

// RecordHTTPRequest 记录本地接口请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// ObserveUpstreamRequest 记录上游请求指标，实现 api.RequestObserver。
func (m *Metrics) ObserveUpstreamRequest(method, path string, status int, duration time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(method, path, statusLabel(status)).Inc()
	m.UpstreamRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRevalidation 记录一次资源重新验证
func (m *Metrics) RecordRevalidation(key string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.RevalidationsTotal.WithLabelValues(key, result).Inc()
	if err == nil {
		m.ResourceStaleness.WithLabelValues(key).Set(0)
	}
}

// ObserveResourceAge 记录资源距上次成功刷新的时长，实现 cache.AgeObserver。
func (m *Metrics) ObserveResourceAge(key string, age time.Duration) {
	m.ResourceStaleness.WithLabelValues(key).Set(age.Seconds())
}

// RecordMaskCreated 记录掩码创建
func (m *Metrics) RecordMaskCreated(maskType string) {
	m.MasksCreated.WithLabelValues(maskType).Inc()
}

// RecordMaskDeleted 记录掩码删除
func (m *Metrics) RecordMaskDeleted(maskType string) {
	m.MasksDeleted.WithLabelValues(maskType).Inc()
}

// RecordMaskUpdated 记录掩码更新
func (m *Metrics) RecordMaskUpdated(maskType string) {
	m.MasksUpdated.WithLabelValues(maskType).Inc()
}

// ObserveFlowTransition 记录流程状态迁移，供各状态机作为观测方使用。
func (m *Metrics) ObserveFlowTransition(flow string, from, to string) {
	m.FlowTransitions.WithLabelValues(flow, from, to).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 节点代理调用指标
	agentCallsTotal   *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec

	// 迁移指标
	transfersTotal  *prometheus.CounterVec
	transfersActive prometheus.Gauge

	// 调度指标
	scheduleRunsTotal *prometheus.CounterVec
	taskRunsTotal     *prometheus.CounterVec

	// 回调指标
	callbacksTotal *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// reg 为 nil 时注册到默认 registry；测试传独立 registry 避免重复注册。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.agentCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Total number of node daemon calls",
		},
		[]string{"node", "operation", "status"},
	)
	c.agentCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Node daemon call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"node", "operation"},
	)

	c.transfersTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total number of finalized server transfers",
		},
		[]string{"status"},
	)
	c.transfersActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_active",
			Help:      "Number of transfers currently pending or processing",
		},
	)

	c.scheduleRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_runs_total",
			Help:      "Total number of schedule runs",
		},
		[]string{"result"}, // ok, failed, skipped
	)
	c.taskRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_task_runs_total",
			Help:      "Total number of individual task executions",
		},
		[]string{"action", "status"},
	)

	c.callbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_callbacks_total",
			Help:      "Total number of inbound node daemon callbacks",
		},
		[]string{"kind", "outcome"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("指标收集器就绪", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAgentCall 记录一次节点代理调用
func (c *Collector) RecordAgentCall(node, operation, status string, duration time.Duration) {
	c.agentCallsTotal.WithLabelValues(node, operation, status).Inc()
	c.agentCallDuration.WithLabelValues(node, operation).Observe(duration.Seconds())
}

// RecordTransferFinalized 记录迁移终态
func (c *Collector) RecordTransferFinalized(status string) {
	c.transfersTotal.WithLabelValues(status).Inc()
}

// SetActiveTransfers 更新进行中迁移数
func (c *Collector) SetActiveTransfers(n int) {
	c.transfersActive.Set(float64(n))
}

// RecordScheduleRun 记录一次计划执行结果
func (c *Collector) RecordScheduleRun(result string) {
	c.scheduleRunsTotal.WithLabelValues(result).Inc()
}

// RecordTaskRun 记录单个任务执行
func (c *Collector) RecordTaskRun(action, status string) {
	c.taskRunsTotal.WithLabelValues(action, status).Inc()
}

// RecordCallback 记录一次节点回调
func (c *Collector) RecordCallback(kind, outcome string) {
	c.callbacksTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

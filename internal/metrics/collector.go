// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
// 周期指标经由核心外的管理面暴露；核心只负责注册与记录
type Collector struct {
	// 任务指标
	tasksTotal    *prometheus.CounterVec
	callLatency   *prometheus.HistogramVec
	tasksInFlight prometheus.Gauge

	// 响应指标
	responsesWritten *prometheus.CounterVec

	// 域名生命周期指标
	domainTransitions *prometheus.CounterVec

	// 熔断指标
	circuitState *prometheus.GaugeVec

	// 完整性校验指标
	validatorResets prometheus.Counter
	cyclesTotal     prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// reg 为 nil 时使用全局默认注册表
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

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of crawl tasks by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	c.callLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_latency_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.tasksInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently dispatched",
		},
	)

	c.responsesWritten = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_written_total",
			Help:      "Total number of response rows written",
		},
		[]string{"provider"},
	)

	c.domainTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_transitions_total",
			Help:      "Total number of domain lifecycle transitions",
		},
		[]string{"to"},
	)

	c.circuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	c.validatorResets = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_resets_total",
			Help:      "Total number of domains reset by the reconciliation pass",
		},
	)

	c.cyclesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of scheduler cycles",
		},
	)

	return c
}

// RecordTask 记录任务终态
func (c *Collector) RecordTask(provider, outcome string) {
	c.tasksTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordCallLatency 记录上游调用延迟
func (c *Collector) RecordCallLatency(provider, model string, seconds float64) {
	c.callLatency.WithLabelValues(provider, model).Observe(seconds)
}

// TaskStarted 任务进入派发
func (c *Collector) TaskStarted() {
	c.tasksInFlight.Inc()
}

// TaskFinished 任务离开派发
func (c *Collector) TaskFinished() {
	c.tasksInFlight.Dec()
}

// RecordResponse 记录一条已写入的响应行
func (c *Collector) RecordResponse(provider string) {
	c.responsesWritten.WithLabelValues(provider).Inc()
}

// RecordTransition 记录域名状态迁移
func (c *Collector) RecordTransition(to string) {
	c.domainTransitions.WithLabelValues(to).Inc()
}

// SetCircuitState 更新提供商熔断状态
func (c *Collector) SetCircuitState(provider string, state int) {
	c.circuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordValidatorReset 记录一次对账复位
func (c *Collector) RecordValidatorReset() {
	c.validatorResets.Inc()
}

// RecordCycle 记录一次调度周期
func (c *Collector) RecordCycle() {
	c.cyclesTotal.Inc()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 服务指标，使用独立Registry，便于测试中重复创建
type Metrics struct {
	registry *prometheus.Registry

	InboundPushes    *prometheus.CounterVec
	SignatureFailure prometheus.Counter
	MessagesStored   *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	TasksProcessed   *prometheus.CounterVec
	TaskRetries      prometheus.Counter
	Connections      prometheus.Gauge
	Identities       prometheus.Gauge
	Deliveries       *prometheus.CounterVec
	Recognitions     *prometheus.CounterVec
}

// New 创建并注册指标
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		InboundPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_pushes_total",
			Help:      "WeChat pushes received, by message type.",
		}, []string{"type"}),
		SignatureFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_failures_total",
			Help:      "Pushes rejected by signature verification.",
		}),
		MessagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Messages persisted, by content type.",
		}, []string{"content_type"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Message store failures, by operation.",
		}, []string{"op"}),
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Deferred tasks finished, by outcome.",
		}, []string{"outcome"}),
		TaskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Deferred task retry attempts.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Live duplex connections.",
		}),
		Identities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_identities",
			Help:      "Identities with at least one bound connection.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_deliveries_total",
			Help:      "Frames queued to connections, by result.",
		}, []string{"result"}),
		Recognitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_resolutions_total",
			Help:      "Voice text resolutions, by source.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.InboundPushes, m.SignatureFailure, m.MessagesStored, m.StoreErrors,
		m.TasksProcessed, m.TaskRetries, m.Connections, m.Identities,
		m.Deliveries, m.Recognitions,
	)
	return m
}

// Registry 获取Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

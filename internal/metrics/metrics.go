// Package metrics 导出 broker 的 Prometheus 指标
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
)

const namespace = "iot_broker"

// 丢弃原因
const (
	DropACLDenied    = "acl_denied"
	DropBackpressure = "backpressure"
	DropNoSession    = "no_session"
	DropOfflineQoS0  = "offline_qos0"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal    prometheus.Counter
	ConnectionsCurrent  prometheus.Gauge
	ConnectionsPeak     prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec
	AuthFailures        prometheus.Counter
	Takeovers           prometheus.Counter
	PublishesReceived   *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	Drops               *prometheus.CounterVec
	QoSDowngrades       prometheus.Counter
	Subscriptions       prometheus.Gauge
	Sessions            prometheus.Gauge
	RetainedMessages    prometheus.Gauge
	InvariantViolations prometheus.Counter
	ExpiredSessions     prometheus.Counter
	BridgeErrors        prometheus.Counter
	PersistErrors       prometheus.Counter

	peakMu  sync.Mutex
	current int64
	peak    int64
}

// New 在给定的 registry 上注册全部指标，传 nil 时新建一个
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total", Help: "Accepted MQTT connections.",
		}),
		ConnectionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_current", Help: "Currently connected clients.",
		}),
		ConnectionsPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_peak", Help: "Highest number of concurrent clients.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total", Help: "Rejected CONNECT attempts by outcome.",
		}, []string{"outcome"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_failures_total", Help: "Failed authentications.",
		}),
		Takeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_takeovers_total", Help: "Sessions evicted by a reconnecting client with the same id.",
		}),
		PublishesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publishes_received_total", Help: "Accepted publishes by QoS.",
		}, []string{"qos"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total", Help: "Messages queued for subscribers by QoS.",
		}, []string{"qos"}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "drops_total", Help: "Dropped messages or operations by reason.",
		}, []string{"reason"}),
		QoSDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "qos_downgrades_total", Help: "QoS 2 requests served at QoS 1.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscriptions", Help: "Current subscriptions.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions", Help: "Sessions in the session table.",
		}),
		RetainedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "retained_messages", Help: "Retained messages stored.",
		}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "invariant_violations_total", Help: "Matched subscribers without a consistent session.",
		}),
		ExpiredSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "expired_sessions_total", Help: "Sessions purged by the expiry sweep.",
		}),
		BridgeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_bridge_errors_total", Help: "Failed event bus publishes.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_errors_total", Help: "Failed persistence writes.",
		}),
	}
	registry.MustRegister(
		m.ConnectionsTotal, m.ConnectionsCurrent, m.ConnectionsPeak, m.ConnectionsRejected,
		m.AuthFailures, m.Takeovers, m.PublishesReceived, m.Deliveries, m.Drops, m.QoSDowngrades,
		m.Subscriptions, m.Sessions, m.RetainedMessages, m.InvariantViolations, m.ExpiredSessions,
		m.BridgeErrors, m.PersistErrors,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterRuntime 注册 Go 运行时和进程指标
func (m *Metrics) RegisterRuntime() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (m *Metrics) Connected() {
	m.ConnectionsTotal.Inc()
	m.peakMu.Lock()
	m.current++
	if m.current > m.peak {
		m.peak = m.current
		m.ConnectionsPeak.Set(float64(m.peak))
	}
	m.ConnectionsCurrent.Set(float64(m.current))
	m.peakMu.Unlock()
}

func (m *Metrics) Disconnected() {
	m.peakMu.Lock()
	if m.current > 0 {
		m.current--
	}
	m.ConnectionsCurrent.Set(float64(m.current))
	m.peakMu.Unlock()
}

func (m *Metrics) Published(qos byte) {
	m.PublishesReceived.WithLabelValues(strconv.Itoa(int(qos))).Inc()
}

func (m *Metrics) Delivered(qos byte) {
	m.Deliveries.WithLabelValues(strconv.Itoa(int(qos))).Inc()
}

func (m *Metrics) Dropped(reason string) {
	m.Drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) Rejected(outcome string) {
	m.ConnectionsRejected.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Server 在独立端口上提供 /metrics
type Server struct {
	server *http.Server
}

func NewServer(listen string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{server: &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

func (s *Server) Start() {
	go func() {
		logger.InfoF("Metrics server listen on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Metrics server error: %v", err)
		}
	}()
}

func (s *Server) Invoke(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 调用结果标签
const (
	outcomeOK           = "ok"
	outcomeRemoteError  = "remote_error"
	outcomeTimeout      = "timeout"
	outcomeCanceled     = "canceled"
	outcomeNotConnected = "not_connected"
	outcomeNetworkError = "network_error"
	outcomeDecodeError  = "decode_error"
)

// Metrics 客户端 Prometheus 指标
//
// nil *Metrics 的所有方法都是空操作。
type Metrics struct {
	PendingCalls        prometheus.Gauge
	Calls               *prometheus.CounterVec
	ReconnectAttempts   prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	EventsDelivered     *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec
}

// NewMetrics 使用默认注册器创建指标
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry 使用指定注册器创建指标
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		PendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wsrpc_pending_calls",
			Help: "The current number of calls waiting for a response",
		}),
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrpc_calls_total",
			Help: "The total number of completed calls by outcome",
		}, []string{"outcome"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsrpc_reconnect_attempts_total",
			Help: "The total number of reconnection attempts after an unclean close",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wsrpc_active_subscriptions",
			Help: "The current number of confirmed remote subscriptions",
		}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrpc_events_delivered_total",
			Help: "The total number of push events handed to listeners",
		}, []string{"event"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrpc_events_dropped_total",
			Help: "The total number of push events dropped because the delivery queue was full",
		}, []string{"event"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrpc_frames_dropped_total",
			Help: "The total number of inbound frames that matched nothing or failed to decode",
		}, []string{"reason"}),
	}
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.PendingCalls.Inc()
}

func (m *Metrics) callFinished(outcome string) {
	if m == nil {
		return
	}
	m.PendingCalls.Dec()
	m.Calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) subscriptionActive() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Inc()
}

func (m *Metrics) subscriptionRemoved() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Dec()
}

func (m *Metrics) eventDelivered(event string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(event).Inc()
}

func (m *Metrics) eventDropped(event string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(event).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// outcomeOf 将调用错误归类为指标标签
func outcomeOf(err error) string {
	var cerr *Error
	switch {
	case err == nil:
		return outcomeOK
	case errors.As(err, &cerr):
		switch cerr.Code {
		case ErrCodeRPCError:
			return outcomeRemoteError
		case ErrCodeTimeout:
			return outcomeTimeout
		case ErrCodeNotConnected:
			return outcomeNotConnected
		case ErrCodeInvalidResponse:
			return outcomeDecodeError
		}
		return outcomeNetworkError
	}
	return outcomeCanceled
}

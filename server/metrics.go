package server

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *brokerMetrics
)

type brokerMetrics struct {
	connections *prometheus.GaugeVec
	handshakes  *prometheus.CounterVec
	messages    *prometheus.CounterVec
	bans        prometheus.Counter
	tasks       *prometheus.CounterVec

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	messageCounter   metric.Int64Counter
}

func newBrokerMetrics() *brokerMetrics {
	metricsInitOnce.Do(func() {
		bm := &brokerMetrics{
			connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tlpbroker_connections",
				Help: "Live authenticated connections by role.",
			}, []string{"role"}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tlpbroker_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tlpbroker_messages_total",
				Help: "Count of protocol messages by direction and type.",
			}, []string{"direction", "type"}),
			bans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tlpbroker_bans_total",
				Help: "Total peers banned for exceeding the activity limit.",
			}),
			tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tlpbroker_tasks_total",
				Help: "Task lifecycle events.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(bm.connections, bm.handshakes, bm.messages, bm.bans, bm.tasks)
		bm.initMeter()
		sharedMetrics = bm
	})
	return sharedMetrics
}

func (m *brokerMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("tlpbroker/server")
	handshakes, err := meter.Int64Counter("tlpbroker.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("tlpbroker/server")
		handshakes, _ = fallback.Int64Counter("tlpbroker.handshakes")
		meter = fallback
	}
	messages, err := meter.Int64Counter("tlpbroker.messages")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("tlpbroker/server")
		messages, _ = fallback.Int64Counter("tlpbroker.messages")
		meter = fallback
	}
	m.meter = meter
	m.handshakeCounter = handshakes
	m.messageCounter = messages
}

func (m *brokerMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshakes.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

func (m *brokerMetrics) recordMessage(direction, msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.messages.WithLabelValues(direction, msgType).Inc()
	if m.messageCounter != nil {
		m.messageCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("type", msgType),
			),
		)
	}
}

func (m *brokerMetrics) recordBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
}

func (m *brokerMetrics) recordTaskEvent(event string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(event).Inc()
}

func (m *brokerMetrics) connectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *brokerMetrics) connectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

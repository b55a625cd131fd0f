package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mobilepay"

// Metrics 业务指标
// 所有方法对 nil 接收者安全，未注入指标时直接跳过
type Metrics struct {
	reconcileTotal       *prometheus.CounterVec
	webhookTotal         *prometheus.CounterVec
	pollAttemptsTotal    *prometheus.CounterVec
	walletOpsTotal       *prometheus.CounterVec
	gatewayRequestsTotal *prometheus.CounterVec
	gatewayLatency       *prometheus.HistogramVec
	outboxPublishedTotal *prometheus.CounterVec
	initiatedTotal       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "outcomes_total",
				Help:      "Reconciliation outcomes partitioned by signal source and result.",
			},
			[]string{"source", "result"},
		),
		webhookTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Inbound webhook deliveries partitioned by processing result.",
			},
			[]string{"result"},
		),
		pollAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "attempts_total",
				Help:      "Gateway status poll attempts partitioned by result.",
			},
			[]string{"result"},
		),
		walletOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "operations_total",
				Help:      "Wallet credit/debit operations partitioned by result.",
			},
			[]string{"op", "result"},
		),
		gatewayRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Outbound payment gateway requests partitioned by operation and result.",
			},
			[]string{"op", "result"},
		),
		gatewayLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Outbound payment gateway request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		outboxPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "published_total",
				Help:      "Outbox messages published to Kafka partitioned by result.",
			},
			[]string{"result"},
		),
		initiatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment",
				Name:      "initiated_total",
				Help:      "Payment initiations partitioned by kind and result.",
			},
			[]string{"kind", "result"},
		),
	}
}

func (m *Metrics) Reconcile(source, result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) PollAttempt(result string) {
	if m == nil {
		return
	}
	m.pollAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) WalletOp(op string, err error) {
	if m == nil {
		return
	}
	m.walletOpsTotal.WithLabelValues(op, resultOf(err)).Inc()
}

func (m *Metrics) GatewayRequest(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.gatewayRequestsTotal.WithLabelValues(op, resultOf(err)).Inc()
	m.gatewayLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) OutboxPublished(err error) {
	if m == nil {
		return
	}
	m.outboxPublishedTotal.WithLabelValues(resultOf(err)).Inc()
}

func (m *Metrics) Initiated(kind string, err error) {
	if m == nil {
		return
	}
	m.initiatedTotal.WithLabelValues(kind, resultOf(err)).Inc()
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

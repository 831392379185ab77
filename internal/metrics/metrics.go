package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	acceptOutcomes  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	ledgerOps       *prometheus.CounterVec
	ledgerDuration  *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	outboxPublished prometheus.Counter
	outboxFailures  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acceptOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_accept_total",
				Help: "Delivery accept attempts by outcome",
			},
			[]string{"outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_transitions_total",
				Help: "Committed delivery status transitions by target status",
			},
			[]string{"status"},
		),
		ledgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Wallet ledger operations by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		ledgerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of wallet ledger operations including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		outboxPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_events_published_total",
				Help: "Outbox events published to the broker",
			},
		),
		outboxFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_publish_failures_total",
				Help: "Outbox events that failed to publish",
			},
		),
	}
	reg.MustRegister(
		m.acceptOutcomes,
		m.transitions,
		m.ledgerOps,
		m.ledgerDuration,
		m.httpRequests,
		m.outboxPublished,
		m.outboxFailures,
	)
	return m
}

func (m *Metrics) AcceptOutcome(outcome string) {
	if m == nil {
		return
	}
	m.acceptOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) LedgerOp(txType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(txType, outcome).Inc()
	m.ledgerDuration.WithLabelValues(txType).Observe(took.Seconds())
}

func (m *Metrics) HTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
}

func (m *Metrics) OutboxPublished() {
	if m == nil {
		return
	}
	m.outboxPublished.Inc()
}

func (m *Metrics) OutboxFailed() {
	if m == nil {
		return
	}
	m.outboxFailures.Inc()
}

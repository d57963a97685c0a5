package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the billing worker's Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChargesTotal         *prometheus.CounterVec
	RenewalsTotal        *prometheus.CounterVec
	OutboxPublishedTotal prometheus.Counter
	OutboxFailedTotal    prometheus.Counter
	OutboxExhaustedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_charges_total",
				Help: "Charge attempts by provider outcome",
			},
			[]string{"outcome"},
		),
		RenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_renewals_total",
				Help: "Processed renewals by result",
			},
			[]string{"result"},
		),
		OutboxPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_outbox_published_total",
			Help: "Outbox entries delivered to the broker",
		}),
		OutboxFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_outbox_failed_total",
			Help: "Failed outbox publish attempts",
		}),
		OutboxExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_outbox_exhausted_total",
			Help: "Outbox entries that ran out of retries",
		}),
	}

	registry.MustRegister(
		m.ChargesTotal,
		m.RenewalsTotal,
		m.OutboxPublishedTotal,
		m.OutboxFailedTotal,
		m.OutboxExhaustedTotal,
	)

	return m
}

func (m *Metrics) RecordCharge(outcome string) {
	if m == nil {
		return
	}
	m.ChargesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRenewal(result string) {
	if m == nil {
		return
	}
	m.RenewalsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordOutbox(published, failed, exhausted int) {
	if m == nil {
		return
	}
	m.OutboxPublishedTotal.Add(float64(published))
	m.OutboxFailedTotal.Add(float64(failed))
	m.OutboxExhaustedTotal.Add(float64(exhausted))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes used as the "outcome" label.
const (
	OutboxDelivered    = "delivered"
	OutboxRetried      = "retried"
	OutboxDeadLettered = "dead_lettered"
)

// OutboxMetrics is safe to use as a nil pointer.
type OutboxMetrics struct {
	events  *prometheus.CounterVec
	batches prometheus.Histogram
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Outbox rows handled by the dispatcher by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		batches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_batch_size",
			Help:      "Rows claimed per non-empty dispatcher batch.",
			Buckets:   prometheus.LinearBuckets(5, 10, 10),
		}),
	}
	reg.MustRegister(m.events, m.batches)
	return m
}

func (m *OutboxMetrics) IncEvent(eventType, outcome string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *OutboxMetrics) ObserveBatch(size int) {
	if m == nil || m.batches == nil || size == 0 {
		return
	}
	m.batches.Observe(float64(size))
}

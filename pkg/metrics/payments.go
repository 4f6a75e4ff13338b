package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storefront"

// PaymentMetrics tracks purchase state transitions and provider callbacks.
type PaymentMetrics struct {
	transitions            *prometheus.CounterVec
	webhooks               *prometheus.CounterVec
	verifications          *prometheus.CounterVec
	reconciliationRequired prometheus.Counter
}

// NewPaymentMetrics registers the payment metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchase_transitions_total",
		Help:      "Purchase payment status transitions.",
	}, []string{"from", "to", "event"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "razorpay_webhooks_total",
		Help:      "Razorpay webhook deliveries by event and result.",
	}, []string{"event", "result"})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_verifications_total",
		Help:      "Client payment verification attempts by result.",
	}, []string{"result"})
	reconciliation := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchase_reconciliation_required_total",
		Help:      "Purchases whose provider order id could not be persisted.",
	})
	reg.MustRegister(transitions, webhooks, verifications, reconciliation)
	return &PaymentMetrics{
		transitions:            transitions,
		webhooks:               webhooks,
		verifications:          verifications,
		reconciliationRequired: reconciliation,
	}
}

func (m *PaymentMetrics) IncTransition(from, to, event string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(labelOrUnknown(from), labelOrUnknown(to), labelOrUnknown(event)).Inc()
}

func (m *PaymentMetrics) IncWebhook(event, result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(labelOrUnknown(event), labelOrUnknown(result)).Inc()
}

func (m *PaymentMetrics) IncVerification(result string) {
	if m == nil || m.verifications == nil {
		return
	}
	m.verifications.WithLabelValues(labelOrUnknown(result)).Inc()
}

func (m *PaymentMetrics) IncReconciliationRequired() {
	if m == nil || m.reconciliationRequired == nil {
		return
	}
	m.reconciliationRequired.Inc()
}

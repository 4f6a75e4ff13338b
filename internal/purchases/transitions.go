package purchases

import "github.com/resellerhq/storefront-backend/pkg/enums"

// EventKind names a payment signal that may move a purchase forward.
type EventKind string

const (
	EventPaymentAuthorized EventKind = "payment.authorized"
	EventPaymentCaptured   EventKind = "payment.captured"
	EventOrderPaid         EventKind = "order.paid"
	EventPaymentFailed     EventKind = "payment.failed"
	EventPaymentVerified   EventKind = "payment.verified"
	EventSignatureMismatch EventKind = "signature.mismatch"
	EventPurchaseExpired   EventKind = "purchase.expired"
)

type transition struct {
	from []enums.PaymentStatus
	to   enums.PaymentStatus
}

var open = []enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusProcessing}

var transitions = map[EventKind]transition{
	EventPaymentAuthorized: {from: []enums.PaymentStatus{enums.PaymentStatusPending}, to: enums.PaymentStatusProcessing},
	EventPaymentCaptured:   {from: open, to: enums.PaymentStatusCompleted},
	EventOrderPaid:         {from: open, to: enums.PaymentStatusCompleted},
	EventPaymentVerified:   {from: open, to: enums.PaymentStatusCompleted},
	EventPaymentFailed:     {from: open, to: enums.PaymentStatusFailed},
	EventSignatureMismatch: {from: open, to: enums.PaymentStatusFailed},
	EventPurchaseExpired:   {from: open, to: enums.PaymentStatusFailed},
}

// IsValid reports whether the kind has a transition rule.
func (k EventKind) IsValid() bool {
	_, ok := transitions[k]
	return ok
}

// Target resolves the status the event moves a purchase in status current to.
// ok is false when the event does not apply to current.
func Target(current enums.PaymentStatus, kind EventKind) (enums.PaymentStatus, bool) {
	rule, found := transitions[kind]
	if !found {
		return current, false
	}
	for _, source := range rule.from {
		if source == current {
			return rule.to, true
		}
	}
	return current, false
}

func sourcesFor(kind EventKind) []enums.PaymentStatus {
	return transitions[kind].from
}

func confirmsPayment(kind EventKind) bool {
	return transitions[kind].to == enums.PaymentStatusCompleted
}

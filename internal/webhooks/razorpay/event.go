package razorpaywebhook

// Razorpay webhook event names handled by the reconciler.
const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventOrderPaid         = "order.paid"
	EventPaymentLinkPaid   = "payment_link.paid"
)

// Event is the subset of a Razorpay webhook delivery the backend reads.
type Event struct {
	Entity    string   `json:"entity"`
	AccountID string   `json:"account_id"`
	Event     string   `json:"event"`
	Contains  []string `json:"contains"`
	Payload   Payload  `json:"payload"`
	CreatedAt int64    `json:"created_at"`
}

type Payload struct {
	Payment     *PaymentWrapper     `json:"payment,omitempty"`
	Order       *OrderWrapper       `json:"order,omitempty"`
	PaymentLink *PaymentLinkWrapper `json:"payment_link,omitempty"`
}

type PaymentWrapper struct {
	Entity PaymentEntity `json:"entity"`
}

type PaymentEntity struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	OrderID  string `json:"order_id"`
	Method   string `json:"method"`
	Email    string `json:"email"`
	Contact  string `json:"contact"`
}

type OrderWrapper struct {
	Entity OrderEntity `json:"entity"`
}

type OrderEntity struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Receipt    string `json:"receipt"`
}

type PaymentLinkWrapper struct {
	Entity PaymentLinkEntity `json:"entity"`
}

type PaymentLinkEntity struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Amount   int64    `json:"amount"`
	Currency string   `json:"currency"`
	Customer Customer `json:"customer"`
}

type Customer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Contact string `json:"contact"`
}

// PaymentEntity returns the embedded payment or an empty entity.
func (e *Event) PaymentEntity() PaymentEntity {
	if e == nil || e.Payload.Payment == nil {
		return PaymentEntity{}
	}
	return e.Payload.Payment.Entity
}

// OrderID resolves the provider order the event refers to.
func (e *Event) OrderID() string {
	if e == nil {
		return ""
	}
	if id := e.PaymentEntity().OrderID; id != "" {
		return id
	}
	if e.Payload.Order != nil {
		return e.Payload.Order.Entity.ID
	}
	return ""
}

package enums

// PaymentStatus tracks the lifecycle of a purchase against the payment provider.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
)

var paymentStatuses = members[PaymentStatus]{
	kind: "payment status",
	values: []PaymentStatus{
		PaymentStatusPending,
		PaymentStatusProcessing,
		PaymentStatusCompleted,
		PaymentStatusFailed,
	},
}

func (p PaymentStatus) String() string { return string(p) }
func (p PaymentStatus) IsValid() bool  { return paymentStatuses.has(p) }

// IsTerminal reports whether no further transitions are possible.
func (p PaymentStatus) IsTerminal() bool {
	return p == PaymentStatusCompleted || p == PaymentStatusFailed
}

func ParsePaymentStatus(value string) (PaymentStatus, error) { return paymentStatuses.parse(value) }

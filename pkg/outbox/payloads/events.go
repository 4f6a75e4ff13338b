package payloads

import (
	"time"

	"github.com/google/uuid"
)

// PurchaseItemSummary is the per-line snapshot carried in purchase events.
type PurchaseItemSummary struct {
	ItemType      string  `json:"item_type"`
	ItemID        string  `json:"item_id"`
	Name          string  `json:"name"`
	Price         string  `json:"price"`
	BillingPeriod *string `json:"billing_period,omitempty"`
}

// PurchaseCompletedEvent is emitted once when a purchase reaches completed.
type PurchaseCompletedEvent struct {
	PurchaseID        uuid.UUID             `json:"purchase_id"`
	UserID            uuid.UUID             `json:"user_id"`
	Email             string                `json:"email,omitempty"`
	TotalAmount       string                `json:"total_amount"`
	Currency          string                `json:"currency"`
	RazorpayOrderID   string                `json:"razorpay_order_id,omitempty"`
	RazorpayPaymentID string                `json:"razorpay_payment_id,omitempty"`
	PaymentMethod     string                `json:"payment_method,omitempty"`
	Trigger           string                `json:"trigger"`
	Items             []PurchaseItemSummary `json:"items"`
	CompletedAt       time.Time             `json:"completed_at"`
}

// PurchaseFailedEvent is emitted once when a purchase reaches failed.
type PurchaseFailedEvent struct {
	PurchaseID        uuid.UUID `json:"purchase_id"`
	UserID            uuid.UUID `json:"user_id"`
	RazorpayOrderID   string    `json:"razorpay_order_id,omitempty"`
	RazorpayPaymentID string    `json:"razorpay_payment_id,omitempty"`
	Trigger           string    `json:"trigger"`
	FailedAt          time.Time `json:"failed_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentLinkPayment records a payment collected through the configured Razorpay payment link.
type PaymentLinkPayment struct {
	ID                uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	PaymentLinkID     string          `gorm:"column:payment_link_id;not null"`
	RazorpayPaymentID string          `gorm:"column:razorpay_payment_id;not null"`
	Amount            decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency          string          `gorm:"column:currency;not null"`
	CustomerName      *string         `gorm:"column:customer_name"`
	CustomerEmail     *string         `gorm:"column:customer_email"`
	CustomerContact   *string         `gorm:"column:customer_contact"`
	CreatedAt         time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (p *PaymentLinkPayment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

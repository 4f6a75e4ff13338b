package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/pkg/enums"
)

// Purchase is the persisted record of one checkout attempt and its payment lifecycle.
type Purchase struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID            uuid.UUID           `gorm:"column:user_id;type:uuid;not null"`
	TotalAmount       decimal.Decimal     `gorm:"column:total_amount;type:numeric(12,2);not null"`
	Currency          string              `gorm:"column:currency;not null;default:'INR'"`
	PaymentStatus     enums.PaymentStatus `gorm:"column:payment_status;type:purchase_payment_status;not null;default:'pending'"`
	RazorpayOrderID   *string             `gorm:"column:razorpay_order_id"`
	RazorpayPaymentID *string             `gorm:"column:razorpay_payment_id"`
	PaymentMethod     *string             `gorm:"column:payment_method"`
	ExpiresAt         time.Time           `gorm:"column:expires_at;not null"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`
	Items             []PurchaseItem      `gorm:"foreignKey:PurchaseID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate assigns the primary key client-side so the id is known before the insert returns.
func (p *Purchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// ProviderOrderID returns the Razorpay order id or an empty string.
func (p *Purchase) ProviderOrderID() string {
	if p == nil || p.RazorpayOrderID == nil {
		return ""
	}
	return *p.RazorpayOrderID
}

// AmountMinorUnits converts the stored total into the provider's integer subunit.
func (p *Purchase) AmountMinorUnits() int64 {
	if p == nil {
		return 0
	}
	return p.TotalAmount.Shift(2).Round(0).IntPart()
}

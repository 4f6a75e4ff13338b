package purchases

import (
	"time"

	"github.com/google/uuid"

	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	"github.com/resellerhq/storefront-backend/pkg/outbox/payloads"
)

type PurchaseItemDTO struct {
	ID            uuid.UUID      `json:"id"`
	ItemType      enums.ItemType `json:"item_type"`
	ItemID        string         `json:"item_id"`
	Name          string         `json:"name"`
	Price         string         `json:"price"`
	BillingPeriod *string        `json:"billing_period,omitempty"`
}

type PurchaseDTO struct {
	ID                uuid.UUID           `json:"id"`
	UserID            uuid.UUID           `json:"user_id"`
	TotalAmount       string              `json:"total_amount"`
	AmountMinorUnits  int64               `json:"amount_minor_units"`
	Currency          string              `json:"currency"`
	PaymentStatus     enums.PaymentStatus `json:"payment_status"`
	RazorpayOrderID   *string             `json:"razorpay_order_id,omitempty"`
	RazorpayPaymentID *string             `json:"razorpay_payment_id,omitempty"`
	PaymentMethod     *string             `json:"payment_method,omitempty"`
	ExpiresAt         time.Time           `json:"expires_at"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	Items             []PurchaseItemDTO   `json:"items"`
}

type PurchaseList struct {
	Purchases  []PurchaseDTO `json:"purchases"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func FromModel(p *models.Purchase) *PurchaseDTO {
	if p == nil {
		return nil
	}
	items := make([]PurchaseItemDTO, 0, len(p.Items))
	for _, item := range p.Items {
		items = append(items, PurchaseItemDTO{
			ID:            item.ID,
			ItemType:      item.ItemType(),
			ItemID:        item.ItemID(),
			Name:          item.ItemName,
			Price:         item.Price.StringFixed(2),
			BillingPeriod: item.BillingPeriod,
		})
	}
	return &PurchaseDTO{
		ID:                p.ID,
		UserID:            p.UserID,
		TotalAmount:       p.TotalAmount.StringFixed(2),
		AmountMinorUnits:  p.AmountMinorUnits(),
		Currency:          p.Currency,
		PaymentStatus:     p.PaymentStatus,
		RazorpayOrderID:   p.RazorpayOrderID,
		RazorpayPaymentID: p.RazorpayPaymentID,
		PaymentMethod:     p.PaymentMethod,
		ExpiresAt:         p.ExpiresAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		Items:             items,
	}
}

func itemSummaries(items []models.PurchaseItem) []payloads.PurchaseItemSummary {
	out := make([]payloads.PurchaseItemSummary, 0, len(items))
	for _, item := range items {
		out = append(out, payloads.PurchaseItemSummary{
			ItemType:      string(item.ItemType()),
			ItemID:        item.ItemID(),
			Name:          item.ItemName,
			Price:         item.Price.StringFixed(2),
			BillingPeriod: item.BillingPeriod,
		})
	}
	return out
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

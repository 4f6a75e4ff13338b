package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/pkg/enums"
)

// PurchaseItem snapshots one catalog entity at the price it was bought for.
// Exactly one of ServiceID, BundleID and AddonID is set.
type PurchaseItem struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	PurchaseID    uuid.UUID       `gorm:"column:purchase_id;type:uuid;not null"`
	ServiceID     *string         `gorm:"column:service_id"`
	BundleID      *string         `gorm:"column:bundle_id"`
	AddonID       *string         `gorm:"column:addon_id"`
	ItemName      string          `gorm:"column:item_name;not null"`
	Price         decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null"`
	BillingPeriod *string         `gorm:"column:billing_period"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (i *PurchaseItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// ItemType reports which reference column is populated.
func (i PurchaseItem) ItemType() enums.ItemType {
	switch {
	case i.ServiceID != nil:
		return enums.ItemTypeService
	case i.BundleID != nil:
		return enums.ItemTypeBundle
	case i.AddonID != nil:
		return enums.ItemTypeAddon
	default:
		return ""
	}
}

// ItemID returns the populated reference id.
func (i PurchaseItem) ItemID() string {
	for _, ref := range []*string{i.ServiceID, i.BundleID, i.AddonID} {
		if ref != nil {
			return *ref
		}
	}
	return ""
}

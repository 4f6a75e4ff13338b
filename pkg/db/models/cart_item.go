package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/resellerhq/storefront-backend/pkg/enums"
)

// CartItem is a prospective item in a user's working cart.
type CartItem struct {
	ID        uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID    uuid.UUID      `gorm:"column:user_id;type:uuid;not null"`
	ItemID    string         `gorm:"column:item_id;not null"`
	ItemType  enums.ItemType `gorm:"column:item_type;type:item_type;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

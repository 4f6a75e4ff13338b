package testdb

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
)

// PurchaseFixture describes a seeded purchase. Zero values get sensible defaults.
type PurchaseFixture struct {
	UserID    uuid.UUID
	Status    enums.PaymentStatus
	Total     string
	OrderID   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SeedPurchase inserts a purchase with one service line item.
func SeedPurchase(t *testing.T, conn *gorm.DB, f PurchaseFixture) *models.Purchase {
	t.Helper()

	if f.UserID == uuid.Nil {
		f.UserID = uuid.New()
	}
	if f.Status == "" {
		f.Status = enums.PaymentStatusPending
	}
	if f.Total == "" {
		f.Total = "1180.00"
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.ExpiresAt.IsZero() {
		f.ExpiresAt = f.CreatedAt.Add(15 * time.Minute)
	}
	total := decimal.RequireFromString(f.Total)
	serviceID := "svc_" + uuid.NewString()[:8]

	purchase := &models.Purchase{
		ID:            uuid.New(),
		UserID:        f.UserID,
		TotalAmount:   total,
		Currency:      "INR",
		PaymentStatus: f.Status,
		ExpiresAt:     f.ExpiresAt,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.CreatedAt,
		Items: []models.PurchaseItem{{
			ServiceID: &serviceID,
			ItemName:  "Company registration",
			Price:     total.Div(decimal.RequireFromString("1.18")).Round(2),
		}},
	}
	if f.OrderID != "" {
		orderID := f.OrderID
		purchase.RazorpayOrderID = &orderID
	}
	require.NoError(t, conn.Create(purchase).Error)
	return purchase
}

// SeedCart inserts n cart items for the user.
func SeedCart(t *testing.T, conn *gorm.DB, userID uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		item := models.CartItem{
			ID:       uuid.New(),
			UserID:   userID,
			ItemID:   uuid.NewString(),
			ItemType: enums.ItemTypeService,
		}
		require.NoError(t, conn.Create(&item).Error)
	}
}

// CountRows returns the number of rows in table matching the optional condition.
func CountRows(t *testing.T, conn *gorm.DB, table string, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := conn.Table(table)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

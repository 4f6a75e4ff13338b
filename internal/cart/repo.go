package cart

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/repo"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
)

// Repository reads and clears a user's working cart. Cart contents are
// managed by the storefront client; the backend only empties the cart once
// a purchase settles.
type Repository struct {
	repo.Base
}

// NewRepository binds the repository to the provided DB handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// WithTx scopes the repository to the provided transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{Base: repo.NewBase(tx)}
}

// ListForUser returns the user's cart items oldest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	var items []models.CartItem
	err := r.DB(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// ClearForUser deletes every cart item owned by the user and reports how many were removed.
// Clearing an empty cart is not an error.
func (r *Repository) ClearForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	res := r.DB(ctx).Where("user_id = ?", userID).Delete(&models.CartItem{})
	return res.RowsAffected, res.Error
}

package purchases

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/repo"
	"github.com/resellerhq/storefront-backend/pkg/db"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	"github.com/resellerhq/storefront-backend/pkg/pagination"
)

// ErrProviderOrderAlreadySet is returned when a purchase already carries a provider order id.
var ErrProviderOrderAlreadySet = errors.New("provider order id already set")

// ErrProviderOrderTaken is returned when another purchase already owns the provider order id.
var ErrProviderOrderTaken = errors.New("provider order id belongs to another purchase")

// Postgres names the constraint; sqlite reports the column.
var providerOrderConstraints = []string{"purchases_razorpay_order_id_key", "purchases.razorpay_order_id"}

// Repository persists purchases and their line items.
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

// Create inserts the purchase together with its Items.
func (r *Repository) Create(ctx context.Context, purchase *models.Purchase) error {
	return r.DB(ctx).Create(purchase).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	return repo.FindOne[models.Purchase](r.withItems(ctx).Where("id = ?", id))
}

// FindByIDForUser returns gorm.ErrRecordNotFound when the purchase belongs to someone else.
func (r *Repository) FindByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Purchase, error) {
	return repo.FindOne[models.Purchase](r.withItems(ctx).Where("id = ? AND user_id = ?", id, userID))
}

func (r *Repository) FindByProviderOrderID(ctx context.Context, orderID string) (*models.Purchase, error) {
	return repo.FindOne[models.Purchase](r.withItems(ctx).Where("razorpay_order_id = ?", orderID))
}

// SetProviderOrderID stores the provider order id once; it is immutable afterwards.
func (r *Repository) SetProviderOrderID(ctx context.Context, id uuid.UUID, orderID string) error {
	res := r.DB(ctx).
		Model(&models.Purchase{}).
		Where("id = ? AND razorpay_order_id IS NULL", id).
		Updates(map[string]any{
			"razorpay_order_id": orderID,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		for _, constraint := range providerOrderConstraints {
			if db.IsUniqueViolation(res.Error, constraint) {
				return ErrProviderOrderTaken
			}
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProviderOrderAlreadySet
	}
	return nil
}

// Delete removes the purchase and its items together; inside an outer
// transaction it nests as a savepoint.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("purchase_id = ?", id).Delete(&models.PurchaseItem{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Purchase{}).Error
	})
}

// TransitionInput describes one conditional status write.
type TransitionInput struct {
	PurchaseID uuid.UUID
	From       []enums.PaymentStatus
	To         enums.PaymentStatus
	PaymentID  string
	Method     string
	At         time.Time
}

// Transition moves the purchase to To only while it is still in one of From.
// It returns false when no row matched, which means another writer already moved it.
func (r *Repository) Transition(ctx context.Context, input TransitionInput) (bool, error) {
	if len(input.From) == 0 {
		return false, nil
	}
	sources := make([]string, 0, len(input.From))
	for _, status := range input.From {
		sources = append(sources, string(status))
	}
	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	updates := map[string]any{
		"payment_status": input.To,
		"updated_at":     at,
	}
	if input.PaymentID != "" {
		updates["razorpay_payment_id"] = input.PaymentID
	}
	if input.Method != "" {
		updates["payment_method"] = input.Method
	}
	res := r.DB(ctx).
		Model(&models.Purchase{}).
		Where("id = ? AND payment_status IN ?", input.PurchaseID, sources).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListFilter narrows purchase listings.
type ListFilter struct {
	UserID *uuid.UUID
	Status *enums.PaymentStatus
}

// List returns one page of purchases newest first plus the cursor of the next page.
func (r *Repository) List(ctx context.Context, filter ListFilter, params pagination.Params) ([]models.Purchase, string, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", err
	}

	q := r.withItems(ctx).Model(&models.Purchase{})
	if filter.UserID != nil {
		q = q.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != nil {
		q = q.Where("payment_status = ?", *filter.Status)
	}
	if cursor != nil {
		q = q.Where("((created_at < ?) OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var rows []models.Purchase
	err = q.Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	if err != nil {
		return nil, "", err
	}

	rows, next := pagination.Trim(rows, params.Limit, func(p models.Purchase) pagination.Cursor {
		return pagination.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
	})
	return rows, next, nil
}

// FindStale returns open purchases whose checkout window closed before cutoff, oldest first.
func (r *Repository) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	var rows []models.Purchase
	err := r.DB(ctx).
		Where("payment_status IN ?", []string{string(enums.PaymentStatusPending), string(enums.PaymentStatusProcessing)}).
		Where("expires_at < ?", cutoff).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// withItems locks the purchase row when the repository is transaction scoped.
func (r *Repository) withItems(ctx context.Context) *gorm.DB {
	return r.ForRead(ctx).Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC").Order("id ASC")
	})
}

package paymentlinks

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/resellerhq/storefront-backend/internal/repo"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
)

// Repository stores payments collected through the configured payment link.
type Repository struct {
	repo.Base
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// Record inserts the payment unless its provider payment id was already recorded.
// inserted is false for duplicate deliveries.
func (r *Repository) Record(ctx context.Context, payment *models.PaymentLinkPayment) (bool, error) {
	if payment == nil {
		return false, errors.New("payment required")
	}
	res := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "razorpay_payment_id"}},
		DoNothing: true,
	}).Create(payment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) FindByPaymentID(ctx context.Context, paymentID string) (*models.PaymentLinkPayment, error) {
	var payment models.PaymentLinkPayment
	if err := r.DB(ctx).Where("razorpay_payment_id = ?", paymentID).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

package checkout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/purchases"
	pkgcheckout "github.com/resellerhq/storefront-backend/pkg/checkout"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/razorpay"
)

const (
	defaultPurchaseTTL     = 15 * time.Minute
	defaultProviderTimeout = 10 * time.Second
	defaultCurrency        = "INR"
	cleanupTimeout         = 5 * time.Second
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderProvider interface {
	CreateOrder(ctx context.Context, params razorpay.OrderParams) (*razorpay.Order, error)
	KeyID() string
}

// LineItem is one requested catalog entity with its client-quoted price.
type LineItem struct {
	ID            string          `json:"id" validate:"required"`
	Name          string          `json:"name" validate:"required"`
	Price         decimal.Decimal `json:"price" validate:"gt=0"`
	Type          enums.ItemType  `json:"type" validate:"required,oneof=service bundle addon"`
	BillingPeriod *string         `json:"billing_period,omitempty"`
}

type CreateOrderInput struct {
	UserID uuid.UUID
	Items  []LineItem
}

// OrderResult is everything the client needs to open the provider's payment flow.
type OrderResult struct {
	PurchaseID        uuid.UUID `json:"purchase_id"`
	ProviderOrderID   string    `json:"provider_order_id"`
	AmountMinorUnits  int64     `json:"amount_minor_units"`
	Currency          string    `json:"currency"`
	ProviderPublicKey string    `json:"provider_public_key"`
}

type ServiceParams struct {
	Purchases       *purchases.Repository
	TxRunner        txRunner
	Provider        orderProvider
	Metrics         *metrics.PaymentMetrics
	Logger          *logger.Logger
	Currency        string
	PurchaseTTL     time.Duration
	ProviderTimeout time.Duration
	Clock           func() time.Time
}

// Service is the order gateway: it records a purchase and registers the matching provider order.
type Service struct {
	purchases       *purchases.Repository
	tx              txRunner
	provider        orderProvider
	metrics         *metrics.PaymentMetrics
	logg            *logger.Logger
	currency        string
	purchaseTTL     time.Duration
	providerTimeout time.Duration
	now             func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Purchases == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchases repo required")
	}
	if params.TxRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order provider required")
	}
	svc := &Service{
		purchases:       params.Purchases,
		tx:              params.TxRunner,
		provider:        params.Provider,
		metrics:         params.Metrics,
		logg:            params.Logger,
		currency:        strings.ToUpper(strings.TrimSpace(params.Currency)),
		purchaseTTL:     params.PurchaseTTL,
		providerTimeout: params.ProviderTimeout,
		now:             params.Clock,
	}
	if svc.currency == "" {
		svc.currency = defaultCurrency
	}
	if svc.purchaseTTL <= 0 {
		svc.purchaseTTL = defaultPurchaseTTL
	}
	if svc.providerTimeout <= 0 {
		svc.providerTimeout = defaultProviderTimeout
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc, nil
}

// CreateOrder persists a pending purchase, creates the provider order and links the two.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*OrderResult, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	lines := make([]pkgcheckout.LineItemInput, 0, len(input.Items))
	prices := make([]decimal.Decimal, 0, len(input.Items))
	for _, item := range input.Items {
		lines = append(lines, pkgcheckout.LineItemInput{
			ItemID:   item.ID,
			ItemType: item.Type,
			Name:     item.Name,
			Price:    item.Price,
		})
		prices = append(prices, item.Price)
	}
	if err := pkgcheckout.ValidateLineItems(lines); err != nil {
		return nil, err
	}

	quote := PriceItems(prices)
	now := s.now()
	purchase := &models.Purchase{
		ID:            uuid.New(),
		UserID:        input.UserID,
		TotalAmount:   quote.Total,
		Currency:      s.currency,
		PaymentStatus: enums.PaymentStatusPending,
		ExpiresAt:     now.Add(s.purchaseTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
		Items:         buildItems(input.Items),
	}

	ctx = s.withFields(ctx, map[string]any{
		"purchase_id": purchase.ID.String(),
		"user_id":     input.UserID.String(),
	})

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.purchases.WithTx(tx).Create(ctx, purchase)
	})
	if err != nil {
		s.logError(ctx, "persist purchase failed", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnprocessable, err, "purchase could not be created")
	}

	providerCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	order, err := s.provider.CreateOrder(providerCtx, razorpay.OrderParams{
		AmountMinor: quote.AmountMinorUnits,
		Currency:    s.currency,
		Receipt:     Receipt(purchase.ID),
		Notes: map[string]string{
			"purchase_id": purchase.ID.String(),
			"user_id":     input.UserID.String(),
		},
	})
	if err == nil && (order == nil || strings.TrimSpace(order.ID) == "") {
		err = pkgerrors.New(pkgerrors.CodeDependency, "provider returned no order id")
	}
	if err != nil {
		s.logError(ctx, "provider order creation failed", err)
		s.discard(ctx, purchase.ID)
		return nil, pkgerrors.Wrap(pkgerrors.CodeUpstream, err, "payment provider order could not be created")
	}

	ctx = s.withFields(ctx, map[string]any{"razorpay_order_id": order.ID})
	if err := s.purchases.SetProviderOrderID(ctx, purchase.ID, order.ID); err != nil {
		s.metrics.IncReconciliationRequired()
		s.logError(ctx, "provider order id not persisted; purchase requires manual reconciliation", err)
		if errors.Is(err, purchases.ErrProviderOrderTaken) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "provider order is already linked to another purchase")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnprocessable, err, "purchase could not be linked to the provider order")
	}

	if s.logg != nil {
		s.logg.Info(ctx, "checkout order created")
	}
	return &OrderResult{
		PurchaseID:        purchase.ID,
		ProviderOrderID:   order.ID,
		AmountMinorUnits:  quote.AmountMinorUnits,
		Currency:          s.currency,
		ProviderPublicKey: s.provider.KeyID(),
	}, nil
}

// discard removes a purchase whose provider order never materialized.
// The request context may already be canceled by the time the provider gives up.
func (s *Service) discard(ctx context.Context, id uuid.UUID) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.purchases.Delete(delCtx, id); err != nil {
		s.logError(ctx, "delete orphaned purchase failed", err)
	}
}

func buildItems(items []LineItem) []models.PurchaseItem {
	out := make([]models.PurchaseItem, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ID)
		row := models.PurchaseItem{
			ItemName:      strings.TrimSpace(item.Name),
			Price:         item.Price,
			BillingPeriod: item.BillingPeriod,
		}
		switch item.Type {
		case enums.ItemTypeService:
			row.ServiceID = &id
		case enums.ItemTypeBundle:
			row.BundleID = &id
		case enums.ItemTypeAddon:
			row.AddonID = &id
		}
		out = append(out, row)
	}
	return out
}

func (s *Service) withFields(ctx context.Context, fields map[string]any) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithFields(ctx, fields)
}

func (s *Service) logError(ctx context.Context, msg string, err error) {
	if s.logg != nil {
		s.logg.Error(s.logg.WithFields(ctx, pkgerrors.Diagnose(err).Fields()), msg, err)
	}
}

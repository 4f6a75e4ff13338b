package verification

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/razorpay"
	"github.com/resellerhq/storefront-backend/pkg/security"
)

const defaultProviderTimeout = 10 * time.Second

type purchaseReader interface {
	FindByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Purchase, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error)
}

type purchaseAdvancer interface {
	Advance(ctx context.Context, purchaseID uuid.UUID, event purchases.Event) (*purchases.Outcome, error)
}

type paymentFetcher interface {
	FetchPayment(ctx context.Context, paymentID string) (*razorpay.Payment, error)
}

// Input is the client's confirmation of a completed provider checkout.
type Input struct {
	UserID     uuid.UUID
	Email      string
	PurchaseID uuid.UUID
	OrderID    string
	PaymentID  string
	Signature  string
}

type Result struct {
	Success       bool                `json:"success"`
	PurchaseID    uuid.UUID           `json:"purchase_id"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
}

type ServiceParams struct {
	Purchases       purchaseReader
	Advancer        purchaseAdvancer
	Provider        paymentFetcher
	KeySecret       string
	ProviderTimeout time.Duration
	Metrics         *metrics.PaymentMetrics
	Logger          *logger.Logger
}

// Service confirms a payment reported by the client against the provider.
type Service struct {
	purchases       purchaseReader
	advancer        purchaseAdvancer
	provider        paymentFetcher
	keySecret       string
	providerTimeout time.Duration
	metrics         *metrics.PaymentMetrics
	logg            *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Purchases == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchase reader required")
	}
	if params.Advancer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchase advancer required")
	}
	if params.Provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment fetcher required")
	}
	if strings.TrimSpace(params.KeySecret) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "razorpay key secret required")
	}
	timeout := params.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &Service{
		purchases:       params.Purchases,
		advancer:        params.Advancer,
		provider:        params.Provider,
		keySecret:       params.KeySecret,
		providerTimeout: timeout,
		metrics:         params.Metrics,
		logg:            params.Logger,
	}, nil
}

// Verify checks the client's payment proof and, when every check passes,
// completes the purchase. Provider failures leave the purchase untouched.
func (s *Service) Verify(ctx context.Context, input Input) (*Result, error) {
	result, outcome, err := s.verify(ctx, input)
	s.metrics.IncVerification(outcome)
	return result, err
}

func (s *Service) verify(ctx context.Context, input Input) (*Result, string, error) {
	if input.UserID == uuid.Nil {
		return nil, "unauthorized", pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	input.OrderID = strings.TrimSpace(input.OrderID)
	input.PaymentID = strings.TrimSpace(input.PaymentID)
	input.Signature = strings.TrimSpace(input.Signature)
	if input.PurchaseID == uuid.Nil || input.OrderID == "" || input.PaymentID == "" || input.Signature == "" {
		return nil, "bad_request", pkgerrors.New(pkgerrors.CodeValidation, "payment_id, order_id, signature and purchase_id are required")
	}

	ctx = s.withFields(ctx, map[string]any{
		"purchase_id":         input.PurchaseID.String(),
		"razorpay_order_id":   input.OrderID,
		"razorpay_payment_id": input.PaymentID,
	})

	purchase, err := s.purchases.FindByIDForUser(ctx, input.PurchaseID, input.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "not_found", pkgerrors.New(pkgerrors.CodeNotFound, "purchase not found")
		}
		s.logError(ctx, "load purchase failed", err)
		return nil, "error", pkgerrors.Wrap(pkgerrors.CodeUnprocessable, err, "purchase could not be loaded")
	}

	if purchase.PaymentStatus == enums.PaymentStatusCompleted {
		return resultFor(purchase.ID, purchase.PaymentStatus), "already_completed", nil
	}

	if purchase.ProviderOrderID() != input.OrderID {
		s.warn(ctx, "verification order id does not match purchase")
		return nil, "order_mismatch", pkgerrors.New(pkgerrors.CodeValidation, "order id does not match purchase")
	}

	message := security.PaymentSignatureMessage(input.OrderID, input.PaymentID)
	if !security.VerifyHMACSHA256(message, input.Signature, s.keySecret) {
		s.warn(ctx, "payment signature mismatch")
		if _, advErr := s.advancer.Advance(ctx, purchase.ID, purchases.Event{Kind: purchases.EventSignatureMismatch}); advErr != nil {
			s.logError(ctx, "mark purchase failed after signature mismatch", advErr)
		}
		return nil, "signature_mismatch", pkgerrors.New(pkgerrors.CodeValidation, "invalid payment signature")
	}

	providerCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	payment, err := s.provider.FetchPayment(providerCtx, input.PaymentID)
	if err != nil {
		s.logError(ctx, "fetch payment from provider failed", err)
		return nil, "upstream_failure", pkgerrors.Wrap(pkgerrors.CodeUpstream, err, "payment could not be fetched from provider")
	}
	if payment == nil {
		return nil, "upstream_failure", pkgerrors.New(pkgerrors.CodeUpstream, "provider returned no payment")
	}

	if payment.OrderID != "" && payment.OrderID != input.OrderID {
		s.warn(ctx, "provider payment belongs to another order")
		return nil, "order_mismatch", pkgerrors.New(pkgerrors.CodeValidation, "payment does not belong to order")
	}
	if payment.Status != razorpay.PaymentStatusCaptured && payment.Status != razorpay.PaymentStatusAuthorized {
		return nil, "status_mismatch", pkgerrors.New(pkgerrors.CodeValidation, "payment is not captured or authorized").
			WithDetails(map[string]any{"provider_status": payment.Status})
	}
	if payment.Amount != purchase.AmountMinorUnits() {
		s.warn(ctx, "provider amount does not match purchase total")
		return nil, "amount_mismatch", pkgerrors.New(pkgerrors.CodeValidation, "payment amount does not match purchase")
	}
	if payment.Currency != "" && !strings.EqualFold(payment.Currency, purchase.Currency) {
		s.warn(ctx, "provider currency does not match purchase")
		return nil, "amount_mismatch", pkgerrors.New(pkgerrors.CodeValidation, "payment currency does not match purchase")
	}

	outcome, err := s.advancer.Advance(ctx, purchase.ID, purchases.Event{
		Kind:      purchases.EventPaymentVerified,
		PaymentID: payment.ID,
		Method:    payment.Method,
		Email:     firstNonEmpty(input.Email, payment.Email),
	})
	if err != nil {
		s.logError(ctx, "complete purchase failed", err)
		return nil, "error", pkgerrors.Wrap(pkgerrors.CodeUnprocessable, err, "purchase could not be updated")
	}

	status := outcome.To
	if !outcome.Applied {
		// another path moved the purchase first; report where it ended up
		latest, err := s.purchases.FindByID(ctx, purchase.ID)
		if err != nil {
			s.logError(ctx, "reload purchase failed", err)
			return nil, "error", pkgerrors.Wrap(pkgerrors.CodeUnprocessable, err, "purchase could not be loaded")
		}
		status = latest.PaymentStatus
	}
	if status != enums.PaymentStatusCompleted {
		s.warn(ctx, "verified payment for purchase that is not completed")
		return resultFor(purchase.ID, status), "not_completed", nil
	}
	if s.logg != nil {
		s.logg.Info(ctx, "payment verified")
	}
	return resultFor(purchase.ID, status), "verified", nil
}

func resultFor(id uuid.UUID, status enums.PaymentStatus) *Result {
	return &Result{
		Success:       status == enums.PaymentStatusCompleted,
		PurchaseID:    id,
		PaymentStatus: status,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (s *Service) withFields(ctx context.Context, fields map[string]any) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithFields(ctx, fields)
}

func (s *Service) warn(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Warn(ctx, msg)
	}
}

func (s *Service) logError(ctx context.Context, msg string, err error) {
	if s.logg != nil {
		s.logg.Error(ctx, msg, err)
	}
}

package razorpaywebhook

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
)

// Results reported for a handled delivery. They double as metric labels.
const (
	ResultProcessed    = "processed"
	ResultNoop         = "noop"
	ResultIgnored      = "ignored"
	ResultUnknownOrder = "unknown_order"
	ResultLinkRecorded = "link_recorded"
	ResultDuplicate    = "duplicate"
)

var purchaseEvents = map[string]purchases.EventKind{
	EventPaymentAuthorized: purchases.EventPaymentAuthorized,
	EventPaymentCaptured:   purchases.EventPaymentCaptured,
	EventPaymentFailed:     purchases.EventPaymentFailed,
	EventOrderPaid:         purchases.EventOrderPaid,
}

type purchaseLookup interface {
	FindByProviderOrderID(ctx context.Context, orderID string) (*models.Purchase, error)
}

type purchaseAdvancer interface {
	Advance(ctx context.Context, purchaseID uuid.UUID, event purchases.Event) (*purchases.Outcome, error)
}

type linkRecorder interface {
	Record(ctx context.Context, payment *models.PaymentLinkPayment) (bool, error)
}

type ServiceParams struct {
	Purchases     purchaseLookup
	Advancer      purchaseAdvancer
	Links         linkRecorder
	PaymentLinkID string
	Logger        *logger.Logger
}

// Service reconciles purchases from provider webhook deliveries.
type Service struct {
	purchases     purchaseLookup
	advancer      purchaseAdvancer
	links         linkRecorder
	paymentLinkID string
	logg          *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Purchases == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchase lookup required")
	}
	if params.Advancer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchase advancer required")
	}
	if params.Links == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment link recorder required")
	}
	return &Service{
		purchases:     params.Purchases,
		advancer:      params.Advancer,
		links:         params.Links,
		paymentLinkID: strings.TrimSpace(params.PaymentLinkID),
		logg:          params.Logger,
	}, nil
}

// HandleEvent applies a verified delivery. Deliveries that can never succeed
// are acknowledged with a result; only transient failures return an error.
func (s *Service) HandleEvent(ctx context.Context, event *Event) (string, error) {
	if event == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "razorpay event required")
	}
	payment := event.PaymentEntity()
	fields := map[string]any{"event_type": event.Event}
	if payment.ID != "" {
		fields["razorpay_payment_id"] = payment.ID
	}
	if orderID := event.OrderID(); orderID != "" {
		fields["razorpay_order_id"] = orderID
	}
	ctx = s.withFields(ctx, fields)

	if event.Event == EventPaymentLinkPaid {
		return s.recordPaymentLink(ctx, event)
	}

	kind, ok := purchaseEvents[event.Event]
	if !ok {
		s.info(ctx, "razorpay event ignored")
		return ResultIgnored, nil
	}

	orderID := event.OrderID()
	if orderID == "" {
		s.warn(ctx, "razorpay event carries no order id")
		return ResultIgnored, nil
	}

	purchase, err := s.purchases.FindByProviderOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.info(ctx, "no purchase for razorpay order")
			return ResultUnknownOrder, nil
		}
		s.logError(ctx, "purchase lookup failed", err)
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup purchase")
	}
	ctx = s.withFields(ctx, map[string]any{"purchase_id": purchase.ID.String()})

	outcome, err := s.advancer.Advance(ctx, purchase.ID, purchases.Event{
		Kind:      kind,
		PaymentID: payment.ID,
		Method:    payment.Method,
		Email:     payment.Email,
	})
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			s.info(ctx, "purchase vanished before reconciliation")
			return ResultUnknownOrder, nil
		}
		s.logError(ctx, "purchase reconciliation failed", err)
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "advance purchase")
	}
	if !outcome.Applied {
		return ResultNoop, nil
	}
	return ResultProcessed, nil
}

func (s *Service) recordPaymentLink(ctx context.Context, event *Event) (string, error) {
	if event.Payload.PaymentLink == nil {
		s.warn(ctx, "payment link event without payment link entity")
		return ResultIgnored, nil
	}
	link := event.Payload.PaymentLink.Entity
	if s.paymentLinkID == "" || link.ID != s.paymentLinkID {
		s.debug(ctx, "payment link event for another link ignored")
		return ResultIgnored, nil
	}
	payment := event.PaymentEntity()
	if payment.ID == "" {
		s.warn(ctx, "payment link event without payment id")
		return ResultIgnored, nil
	}

	amount := payment.Amount
	if amount == 0 {
		amount = link.Amount
	}
	currency := firstNonEmpty(payment.Currency, link.Currency, "INR")
	record := &models.PaymentLinkPayment{
		PaymentLinkID:     link.ID,
		RazorpayPaymentID: payment.ID,
		Amount:            decimal.New(amount, -2),
		Currency:          strings.ToUpper(currency),
		CustomerName:      optional(link.Customer.Name),
		CustomerEmail:     optional(firstNonEmpty(link.Customer.Email, payment.Email)),
		CustomerContact:   optional(firstNonEmpty(link.Customer.Contact, payment.Contact)),
	}
	inserted, err := s.links.Record(ctx, record)
	if err != nil {
		s.logError(ctx, "record payment link payment failed", err)
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record payment link payment")
	}
	if !inserted {
		return ResultDuplicate, nil
	}
	s.info(ctx, "payment link payment recorded")
	return ResultLinkRecorded, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (s *Service) withFields(ctx context.Context, fields map[string]any) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithFields(ctx, fields)
}

func (s *Service) debug(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Debug(ctx, msg)
	}
}

func (s *Service) info(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Info(ctx, msg)
	}
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

package purchases

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/cart"
	"github.com/resellerhq/storefront-backend/internal/repo"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/outbox"
	"github.com/resellerhq/storefront-backend/pkg/outbox/payloads"
	"github.com/resellerhq/storefront-backend/pkg/pagination"
)

// Outcome reasons.
const (
	ReasonApplied          = "applied"
	ReasonAlreadyCompleted = "already_completed"
	ReasonNotApplicable    = "not_applicable"
	ReasonLostRace         = "lost_race"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Event is a payment signal for one purchase. PaymentID, Method and Email
// are recorded when present.
type Event struct {
	Kind      EventKind
	PaymentID string
	Method    string
	Email     string
}

// Outcome reports what Advance did. Applied is false for every no-op.
type Outcome struct {
	PurchaseID uuid.UUID
	From       enums.PaymentStatus
	To         enums.PaymentStatus
	Applied    bool
	Reason     string
}

type ServiceParams struct {
	Repo     *Repository
	Cart     *cart.Repository
	Outbox   outboxEmitter
	TxRunner txRunner
	Metrics  *metrics.PaymentMetrics
	Logger   *logger.Logger
	Clock    func() time.Time
}

type Service struct {
	repo    *Repository
	cart    *cart.Repository
	outbox  outboxEmitter
	tx      txRunner
	metrics *metrics.PaymentMetrics
	logg    *logger.Logger
	now     func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchases repo required")
	}
	if params.Cart == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cart repo required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	}
	if params.TxRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	now := params.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:    params.Repo,
		cart:    params.Cart,
		outbox:  params.Outbox,
		tx:      params.TxRunner,
		metrics: params.Metrics,
		logg:    params.Logger,
		now:     now,
	}, nil
}

// Advance applies event to the purchase. Every confirmation path goes through
// here so the cart is cleared and the outbox event queued exactly once, in the
// same transaction as the winning status write.
func (s *Service) Advance(ctx context.Context, purchaseID uuid.UUID, event Event) (*Outcome, error) {
	if purchaseID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "purchase id required")
	}
	if !event.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown purchase event")
	}

	current, err := s.repo.FindByID(ctx, purchaseID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "purchase not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase")
	}

	ctx = s.logContext(ctx, current, event)
	outcome := &Outcome{PurchaseID: purchaseID, From: current.PaymentStatus, To: current.PaymentStatus}

	if current.PaymentStatus == enums.PaymentStatusCompleted {
		outcome.Reason = ReasonAlreadyCompleted
		s.debug(ctx, "purchase already completed")
		return outcome, nil
	}

	target, ok := Target(current.PaymentStatus, event.Kind)
	if !ok {
		outcome.Reason = ReasonNotApplicable
		if current.PaymentStatus == enums.PaymentStatusFailed && confirmsPayment(event.Kind) {
			s.warn(ctx, "payment confirmed for failed purchase; refund review required")
		} else {
			s.info(ctx, "purchase event ignored in current state")
		}
		return outcome, nil
	}

	now := s.now()
	applied := false
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		won, err := txRepo.Transition(ctx, TransitionInput{
			PurchaseID: purchaseID,
			From:       sourcesFor(event.Kind),
			To:         target,
			PaymentID:  event.PaymentID,
			Method:     event.Method,
			At:         now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update purchase status")
		}
		if !won {
			return nil
		}
		applied = true

		updated, err := txRepo.FindByID(ctx, purchaseID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload purchase")
		}

		switch target {
		case enums.PaymentStatusCompleted:
			if _, err := s.cart.WithTx(tx).ClearForUser(ctx, updated.UserID); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear cart")
			}
			return s.outbox.Emit(ctx, tx, completedEvent(updated, event, now))
		case enums.PaymentStatusFailed:
			return s.outbox.Emit(ctx, tx, failedEvent(updated, event, now))
		}
		return nil
	})
	if err != nil {
		if s.logg != nil {
			s.logg.Error(s.logg.WithFields(ctx, pkgerrors.Diagnose(err).Fields()), "purchase transition failed", err)
		}
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "advance purchase")
		}
		return nil, err
	}

	if !applied {
		outcome.Reason = ReasonLostRace
		s.info(ctx, "purchase already moved by a concurrent update")
		return outcome, nil
	}

	outcome.To = target
	outcome.Applied = true
	outcome.Reason = ReasonApplied
	s.metrics.IncTransition(string(outcome.From), string(target), string(event.Kind))
	s.info(ctx, "purchase status advanced to "+string(target))
	return outcome, nil
}

// GetForUser returns a purchase owned by userID; other users see not found.
func (s *Service) GetForUser(ctx context.Context, userID, purchaseID uuid.UUID) (*PurchaseDTO, error) {
	purchase, err := s.repo.FindByIDForUser(ctx, purchaseID, userID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "purchase not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load purchase")
	}
	return FromModel(purchase), nil
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*PurchaseList, error) {
	return s.list(ctx, ListFilter{UserID: &userID}, params)
}

// ListAll backs the admin dashboard. A nil status lists every purchase.
func (s *Service) ListAll(ctx context.Context, status *enums.PaymentStatus, params pagination.Params) (*PurchaseList, error) {
	if status != nil && !status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid payment status")
	}
	return s.list(ctx, ListFilter{Status: status}, params)
}

func (s *Service) list(ctx context.Context, filter ListFilter, params pagination.Params) (*PurchaseList, error) {
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, next, err := s.repo.List(ctx, filter, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list purchases")
	}
	out := &PurchaseList{Purchases: make([]PurchaseDTO, 0, len(rows)), NextCursor: next}
	for i := range rows {
		out.Purchases = append(out.Purchases, *FromModel(&rows[i]))
	}
	return out, nil
}

func completedEvent(p *models.Purchase, event Event, at time.Time) outbox.DomainEvent {
	return outbox.DomainEvent{
		EventType:     enums.EventPurchaseCompleted,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   p.ID,
		Actor:         &outbox.ActorRef{UserID: p.UserID},
		OccurredAt:    at,
		Data: payloads.PurchaseCompletedEvent{
			PurchaseID:        p.ID,
			UserID:            p.UserID,
			Email:             event.Email,
			TotalAmount:       p.TotalAmount.StringFixed(2),
			Currency:          p.Currency,
			RazorpayOrderID:   p.ProviderOrderID(),
			RazorpayPaymentID: derefString(p.RazorpayPaymentID),
			PaymentMethod:     derefString(p.PaymentMethod),
			Trigger:           string(event.Kind),
			Items:             itemSummaries(p.Items),
			CompletedAt:       at,
		},
	}
}

func failedEvent(p *models.Purchase, event Event, at time.Time) outbox.DomainEvent {
	return outbox.DomainEvent{
		EventType:     enums.EventPurchaseFailed,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   p.ID,
		Actor:         &outbox.ActorRef{UserID: p.UserID},
		OccurredAt:    at,
		Data: payloads.PurchaseFailedEvent{
			PurchaseID:        p.ID,
			UserID:            p.UserID,
			RazorpayOrderID:   p.ProviderOrderID(),
			RazorpayPaymentID: derefString(p.RazorpayPaymentID),
			Trigger:           string(event.Kind),
			FailedAt:          at,
		},
	}
}

func (s *Service) logContext(ctx context.Context, p *models.Purchase, event Event) context.Context {
	if s.logg == nil {
		return ctx
	}
	fields := map[string]any{
		"purchase_id":    p.ID.String(),
		"event":          string(event.Kind),
		"payment_status": string(p.PaymentStatus),
	}
	if orderID := p.ProviderOrderID(); orderID != "" {
		fields["razorpay_order_id"] = orderID
	}
	if event.PaymentID != "" {
		fields["razorpay_payment_id"] = event.PaymentID
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

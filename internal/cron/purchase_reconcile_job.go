package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/razorpay"
)

const (
	defaultReconcileGrace     = 15 * time.Minute
	defaultReconcileBatchSize = 100
	defaultProviderTimeout    = 10 * time.Second
)

type stalePurchaseFinder interface {
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error)
}

type orderPaymentsLister interface {
	ListOrderPayments(ctx context.Context, orderID string) ([]razorpay.Payment, error)
}

type purchaseAdvancer interface {
	Advance(ctx context.Context, purchaseID uuid.UUID, event purchases.Event) (*purchases.Outcome, error)
}

// PurchaseReconcileJobParams configure the stale purchase reconciler.
type PurchaseReconcileJobParams struct {
	Logger          *logger.Logger
	Purchases       stalePurchaseFinder
	Provider        orderPaymentsLister
	Advancer        purchaseAdvancer
	Grace           time.Duration
	BatchSize       int
	ProviderTimeout time.Duration
}

// NewPurchaseReconcileJob builds the job settling purchases whose checkout
// window closed without a webhook or client confirmation.
func NewPurchaseReconcileJob(params PurchaseReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Purchases == nil {
		return nil, fmt.Errorf("purchase finder required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("razorpay client required")
	}
	if params.Advancer == nil {
		return nil, fmt.Errorf("purchase advancer required")
	}
	job := &purchaseReconcileJob{
		logg:      params.Logger,
		purchases: params.Purchases,
		provider:  params.Provider,
		advancer:  params.Advancer,
		grace:     params.Grace,
		batchSize: params.BatchSize,
		timeout:   params.ProviderTimeout,
		now:       time.Now,
	}
	if job.grace <= 0 {
		job.grace = defaultReconcileGrace
	}
	if job.batchSize <= 0 {
		job.batchSize = defaultReconcileBatchSize
	}
	if job.timeout <= 0 {
		job.timeout = defaultProviderTimeout
	}
	return job, nil
}

type purchaseReconcileJob struct {
	logg      *logger.Logger
	purchases stalePurchaseFinder
	provider  orderPaymentsLister
	advancer  purchaseAdvancer
	grace     time.Duration
	batchSize int
	timeout   time.Duration
	now       func() time.Time
}

func (j *purchaseReconcileJob) Name() string { return "purchase-reconcile" }

func (j *purchaseReconcileJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.grace)
	stale, err := j.purchases.FindStale(ctx, cutoff, j.batchSize)
	if err != nil {
		return fmt.Errorf("query stale purchases: %w", err)
	}

	var errs error
	completed, failed := 0, 0
	for _, purchase := range stale {
		kind, err := j.reconcile(ctx, purchase)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("purchase %s: %w", purchase.ID, err))
			continue
		}
		switch kind {
		case purchases.EventPaymentCaptured:
			completed++
		case purchases.EventPurchaseExpired:
			failed++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":    cutoff,
		"stale":     len(stale),
		"completed": completed,
		"failed":    failed,
		"errors":    len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "purchase reconciliation loop complete")
	return errs
}

func (j *purchaseReconcileJob) reconcile(ctx context.Context, purchase models.Purchase) (purchases.EventKind, error) {
	fields := map[string]any{"purchase_id": purchase.ID.String()}
	orderID := purchase.ProviderOrderID()
	if orderID != "" {
		fields["razorpay_order_id"] = orderID
	}
	ctx = j.logg.WithFields(ctx, fields)

	event := purchases.Event{Kind: purchases.EventPurchaseExpired}
	if orderID != "" {
		providerCtx, cancel := context.WithTimeout(ctx, j.timeout)
		payments, err := j.provider.ListOrderPayments(providerCtx, orderID)
		cancel()
		if err != nil {
			return "", fmt.Errorf("list order payments: %w", err)
		}
		if captured, ok := settledPayment(payments); ok {
			event = purchases.Event{
				Kind:      purchases.EventPaymentCaptured,
				PaymentID: captured.ID,
				Method:    captured.Method,
				Email:     captured.Email,
			}
		}
	}

	outcome, err := j.advancer.Advance(ctx, purchase.ID, event)
	if err != nil {
		return "", err
	}
	if !outcome.Applied {
		return "", nil
	}
	j.logg.Info(ctx, "stale purchase settled as "+string(outcome.To))
	return event.Kind, nil
}

// settledPayment picks the captured payment of an order, falling back to an
// authorized one. Authorized money is captured by the provider later, and
// verification already accepts it, so the purchase must not be failed.
func settledPayment(payments []razorpay.Payment) (razorpay.Payment, bool) {
	var authorized *razorpay.Payment
	for i, p := range payments {
		switch p.Status {
		case razorpay.PaymentStatusCaptured:
			return p, true
		case razorpay.PaymentStatusAuthorized:
			if authorized == nil {
				authorized = &payments[i]
			}
		}
	}
	if authorized != nil {
		return *authorized, true
	}
	return razorpay.Payment{}, false
}

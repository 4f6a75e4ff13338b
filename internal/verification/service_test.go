package verification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/cart"
	"github.com/resellerhq/storefront-backend/internal/paymentlinks"
	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/internal/testdb"
	razorpaywebhook "github.com/resellerhq/storefront-backend/internal/webhooks/razorpay"
	"github.com/resellerhq/storefront-backend/pkg/db"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/outbox"
	"github.com/resellerhq/storefront-backend/pkg/razorpay"
	"github.com/resellerhq/storefront-backend/pkg/security"
)

const keySecret = "key-secret"

type fakeFetcher struct {
	mu      sync.Mutex
	payment *razorpay.Payment
	err     error
	calls   int
}

func (f *fakeFetcher) FetchPayment(ctx context.Context, paymentID string) (*razorpay.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p := *f.payment
	return &p, nil
}

type harness struct {
	conn     *gorm.DB
	repo     *purchases.Repository
	advancer *purchases.Service
	fetcher  *fakeFetcher
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := testdb.Open(t)
	repo := purchases.NewRepository(conn)
	advancer, err := purchases.NewService(purchases.ServiceParams{
		Repo:     repo,
		Cart:     cart.NewRepository(conn),
		Outbox:   outbox.NewService(outbox.NewRepository(conn), nil),
		TxRunner: db.NewFromGorm(conn),
	})
	require.NoError(t, err)
	fetcher := &fakeFetcher{}
	svc, err := NewService(ServiceParams{
		Purchases: repo,
		Advancer:  advancer,
		Provider:  fetcher,
		KeySecret: keySecret,
	})
	require.NoError(t, err)
	return &harness{conn: conn, repo: repo, advancer: advancer, fetcher: fetcher, svc: svc}
}

func (h *harness) seed(t *testing.T, orderID string) *models.Purchase {
	t.Helper()
	purchase := testdb.SeedPurchase(t, h.conn, testdb.PurchaseFixture{OrderID: orderID, Total: "1180.00"})
	testdb.SeedCart(t, h.conn, purchase.UserID, 2)
	h.fetcher.payment = &razorpay.Payment{
		ID:       "pay_1",
		OrderID:  orderID,
		Amount:   118000,
		Currency: "INR",
		Status:   razorpay.PaymentStatusCaptured,
		Method:   "card",
		Email:    "buyer@example.com",
	}
	return purchase
}

func validInput(t *testing.T, purchase *models.Purchase, orderID, paymentID string) Input {
	t.Helper()
	sig, err := security.SignHMACSHA256(security.PaymentSignatureMessage(orderID, paymentID), keySecret)
	require.NoError(t, err)
	return Input{
		UserID:     purchase.UserID,
		PurchaseID: purchase.ID,
		OrderID:    orderID,
		PaymentID:  paymentID,
		Signature:  sig,
	}
}

func (h *harness) status(t *testing.T, id uuid.UUID) enums.PaymentStatus {
	t.Helper()
	p, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p.PaymentStatus
}

func codeOf(err error) pkgerrors.Code {
	return pkgerrors.As(err).Code()
}

func TestVerifyCompletesPurchase(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")

	result, err := h.svc.Verify(context.Background(), validInput(t, purchase, "order_1", "pay_1"))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, purchase.ID, result.PurchaseID)
	assert.Equal(t, enums.PaymentStatusCompleted, result.PaymentStatus)

	stored, err := h.repo.FindByID(context.Background(), purchase.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RazorpayPaymentID)
	assert.Equal(t, "pay_1", *stored.RazorpayPaymentID)
	require.NotNil(t, stored.PaymentMethod)
	assert.Equal(t, "card", *stored.PaymentMethod)
	assert.Zero(t, testdb.CountRows(t, h.conn, "cart_items", "user_id = ?", purchase.UserID))
	assert.Equal(t, int64(1), testdb.CountRows(t, h.conn, "outbox_events", "aggregate_id = ? AND event_type = ?", purchase.ID, enums.EventPurchaseCompleted))
}

func TestVerifyTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")
	input := validInput(t, purchase, "order_1", "pay_1")

	_, err := h.svc.Verify(context.Background(), input)
	require.NoError(t, err)
	result, err := h.svc.Verify(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, h.fetcher.calls)
	assert.Equal(t, int64(1), testdb.CountRows(t, h.conn, "outbox_events", ""))
}

func TestVerifyRejectsMissingFieldsAndCallers(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")
	input := validInput(t, purchase, "order_1", "pay_1")

	anonymous := input
	anonymous.UserID = uuid.Nil
	_, err := h.svc.Verify(context.Background(), anonymous)
	assert.Equal(t, pkgerrors.CodeUnauthorized, codeOf(err))

	missing := input
	missing.Signature = " "
	_, err = h.svc.Verify(context.Background(), missing)
	assert.Equal(t, pkgerrors.CodeValidation, codeOf(err))

	stranger := input
	stranger.UserID = uuid.New()
	_, err = h.svc.Verify(context.Background(), stranger)
	assert.Equal(t, pkgerrors.CodeNotFound, codeOf(err))

	assert.Equal(t, enums.PaymentStatusPending, h.status(t, purchase.ID))
	assert.Zero(t, h.fetcher.calls)
}

func TestVerifyRejectsOrderMismatch(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")

	_, err := h.svc.Verify(context.Background(), validInput(t, purchase, "order_other", "pay_1"))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, codeOf(err))
	assert.Equal(t, enums.PaymentStatusPending, h.status(t, purchase.ID))
}

func TestVerifySignatureMismatchFailsPurchase(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")
	input := validInput(t, purchase, "order_1", "pay_1")
	flipped := byte('0')
	if input.Signature[0] == '0' {
		flipped = '1'
	}
	input.Signature = string(flipped) + input.Signature[1:]

	_, err := h.svc.Verify(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, codeOf(err))
	assert.Equal(t, enums.PaymentStatusFailed, h.status(t, purchase.ID))
	assert.Zero(t, h.fetcher.calls)
	assert.Equal(t, int64(2), testdb.CountRows(t, h.conn, "cart_items", "user_id = ?", purchase.UserID))
}

func TestVerifyProviderFailureLeavesPurchaseUntouched(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")
	h.fetcher.err = errors.New("razorpay unavailable")

	_, err := h.svc.Verify(context.Background(), validInput(t, purchase, "order_1", "pay_1"))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUpstream, codeOf(err))
	assert.Equal(t, enums.PaymentStatusPending, h.status(t, purchase.ID))
}

func TestVerifyRejectsUncapturedPayment(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")
	h.fetcher.payment.Status = razorpay.PaymentStatusFailed

	_, err := h.svc.Verify(context.Background(), validInput(t, purchase, "order_1", "pay_1"))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, codeOf(err))
	assert.Equal(t, enums.PaymentStatusPending, h.status(t, purchase.ID))
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")
	h.fetcher.payment.Amount = 10000

	_, err := h.svc.Verify(context.Background(), validInput(t, purchase, "order_1", "pay_1"))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, codeOf(err))
	assert.Equal(t, enums.PaymentStatusPending, h.status(t, purchase.ID))
	assert.Equal(t, int64(2), testdb.CountRows(t, h.conn, "cart_items", "user_id = ?", purchase.UserID))
}

func TestVerifyAcceptsAuthorizedPayment(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_1")
	h.fetcher.payment.Status = razorpay.PaymentStatusAuthorized

	result, err := h.svc.Verify(context.Background(), validInput(t, purchase, "order_1", "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusCompleted, result.PaymentStatus)
}

func TestVerifyRacingWebhookCompletesOnce(t *testing.T) {
	h := newHarness(t)
	purchase := h.seed(t, "order_race")
	h.fetcher.payment.ID = "pay_race"
	webhook, err := razorpaywebhook.NewService(razorpaywebhook.ServiceParams{
		Purchases: h.repo,
		Advancer:  h.advancer,
		Links:     paymentlinks.NewRepository(h.conn),
	})
	require.NoError(t, err)

	input := validInput(t, purchase, "order_race", "pay_race")
	var wg sync.WaitGroup
	var verifyErr, webhookErr error
	var result *Result
	wg.Add(2)
	go func() {
		defer wg.Done()
		result, verifyErr = h.svc.Verify(context.Background(), input)
	}()
	go func() {
		defer wg.Done()
		_, webhookErr = webhook.HandleEvent(context.Background(), &razorpaywebhook.Event{
			Event: razorpaywebhook.EventPaymentCaptured,
			Payload: razorpaywebhook.Payload{Payment: &razorpaywebhook.PaymentWrapper{Entity: razorpaywebhook.PaymentEntity{
				ID: "pay_race", OrderID: "order_race", Amount: 118000, Status: "captured", Method: "card",
			}}},
		})
	}()
	wg.Wait()

	require.NoError(t, verifyErr)
	require.NoError(t, webhookErr)
	assert.True(t, result.Success)
	assert.Equal(t, enums.PaymentStatusCompleted, h.status(t, purchase.ID))
	assert.Equal(t, int64(1), testdb.CountRows(t, h.conn, "outbox_events", "aggregate_id = ?", purchase.ID))
	assert.Zero(t, testdb.CountRows(t, h.conn, "cart_items", "user_id = ?", purchase.UserID))
}

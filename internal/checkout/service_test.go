package checkout

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/internal/testdb"
	"github.com/resellerhq/storefront-backend/pkg/db"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/razorpay"
)

type fakeProvider struct {
	orderID  string
	err      error
	block    bool
	onCreate func()
	received []razorpay.OrderParams
}

func (f *fakeProvider) CreateOrder(ctx context.Context, params razorpay.OrderParams) (*razorpay.Order, error) {
	f.received = append(f.received, params)
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &razorpay.Order{ID: f.orderID, Amount: params.AmountMinor, Currency: params.Currency, Receipt: params.Receipt, Status: "created"}, nil
}

func (f *fakeProvider) KeyID() string { return "rzp_test_key" }

type failingTx struct{}

func (failingTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return errors.New("connection reset")
}

func newTestService(t *testing.T, conn *gorm.DB, provider *fakeProvider, reg prometheus.Registerer) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Purchases:       purchases.NewRepository(conn),
		TxRunner:        db.NewFromGorm(conn),
		Provider:        provider,
		Metrics:         metrics.NewPaymentMetrics(reg),
		ProviderTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return svc
}

func sampleInput(userID uuid.UUID) CreateOrderInput {
	period := "yearly"
	return CreateOrderInput{
		UserID: userID,
		Items: []LineItem{
			{ID: "svc_gst", Name: "GST registration", Price: decimal.RequireFromString("1000"), Type: enums.ItemTypeService, BillingPeriod: &period},
			{ID: "add_dsc", Name: "Digital signature", Price: decimal.RequireFromString("500"), Type: enums.ItemTypeAddon},
		},
	}
}

func TestCreateOrderPersistsPurchaseAndLinksProviderOrder(t *testing.T) {
	conn := testdb.Open(t)
	provider := &fakeProvider{orderID: "order_abc"}
	svc := newTestService(t, conn, provider, nil)
	userID := uuid.New()

	result, err := svc.CreateOrder(context.Background(), sampleInput(userID))
	require.NoError(t, err)
	assert.Equal(t, "order_abc", result.ProviderOrderID)
	assert.Equal(t, int64(177000), result.AmountMinorUnits)
	assert.Equal(t, "INR", result.Currency)
	assert.Equal(t, "rzp_test_key", result.ProviderPublicKey)

	require.Len(t, provider.received, 1)
	sent := provider.received[0]
	assert.Equal(t, int64(177000), sent.AmountMinor)
	assert.Equal(t, Receipt(result.PurchaseID), sent.Receipt)
	assert.Equal(t, result.PurchaseID.String(), sent.Notes["purchase_id"])
	assert.Equal(t, userID.String(), sent.Notes["user_id"])

	stored, err := purchases.NewRepository(conn).FindByID(context.Background(), result.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, stored.PaymentStatus)
	assert.Equal(t, "order_abc", stored.ProviderOrderID())
	assert.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("1770")))
	assert.WithinDuration(t, stored.CreatedAt.Add(15*time.Minute), stored.ExpiresAt, time.Second)
	require.Len(t, stored.Items, 2)
	types := []enums.ItemType{stored.Items[0].ItemType(), stored.Items[1].ItemType()}
	assert.ElementsMatch(t, []enums.ItemType{enums.ItemTypeService, enums.ItemTypeAddon}, types)
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	conn := testdb.Open(t)
	provider := &fakeProvider{orderID: "order_x"}
	svc := newTestService(t, conn, provider, nil)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{UserID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	_, err = svc.CreateOrder(context.Background(), sampleInput(uuid.Nil))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUnauthorized, pkgerrors.As(err).Code())

	assert.Empty(t, provider.received)
	assert.Zero(t, testdb.CountRows(t, conn, "purchases", ""))
}

func TestCreateOrderProviderFailureDeletesPurchase(t *testing.T) {
	cases := map[string]*fakeProvider{
		"error":   {err: errors.New("razorpay 500")},
		"timeout": {block: true},
		"no id":   {},
	}
	for name, provider := range cases {
		t.Run(name, func(t *testing.T) {
			conn := testdb.Open(t)
			svc := newTestService(t, conn, provider, nil)

			_, err := svc.CreateOrder(context.Background(), sampleInput(uuid.New()))
			require.Error(t, err)
			assert.Equal(t, pkgerrors.CodeUpstream, pkgerrors.As(err).Code())
			assert.Zero(t, testdb.CountRows(t, conn, "purchases", ""))
			assert.Zero(t, testdb.CountRows(t, conn, "purchase_items", ""))
		})
	}
}

func TestCreateOrderPersistFailureSkipsProvider(t *testing.T) {
	conn := testdb.Open(t)
	provider := &fakeProvider{orderID: "order_x"}
	svc, err := NewService(ServiceParams{
		Purchases: purchases.NewRepository(conn),
		TxRunner:  failingTx{},
		Provider:  provider,
	})
	require.NoError(t, err)

	_, err = svc.CreateOrder(context.Background(), sampleInput(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUnprocessable, pkgerrors.As(err).Code())
	assert.Empty(t, provider.received)
}

func TestCreateOrderClientCancelStillDeletesPurchase(t *testing.T) {
	conn := testdb.Open(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &fakeProvider{block: true, onCreate: cancel}
	svc := newTestService(t, conn, provider, nil)

	_, err := svc.CreateOrder(ctx, sampleInput(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUpstream, pkgerrors.As(err).Code())
	assert.Zero(t, testdb.CountRows(t, conn, "purchases", ""))
	assert.Zero(t, testdb.CountRows(t, conn, "purchase_items", ""))
}

const reconciliationMetric = `
# HELP storefront_purchase_reconciliation_required_total Purchases whose provider order id could not be persisted.
# TYPE storefront_purchase_reconciliation_required_total counter
storefront_purchase_reconciliation_required_total 1
`

func TestCreateOrderTakenProviderOrderIsConflict(t *testing.T) {
	conn := testdb.Open(t)
	testdb.SeedPurchase(t, conn, testdb.PurchaseFixture{OrderID: "order_taken"})
	reg := prometheus.NewRegistry()
	svc := newTestService(t, conn, &fakeProvider{orderID: "order_taken"}, reg)

	_, err := svc.CreateOrder(context.Background(), sampleInput(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.As(err).Code())

	// the purchase stays behind for reconciliation
	assert.Equal(t, int64(2), testdb.CountRows(t, conn, "purchases", ""))
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(reconciliationMetric), "storefront_purchase_reconciliation_required_total"))
}

func TestCreateOrderLinkFailureFlagsReconciliation(t *testing.T) {
	conn := testdb.Open(t)
	reg := prometheus.NewRegistry()
	provider := &fakeProvider{orderID: "order_new"}
	// another writer links the purchase while the provider call is in flight
	provider.onCreate = func() {
		require.NoError(t, conn.Exec("UPDATE purchases SET razorpay_order_id = ?", "order_other").Error)
	}
	svc := newTestService(t, conn, provider, reg)

	_, err := svc.CreateOrder(context.Background(), sampleInput(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUnprocessable, pkgerrors.As(err).Code())
	assert.ErrorIs(t, err, purchases.ErrProviderOrderAlreadySet)

	assert.Equal(t, int64(1), testdb.CountRows(t, conn, "purchases", ""))
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(reconciliationMetric), "storefront_purchase_reconciliation_required_total"))
}

package paymentlinks

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resellerhq/storefront-backend/internal/testdb"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
)

func TestRecordIsIdempotentOnPaymentID(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	email := "payer@example.com"

	for i := 0; i < 2; i++ {
		inserted, err := repo.Record(ctx, &models.PaymentLinkPayment{
			PaymentLinkID:     "plink_1",
			RazorpayPaymentID: "pay_link_1",
			Amount:            decimal.RequireFromString("499.00"),
			Currency:          "INR",
			CustomerEmail:     &email,
		})
		require.NoError(t, err)
		assert.Equal(t, i == 0, inserted)
	}

	assert.Equal(t, int64(1), testdb.CountRows(t, conn, "payment_link_payments", ""))
	stored, err := repo.FindByPaymentID(ctx, "pay_link_1")
	require.NoError(t, err)
	assert.Equal(t, "plink_1", stored.PaymentLinkID)
	require.NotNil(t, stored.CustomerEmail)
	assert.Equal(t, email, *stored.CustomerEmail)
}

func TestRecordRequiresPayment(t *testing.T) {
	_, err := NewRepository(testdb.Open(t)).Record(context.Background(), nil)
	require.Error(t, err)
}

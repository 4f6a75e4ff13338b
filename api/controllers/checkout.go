package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/resellerhq/storefront-backend/api/middleware"
	"github.com/resellerhq/storefront-backend/api/responses"
	"github.com/resellerhq/storefront-backend/api/validators"
	checkoutsvc "github.com/resellerhq/storefront-backend/internal/checkout"
	"github.com/resellerhq/storefront-backend/internal/verification"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
)

type orderCreator interface {
	CreateOrder(ctx context.Context, input checkoutsvc.CreateOrderInput) (*checkoutsvc.OrderResult, error)
}

type paymentVerifier interface {
	Verify(ctx context.Context, input verification.Input) (*verification.Result, error)
}

type createOrderRequest struct {
	Items []checkoutsvc.LineItem `json:"items" validate:"required,min=1,dive"`
}

// CheckoutCreateOrder prices the submitted items, records a pending purchase
// and opens the matching Razorpay order.
func CheckoutCreateOrder(svc orderCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload createOrderRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.CreateOrder(r.Context(), checkoutsvc.CreateOrderInput{
			UserID: userID,
			Items:  payload.Items,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

type verifyPaymentRequest struct {
	PaymentID  string    `json:"payment_id" validate:"required"`
	OrderID    string    `json:"order_id" validate:"required"`
	Signature  string    `json:"signature" validate:"required"`
	PurchaseID uuid.UUID `json:"purchase_id" validate:"required"`
}

// CheckoutVerifyPayment confirms a client-reported payment against the
// checkout signature and the provider's own record.
func CheckoutVerifyPayment(svc paymentVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "verification service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload verifyPaymentRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Verify(r.Context(), verification.Input{
			UserID:     userID,
			Email:      middleware.EmailFromContext(r.Context()),
			PurchaseID: payload.PurchaseID,
			OrderID:    payload.OrderID,
			PaymentID:  payload.PaymentID,
			Signature:  payload.Signature,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

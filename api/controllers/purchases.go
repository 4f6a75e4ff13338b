package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resellerhq/storefront-backend/api/responses"
	"github.com/resellerhq/storefront-backend/api/validators"
	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/pagination"
)

type purchaseReader interface {
	GetForUser(ctx context.Context, userID, purchaseID uuid.UUID) (*purchases.PurchaseDTO, error)
	ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*purchases.PurchaseList, error)
	ListAll(ctx context.Context, status *enums.PaymentStatus, params pagination.Params) (*purchases.PurchaseList, error)
}

// PurchaseList returns the caller's purchases, newest first.
func PurchaseList(svc purchaseReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "purchases service unavailable"))
			return
		}
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.ListForUser(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// PurchaseDetail returns one of the caller's purchases with its items.
func PurchaseDetail(svc purchaseReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "purchases service unavailable"))
			return
		}
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		purchaseID, err := validators.ParseUUIDParam(chi.URLParam(r, "purchaseId"), "purchase_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		purchase, err := svc.GetForUser(r.Context(), userID, purchaseID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, purchase)
	}
}

// AdminPurchaseList lists every purchase, optionally filtered by payment status.
func AdminPurchaseList(svc purchaseReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "purchases service unavailable"))
			return
		}
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var status *enums.PaymentStatus
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			parsed, err := enums.ParsePaymentStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status").WithDetails(map[string]any{"field": "status"}))
				return
			}
			status = &parsed
		}

		list, err := svc.ListAll(r.Context(), status, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

func pageParams(r *http.Request) (pagination.Params, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{
		Limit:  limit,
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
	}, nil
}

package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/resellerhq/storefront-backend/api/responses"
	razorpaywebhook "github.com/resellerhq/storefront-backend/internal/webhooks/razorpay"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/security"
)

const (
	signatureHeader         = "X-Razorpay-Signature"
	fallbackSignatureHeader = "X-Signature"
	eventIDHeader           = "X-Razorpay-Event-Id"

	maxWebhookBodyBytes = 1 << 20
)

type RazorpayWebhookService interface {
	HandleEvent(ctx context.Context, event *razorpaywebhook.Event) (string, error)
}

type razorpayWebhookGuard interface {
	CheckAndMark(ctx context.Context, deliveryID string) (bool, error)
	Delete(ctx context.Context, deliveryID string) error
}

// RazorpayWebhook reconciles purchases from signed Razorpay deliveries.
// Handled, ignored and undecodable deliveries are acknowledged with 200; transient
// failures surface as 5xx so Razorpay redelivers.
func RazorpayWebhook(svc RazorpayWebhookService, guard razorpayWebhookGuard, webhookSecret string, paymentMetrics *metrics.PaymentMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard unavailable"))
			return
		}
		if webhookSecret == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook secret not configured"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		signature := strings.TrimSpace(r.Header.Get(signatureHeader))
		if signature == "" {
			signature = strings.TrimSpace(r.Header.Get(fallbackSignatureHeader))
		}
		if signature == "" {
			paymentMetrics.IncWebhook("unknown", "missing_signature")
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "webhook signature missing"))
			return
		}
		if !security.VerifyHMACSHA256(string(payload), signature, webhookSecret) {
			paymentMetrics.IncWebhook("unknown", "invalid_signature")
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "webhook signature invalid"))
			return
		}

		var event razorpaywebhook.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			// a redelivery would carry the same bytes
			paymentMetrics.IncWebhook("unknown", "undecodable")
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "decode_error", err.Error()), "razorpay webhook payload undecodable; acknowledging")
			}
			responses.WriteSuccess(w, nil)
			return
		}

		deliveryID := strings.TrimSpace(r.Header.Get(eventIDHeader))
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"razorpay_event":       event.Event,
				"razorpay_delivery_id": deliveryID,
			})
		}

		if deliveryID != "" {
			alreadyProcessed, err := guard.CheckAndMark(ctx, deliveryID)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
				return
			}
			if alreadyProcessed {
				paymentMetrics.IncWebhook(event.Event, razorpaywebhook.ResultDuplicate)
				responses.WriteSuccess(w, nil)
				return
			}
		}

		result, err := svc.HandleEvent(ctx, &event)
		if err != nil {
			if deliveryID != "" {
				if delErr := guard.Delete(ctx, deliveryID); delErr != nil && logg != nil {
					logg.Error(ctx, "release webhook idempotency key", delErr)
				}
			}
			paymentMetrics.IncWebhook(event.Event, "error")
			responses.WriteError(ctx, logg, w, err)
			return
		}

		paymentMetrics.IncWebhook(event.Event, result)
		if logg != nil {
			logg.Info(logg.WithField(ctx, "result", result), "razorpay webhook processed")
		}
		responses.WriteSuccess(w, nil)
	}
}

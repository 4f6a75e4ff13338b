package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/resellerhq/storefront-backend/api/controllers"
	webhookcontrollers "github.com/resellerhq/storefront-backend/api/controllers/webhooks"
	"github.com/resellerhq/storefront-backend/api/middleware"
	checkoutsvc "github.com/resellerhq/storefront-backend/internal/checkout"
	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/internal/verification"
	razorpaywebhook "github.com/resellerhq/storefront-backend/internal/webhooks/razorpay"
	"github.com/resellerhq/storefront-backend/pkg/config"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient *redis.Client,
	checkoutService *checkoutsvc.Service,
	verificationService *verification.Service,
	purchaseService *purchases.Service,
	razorpayWebhookService *razorpaywebhook.Service,
	razorpayWebhookGuard *razorpaywebhook.IdempotencyGuard,
	paymentMetrics *metrics.PaymentMetrics,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)
	if len(cfg.App.CORSAllowedOrigins) > 0 {
		r.Use(middleware.CORS(cfg.App.CORSAllowedOrigins))
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    dbP,
			"redis": redisClient,
		}))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// Razorpay authenticates with the body signature, not a bearer token.
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/razorpay", webhookcontrollers.RazorpayWebhook(
			razorpayWebhookService,
			razorpayWebhookGuard,
			cfg.Razorpay.WebhookSecret,
			paymentMetrics,
			logg,
		))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/checkout", func(r chi.Router) {
			r.With(middleware.Idempotency(redisClient, logg, cfg.Checkout.IdempotencyTTL)).
				Post("/orders", controllers.CheckoutCreateOrder(checkoutService, logg))
			r.Post("/verify", controllers.CheckoutVerifyPayment(verificationService, logg))
		})
		r.Route("/purchases", func(r chi.Router) {
			r.Get("/", controllers.PurchaseList(purchaseService, logg))
			r.Get("/{purchaseId}", controllers.PurchaseDetail(purchaseService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(logg, enums.UserRoleAdmin))
		r.Get("/purchases", controllers.AdminPurchaseList(purchaseService, logg))
	})

	return r
}

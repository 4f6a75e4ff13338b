package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resellerhq/storefront-backend/api/routes"
	"github.com/resellerhq/storefront-backend/internal/cart"
	"github.com/resellerhq/storefront-backend/internal/checkout"
	"github.com/resellerhq/storefront-backend/internal/paymentlinks"
	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/internal/verification"
	razorpaywebhook "github.com/resellerhq/storefront-backend/internal/webhooks/razorpay"
	"github.com/resellerhq/storefront-backend/pkg/config"
	"github.com/resellerhq/storefront-backend/pkg/db"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/migrate"
	"github.com/resellerhq/storefront-backend/pkg/outbox"
	"github.com/resellerhq/storefront-backend/pkg/razorpay"
	"github.com/resellerhq/storefront-backend/pkg/redis"
)

const (
	shutdownTimeout    = 15 * time.Second
	webhookGuardScope  = "razorpay-webhook"
	readHeaderTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	if err := run(cfg, logg); err != nil {
		logg.Error(context.Background(), "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	paymentMetrics := metrics.NewPaymentMetrics(reg)

	provider, err := razorpay.NewClient(cfg.Razorpay, razorpay.WithLogger(logg))
	if err != nil {
		return err
	}

	conn := dbClient.DB()
	purchaseRepo := purchases.NewRepository(conn)
	purchaseSvc, err := purchases.NewService(purchases.ServiceParams{
		Repo:     purchaseRepo,
		Cart:     cart.NewRepository(conn),
		Outbox:   outbox.NewService(outbox.NewRepository(conn), logg),
		TxRunner: dbClient,
		Metrics:  paymentMetrics,
		Logger:   logg,
	})
	if err != nil {
		return err
	}

	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		Purchases:       purchaseRepo,
		TxRunner:        dbClient,
		Provider:        provider,
		Metrics:         paymentMetrics,
		Logger:          logg,
		Currency:        cfg.Razorpay.Currency,
		PurchaseTTL:     cfg.Checkout.PurchaseTTL,
		ProviderTimeout: cfg.Razorpay.Timeout,
	})
	if err != nil {
		return err
	}

	verifySvc, err := verification.NewService(verification.ServiceParams{
		Purchases:       purchaseRepo,
		Advancer:        purchaseSvc,
		Provider:        provider,
		KeySecret:       cfg.Razorpay.KeySecret,
		ProviderTimeout: cfg.Razorpay.Timeout,
		Metrics:         paymentMetrics,
		Logger:          logg,
	})
	if err != nil {
		return err
	}

	webhookSvc, err := razorpaywebhook.NewService(razorpaywebhook.ServiceParams{
		Purchases:     purchaseRepo,
		Advancer:      purchaseSvc,
		Links:         paymentlinks.NewRepository(conn),
		PaymentLinkID: cfg.Razorpay.PaymentLinkID,
		Logger:        logg,
	})
	if err != nil {
		return err
	}

	guard, err := razorpaywebhook.NewIdempotencyGuard(redisClient, cfg.Eventing.WebhookIdempotencyTTL, webhookGuardScope)
	if err != nil {
		return err
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, checkoutSvc, verifySvc, purchaseSvc,
			webhookSvc, guard, paymentMetrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      serverWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(logCtx, "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logg.Info(logCtx, "shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/resellerhq/storefront-backend/internal/cart"
	"github.com/resellerhq/storefront-backend/internal/cron"
	"github.com/resellerhq/storefront-backend/internal/purchases"
	"github.com/resellerhq/storefront-backend/pkg/config"
	"github.com/resellerhq/storefront-backend/pkg/db"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/migrate"
	"github.com/resellerhq/storefront-backend/pkg/outbox"
	"github.com/resellerhq/storefront-backend/pkg/razorpay"
	"github.com/resellerhq/storefront-backend/pkg/redis"
)

func main() {
	once := flag.Bool("once", false, "run the jobs a single time and exit")
	only := flag.String("jobs", "", "comma separated job names for -once (default: all)")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})
	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "cron-worker"
	logg = logger.New(logger.Options{
		ServiceName: cfg.Service.Kind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "serviceKind": cfg.Service.Kind})

	if err := run(ctx, cfg, logg, *once, jobNames(*only)); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, once bool, only []string) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer closeQuietly(ctx, logg, "database", dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	defer closeQuietly(ctx, logg, "redis", redisClient.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	// payment metrics count reconcile-driven transitions
	paymentMetrics := metrics.NewPaymentMetrics(reg)

	lock, err := cron.NewRedisLock(redisClient, lockKey(redisClient, cfg.App.Env), 0)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(cfg, logg, dbClient, paymentMetrics)
	if err != nil {
		return fmt.Errorf("register cron jobs: %w", err)
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		return err
	}

	if once {
		logg.Info(logg.WithField(ctx, "jobs", only), "running cron jobs once")
		return service.RunOnce(ctx, only...)
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.App.MetricsAddr, reg, logg); err != nil {
			logg.Error(ctx, "metrics listener failed", err)
		}
	}()
	logg.Info(ctx, "starting cron worker")
	return service.Run(ctx)
}

func closeQuietly(ctx context.Context, logg *logger.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(logg.WithField(ctx, "resource", what), "error closing resource", err)
	}
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, paymentMetrics *metrics.PaymentMetrics) (*cron.Registry, error) {
	conn := dbClient.DB()

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		Repository: outbox.NewRepository(conn),
		Retention:  cfg.Cron.OutboxRetention,
	})
	if err != nil {
		return nil, err
	}

	provider, err := razorpay.NewClient(cfg.Razorpay, razorpay.WithLogger(logg))
	if err != nil {
		return nil, err
	}
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
		return nil, err
	}
	reconcile, err := cron.NewPurchaseReconcileJob(cron.PurchaseReconcileJobParams{
		Logger:          logg,
		Purchases:       purchaseRepo,
		Provider:        provider,
		Advancer:        purchaseSvc,
		Grace:           cfg.Cron.ReconcileGrace,
		ProviderTimeout: cfg.Razorpay.Timeout,
	})
	if err != nil {
		return nil, err
	}

	return cron.NewRegistry(retention, reconcile)
}

func jobNames(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func lockKey(client *redis.Client, env string) string {
	if env == "" {
		env = "local"
	}
	return client.LockKey("cron-worker:" + env)
}

package migrate

import (
	"context"
	"fmt"

	"github.com/resellerhq/storefront-backend/pkg/config"
	"github.com/resellerhq/storefront-backend/pkg/db"
	"github.com/resellerhq/storefront-backend/pkg/logger"
)

// MaybeRunDev applies the embedded migrations at startup when running in dev
// with STOREFRONT_AUTO_MIGRATE set. It is a no-op everywhere else.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	if client.Driver() != db.DriverPostgres {
		logg.Warn(logg.WithField(ctx, "driver", client.Driver()), "auto-migrate skipped; migrations target postgres")
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "source": "embedded"})
	logg.Info(ctx, "applying migrations (dev auto-run)")

	if err := Run(ctx, sqlDB, "", "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	version, err := CurrentVersion(ctx, sqlDB)
	if err != nil {
		return err
	}
	logg.Info(logg.WithField(ctx, "schema_version", version), "migrations applied")
	return nil
}

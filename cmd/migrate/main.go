package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/resellerhq/storefront-backend/pkg/config"
	"github.com/resellerhq/storefront-backend/pkg/db"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/migrate"
)

type options struct {
	cmd     string
	dir     string
	name    string
	version string
}

// offline commands only touch the migration files.
var offline = map[string]func(options) error{
	"create": func(o options) error {
		if o.name == "" {
			return errors.New("-name is required for create")
		}
		path, err := migrate.CreateSQLMigration(o.dir, o.name)
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	},
	"validate": func(o options) error {
		var err error
		if o.dir == migrate.DefaultDir {
			err = migrate.ValidateFS(migrate.Embedded(), "migrations")
		} else {
			err = migrate.ValidateDir(o.dir)
		}
		if err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	},
}

var online = map[string]func(context.Context, *sql.DB, options) error{
	"up":     gooseCommand("up"),
	"down":   gooseCommand("down"),
	"status": gooseCommand("status"),
	"current": func(ctx context.Context, conn *sql.DB, _ options) error {
		v, err := migrate.CurrentVersion(ctx, conn)
		if err != nil {
			return err
		}
		fmt.Println("schema version:", v)
		return nil
	},
	"version": func(ctx context.Context, conn *sql.DB, o options) error {
		if o.version == "" {
			return errors.New("-version is required for the version command")
		}
		return migrate.MigrateToVersion(ctx, conn, o.dir, o.version)
	},
}

func gooseCommand(name string) func(context.Context, *sql.DB, options) error {
	return func(ctx context.Context, conn *sql.DB, o options) error {
		return migrate.Run(ctx, conn, o.dir, name)
	}
}

func main() {
	var opts options
	flag.StringVar(&opts.cmd, "cmd", "up", "one of: "+commandList())
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "migrations directory; the default uses the set compiled into the binary")
	flag.StringVar(&opts.name, "name", "", "migration name for -cmd=create")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	_ = godotenv.Load()
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", opts.cmd, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{"env": cfg.App.Env, "cmd": opts.cmd, "dir": opts.dir})

	if fn, ok := offline[opts.cmd]; ok {
		return fn(opts)
	}
	fn, ok := online[opts.cmd]
	if !ok {
		return fmt.Errorf("unknown command %q (want %s)", opts.cmd, commandList())
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer dbClient.Close()
	if dbClient.Driver() != db.DriverPostgres {
		return fmt.Errorf("migrations target postgres, configured driver is %s", dbClient.Driver())
	}
	conn, err := dbClient.DB().DB()
	if err != nil {
		return err
	}

	logg.Info(ctx, "running migration command")
	return fn(ctx, conn, opts)
}

func commandList() string {
	names := make([]string, 0, len(offline)+len(online))
	for name := range offline {
		names = append(names, name)
	}
	for name := range online {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

package config

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	Razorpay     RazorpayConfig
	Checkout     CheckoutConfig
	Sendgrid     SendgridConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

// Load reads the environment, derives a DSN from the discrete DB variables
// when none is given, and reports every invalid setting at once.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.resolveDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.DB.Driver == "postgres" || c.DB.Driver == "sqlite", "unsupported db driver %q", c.DB.Driver)
	check(len(c.Razorpay.Currency) == 3, "currency %q must be an ISO 4217 code", c.Razorpay.Currency)
	check(c.Razorpay.Timeout > 0, "razorpay timeout must be positive")
	check(c.Checkout.PurchaseTTL > 0, "purchase ttl must be positive")
	check(c.Checkout.IdempotencyTTL > 0, "idempotency ttl must be positive")
	check(c.Outbox.BatchSize > 0, "outbox batch size must be positive")
	check(c.Outbox.MaxAttempts > 0, "outbox max attempts must be positive")
	check(c.Cron.Interval > 0, "cron interval must be positive")
	return errs
}

type AppConfig struct {
	Env          string `envconfig:"STOREFRONT_APP_ENV" required:"true"`
	Port         string `envconfig:"STOREFRONT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOREFRONT_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"STOREFRONT_LOG_FORMAT" default:"json"`
	// MetricsAddr serves /metrics from the background workers; empty disables it.
	MetricsAddr string `envconfig:"STOREFRONT_METRICS_ADDR"`
	// CORSAllowedOrigins is a comma separated list; empty disables CORS handling.
	CORSAllowedOrigins []string `envconfig:"STOREFRONT_CORS_ALLOWED_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"STOREFRONT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STOREFRONT_DB_DSN"`
	Driver string `envconfig:"STOREFRONT_DB_DRIVER" default:"postgres"`

	// Discrete settings, used only when DSN is empty.
	Host     string `envconfig:"STOREFRONT_DB_HOST"`
	Port     int    `envconfig:"STOREFRONT_DB_PORT" default:"5432"`
	User     string `envconfig:"STOREFRONT_DB_USER"`
	Password string `envconfig:"STOREFRONT_DB_PASSWORD"`
	Name     string `envconfig:"STOREFRONT_DB_NAME"`
	SSLMode  string `envconfig:"STOREFRONT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOREFRONT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOREFRONT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOREFRONT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STOREFRONT_REDIS_ADDR"`
	Password     string        `envconfig:"STOREFRONT_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOREFRONT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOREFRONT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOREFRONT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOREFRONT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig holds the shared secret used to validate access tokens minted by the auth provider.
type JWTConfig struct {
	Secret   string `envconfig:"STOREFRONT_JWT_SECRET" required:"true"`
	Issuer   string `envconfig:"STOREFRONT_JWT_ISSUER"`
	Audience string `envconfig:"STOREFRONT_JWT_AUDIENCE" default:"authenticated"`
	// ExpirationMinutes only applies to tokens minted locally (tests, dev tooling).
	ExpirationMinutes int `envconfig:"STOREFRONT_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"STOREFRONT_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	WebhookIdempotencyTTL time.Duration `envconfig:"STOREFRONT_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
}

type RazorpayConfig struct {
	KeyID         string        `envconfig:"STOREFRONT_RAZORPAY_KEY_ID" required:"true"`
	KeySecret     string        `envconfig:"STOREFRONT_RAZORPAY_KEY_SECRET" required:"true"`
	WebhookSecret string        `envconfig:"STOREFRONT_RAZORPAY_WEBHOOK_SECRET" required:"true"`
	BaseURL       string        `envconfig:"STOREFRONT_RAZORPAY_BASE_URL" default:"https://api.razorpay.com"`
	Timeout       time.Duration `envconfig:"STOREFRONT_RAZORPAY_TIMEOUT" default:"10s"`
	Currency      string        `envconfig:"STOREFRONT_RAZORPAY_CURRENCY" default:"INR"`
	// PaymentLinkID scopes the payment_link.paid integration to a single link.
	PaymentLinkID string `envconfig:"STOREFRONT_RAZORPAY_PAYMENT_LINK_ID"`
}

type CheckoutConfig struct {
	PurchaseTTL time.Duration `envconfig:"STOREFRONT_CHECKOUT_PURCHASE_TTL" default:"15m"`
	// IdempotencyTTL is how long a replayable create-order response is kept.
	IdempotencyTTL time.Duration `envconfig:"STOREFRONT_CHECKOUT_IDEMPOTENCY_TTL" default:"24h"`
}

type SendgridConfig struct {
	APIKey      string `envconfig:"STOREFRONT_SENDGRID_API_KEY"`
	DefaultFrom string `envconfig:"STOREFRONT_SENDGRID_FROM_EMAIL"`
	BaseURL     string `envconfig:"STOREFRONT_SENDGRID_BASE_URL" default:"https://api.sendgrid.com"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"STOREFRONT_OUTBOX_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"STOREFRONT_OUTBOX_POLL_MS" default:"1000"`
	MaxAttempts    int `envconfig:"STOREFRONT_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Interval       time.Duration `envconfig:"STOREFRONT_CRON_INTERVAL" default:"5m"`
	ReconcileGrace time.Duration `envconfig:"STOREFRONT_CRON_RECONCILE_GRACE" default:"15m"`
	// OutboxRetention is how long delivered outbox rows are kept.
	OutboxRetention time.Duration `envconfig:"STOREFRONT_CRON_OUTBOX_RETENTION" default:"720h"`
}

func (db *DBConfig) resolveDSN() error {
	if db.DSN != "" {
		return nil
	}

	var missing []string
	for env, value := range map[string]string{EnvDBHost: db.Host, EnvDBUser: db.User, EnvDBName: db.Name} {
		if value == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("set %s or all of %s", EnvDBDSN, strings.Join(missing, ", "))
	}

	dsn := url.URL{
		Scheme: "postgres",
		User:   url.User(db.User),
		Host:   net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:   "/" + db.Name,
	}
	if db.Password != "" {
		dsn.User = url.UserPassword(db.User, db.Password)
	}
	if db.SSLMode != "" {
		dsn.RawQuery = url.Values{"sslmode": {db.SSLMode}}.Encode()
	}
	db.DSN = dsn.String()
	return nil
}

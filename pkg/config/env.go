package config

// EnvPrefix is handed to envconfig; every field carries an explicit key so it only acts as a fallback.
const EnvPrefix = "STOREFRONT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv = "STOREFRONT_APP_ENV"
	EnvPort   = "STOREFRONT_APP_PORT"

	EnvDBDSN  = "STOREFRONT_DB_DSN"
	EnvDBHost = "STOREFRONT_DB_HOST"
	EnvDBUser = "STOREFRONT_DB_USER"
	EnvDBName = "STOREFRONT_DB_NAME"

	EnvRedisURL  = "STOREFRONT_REDIS_URL"
	EnvJWTSecret = "STOREFRONT_JWT_SECRET"

	EnvRazorpayKeyID         = "STOREFRONT_RAZORPAY_KEY_ID"
	EnvRazorpayKeySecret     = "STOREFRONT_RAZORPAY_KEY_SECRET"
	EnvRazorpayWebhookSecret = "STOREFRONT_RAZORPAY_WEBHOOK_SECRET"
	EnvRazorpayTimeout       = "STOREFRONT_RAZORPAY_TIMEOUT"
	EnvRazorpayPaymentLinkID = "STOREFRONT_RAZORPAY_PAYMENT_LINK_ID"
)

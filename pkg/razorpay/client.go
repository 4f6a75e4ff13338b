package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	rzp "github.com/razorpay/razorpay-go"
	rzperrors "github.com/razorpay/razorpay-go/errors"

	"github.com/resellerhq/storefront-backend/pkg/config"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
)

const (
	// defaultBaseURL is the API host; the SDK adds the version segment.
	defaultBaseURL = "https://api.razorpay.com"
	defaultTimeout = 10 * time.Second
	userAgent      = "storefront-backend"
)

var (
	errKeyIDRequired     = errors.New("razorpay key id is required")
	errKeySecretRequired = errors.New("razorpay key secret is required")
)

// Client wraps the Razorpay SDK for the Orders and Payments calls the
// checkout flow needs.
type Client struct {
	sdk           *rzp.Client
	httpClient    *http.Client
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	logg          *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client the SDK sends requests with.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL points the client at another API host, mostly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithLogger enables debug logging of provider calls.
func WithLogger(logg *logger.Logger) Option {
	return func(c *Client) {
		c.logg = logg
	}
}

// NewClient builds a Razorpay client from configuration. Every SDK request
// is bounded by cfg.Timeout through the SDK's HTTP client.
func NewClient(cfg config.RazorpayConfig, opts ...Option) (*Client, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		return nil, errKeyIDRequired
	}
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if keySecret == "" {
		return nil, errKeySecretRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       defaultBaseURL,
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: cfg.WebhookSecret,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		client.baseURL = strings.TrimSpace(cfg.BaseURL)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.httpClient.Timeout <= 0 {
		client.httpClient.Timeout = timeout
	}

	client.sdk = rzp.NewClient(keyID, keySecret)
	client.sdk.Request.HTTPClient = client.httpClient
	client.sdk.Request.BaseURL = strings.TrimRight(client.baseURL, "/")
	client.sdk.SetUserAgent(userAgent)
	return client, nil
}

// KeyID is the public key handed to the client-side checkout widget.
func (c *Client) KeyID() string {
	if c == nil {
		return ""
	}
	return c.keyID
}

// KeySecret signs checkout callback payloads.
func (c *Client) KeySecret() string {
	if c == nil {
		return ""
	}
	return c.keySecret
}

// WebhookSecret signs webhook bodies.
func (c *Client) WebhookSecret() string {
	if c == nil {
		return ""
	}
	return c.webhookSecret
}

// OrderParams describes a provider order creation request.
type OrderParams struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// Order is the subset of the Razorpay order entity the backend uses.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Payment is the subset of the Razorpay payment entity the backend uses.
type Payment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Method   string `json:"method"`
	Email    string `json:"email"`
	Contact  string `json:"contact"`
	Captured bool   `json:"captured"`
}

const (
	PaymentStatusCreated    = "created"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCaptured   = "captured"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
)

// CreateOrder registers a payable order with the provider.
func (c *Client) CreateOrder(ctx context.Context, params OrderParams) (*Order, error) {
	if c == nil || c.sdk == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay client not configured")
	}
	if params.AmountMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order amount must be positive")
	}
	if strings.TrimSpace(params.Currency) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order currency is required")
	}

	data := map[string]any{
		"amount":   params.AmountMinor,
		"currency": params.Currency,
		"receipt":  params.Receipt,
	}
	if len(params.Notes) > 0 {
		data["notes"] = params.Notes
	}

	var order Order
	err := c.call(ctx, "orders.create", &order, func() (map[string]any, error) {
		return c.sdk.Order.Create(data, nil)
	})
	if err != nil {
		return nil, err
	}
	if order.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay order response missing id")
	}
	return &order, nil
}

// FetchPayment loads a payment by id.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if c == nil || c.sdk == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay client not configured")
	}
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}

	var payment Payment
	err := c.call(ctx, "payments.fetch", &payment, func() (map[string]any, error) {
		return c.sdk.Payment.Fetch(trimmed, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListOrderPayments returns every payment attempt made against an order.
func (c *Client) ListOrderPayments(ctx context.Context, orderID string) ([]Payment, error) {
	if c == nil || c.sdk == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "razorpay client not configured")
	}
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}

	var resp struct {
		Count int       `json:"count"`
		Items []Payment `json:"items"`
	}
	err := c.call(ctx, "orders.payments", &resp, func() (map[string]any, error) {
		return c.sdk.Order.Payments(trimmed, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

type sdkResult struct {
	body map[string]any
	err  error
}

// call runs one SDK request and decodes its generic map response into out.
// The SDK takes no context, so a canceled ctx returns early while the
// request itself runs on until the HTTP client timeout.
func (c *Client) call(ctx context.Context, op string, out any, fn func() (map[string]any, error)) error {
	started := time.Now()
	done := make(chan sdkResult, 1)
	go func() {
		body, err := fn()
		done <- sdkResult{body: body, err: err}
	}()

	var res sdkResult
	select {
	case <-ctx.Done():
		return pkgerrors.Wrap(pkgerrors.CodeDependency, ctx.Err(), "razorpay request canceled")
	case res = <-done:
	}

	if c.logg != nil {
		logCtx := c.logg.WithFields(ctx, map[string]any{
			"provider":    "razorpay",
			"operation":   op,
			"failed":      res.err != nil,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		c.logg.Debug(logCtx, "razorpay request completed")
	}

	if res.err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("%s %s: %w", op, providerErrorKind(res.err), res.err), "razorpay request failed")
	}
	raw, err := json.Marshal(res.body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "encode razorpay response")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode razorpay response")
	}
	return nil
}

func providerErrorKind(err error) string {
	var (
		badRequest *rzperrors.BadRequestError
		gateway    *rzperrors.GatewayError
		server     *rzperrors.ServerError
	)
	switch {
	case errors.As(err, &badRequest):
		return "bad_request"
	case errors.As(err, &gateway):
		return "gateway_error"
	case errors.As(err, &server):
		return "server_error"
	default:
		return "transport_error"
	}
}

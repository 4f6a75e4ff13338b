package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/resellerhq/storefront-backend/pkg/config"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
)

const (
	defaultHost       = "https://api.sendgrid.com"
	mailSendEndpoint  = "/v3/mail/send"
	defaultTimeout    = 10 * time.Second
	responseBodyLimit = 1024
)

var (
	errAPIKeyRequired = errors.New("sendgrid api key is required")
	errFromRequired   = errors.New("sendgrid from address is required")
)

// Message is a single plain-text/HTML email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers transactional email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendGridClient delivers mail through the SendGrid v3 mail/send endpoint.
type SendGridClient struct {
	api     *rest.Client
	request rest.Request
	from    *mail.Email
}

// Option configures optional client behavior.
type Option func(*SendGridClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *SendGridClient) {
		if client != nil {
			c.api.HTTPClient = client
		}
	}
}

func NewSendGridClient(cfg config.SendgridConfig, opts ...Option) (*SendGridClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	from := strings.TrimSpace(cfg.DefaultFrom)
	if from == "" {
		return nil, errFromRequired
	}

	host := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if host == "" {
		host = defaultHost
	}
	request := sendgrid.GetRequest(apiKey, mailSendEndpoint, host)
	request.Method = rest.Post

	// sendgrid.DefaultClient has no timeout, so requests go through our own.
	client := &SendGridClient{
		api:     &rest.Client{HTTPClient: &http.Client{Timeout: defaultTimeout}},
		request: request,
		from:    mail.NewEmail("", from),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Send posts the message; any non-2xx answer is a dependency error.
func (c *SendGridClient) Send(ctx context.Context, msg Message) error {
	if c == nil || c.api == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "sendgrid client not configured")
	}
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "recipient is required")
	}

	m := mail.NewV3Mail()
	m.SetFrom(c.from)
	m.Subject = msg.Subject
	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail("", to))
	m.AddPersonalizations(personalization)
	if msg.Text != "" {
		m.AddContent(mail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	if len(m.Content) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "message body is required")
	}

	// copy so concurrent sends never share a body
	req := c.request
	req.Body = mail.GetRequestBody(m)
	resp, err := c.api.SendWithContext(ctx, req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute sendgrid request")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := strings.TrimSpace(resp.Body)
		if len(body) > responseBodyLimit {
			body = body[:responseBodyLimit]
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, body), "sendgrid request failed")
	}
	return nil
}

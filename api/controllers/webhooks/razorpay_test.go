package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	razorpaywebhook "github.com/resellerhq/storefront-backend/internal/webhooks/razorpay"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/security"
)

const testWebhookSecret = "whsec_test"

type stubWebhookService struct {
	result string
	err    error
	events []*razorpaywebhook.Event
}

func (s *stubWebhookService) HandleEvent(_ context.Context, event *razorpaywebhook.Event) (string, error) {
	s.events = append(s.events, event)
	return s.result, s.err
}

type stubGuard struct {
	seen     map[string]bool
	err      error
	released []string
}

func newStubGuard() *stubGuard { return &stubGuard{seen: map[string]bool{}} }

func (g *stubGuard) CheckAndMark(_ context.Context, id string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	if g.seen[id] {
		return true, nil
	}
	g.seen[id] = true
	return false, nil
}

func (g *stubGuard) Delete(_ context.Context, id string) error {
	delete(g.seen, id)
	g.released = append(g.released, id)
	return nil
}

const capturedBody = `{"entity":"event","event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","amount":118000,"currency":"INR","status":"captured"}}}}`

func signedRequest(t *testing.T, body, deliveryID string) *http.Request {
	t.Helper()
	sig, err := security.SignHMACSHA256(body, testWebhookSecret)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/razorpay", strings.NewReader(body))
	req.Header.Set(signatureHeader, sig)
	if deliveryID != "" {
		req.Header.Set(eventIDHeader, deliveryID)
	}
	return req
}

func serve(handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestRazorpayWebhookProcessesSignedDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := &stubWebhookService{result: razorpaywebhook.ResultProcessed}
	guard := newStubGuard()
	handler := RazorpayWebhook(svc, guard, testWebhookSecret, metrics.NewPaymentMetrics(reg), nil)

	resp := serve(handler, signedRequest(t, capturedBody, "evt_1"))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, svc.events, 1)
	assert.Equal(t, "payment.captured", svc.events[0].Event)
	assert.Equal(t, "order_1", svc.events[0].OrderID())

	// a redelivery with the same id never reaches the service
	resp = serve(handler, signedRequest(t, capturedBody, "evt_1"))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, svc.events, 1)

	count, err := testutil.GatherAndCount(reg, "storefront_razorpay_webhooks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRazorpayWebhookAcceptsFallbackSignatureHeader(t *testing.T) {
	svc := &stubWebhookService{result: razorpaywebhook.ResultProcessed}
	handler := RazorpayWebhook(svc, newStubGuard(), testWebhookSecret, nil, nil)

	sig, err := security.SignHMACSHA256(capturedBody, testWebhookSecret)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(capturedBody))
	req.Header.Set(fallbackSignatureHeader, sig)

	resp := serve(handler, req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, svc.events, 1)
}

func TestRazorpayWebhookRejectsMissingSignature(t *testing.T) {
	svc := &stubWebhookService{}
	handler := RazorpayWebhook(svc, newStubGuard(), testWebhookSecret, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(capturedBody))
	resp := serve(handler, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Empty(t, svc.events)
}

func TestRazorpayWebhookRejectsTamperedBody(t *testing.T) {
	svc := &stubWebhookService{}
	handler := RazorpayWebhook(svc, newStubGuard(), testWebhookSecret, nil, nil)

	req := signedRequest(t, capturedBody, "evt_2")
	tampered := strings.Replace(capturedBody, "118000", "100", 1)
	req.Body = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tampered)).Body

	resp := serve(handler, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Empty(t, svc.events)
}

func TestRazorpayWebhookAcknowledgesUndecodablePayload(t *testing.T) {
	svc := &stubWebhookService{}
	handler := RazorpayWebhook(svc, newStubGuard(), testWebhookSecret, nil, nil)

	resp := serve(handler, signedRequest(t, `{"event":`, "evt_3"))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, svc.events)
}

func TestRazorpayWebhookReleasesKeyOnTransientFailure(t *testing.T) {
	svc := &stubWebhookService{err: pkgerrors.Wrap(pkgerrors.CodeInternal, errors.New("db down"), "advance purchase")}
	guard := newStubGuard()
	handler := RazorpayWebhook(svc, guard, testWebhookSecret, nil, nil)

	resp := serve(handler, signedRequest(t, capturedBody, "evt_4"))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, []string{"evt_4"}, guard.released)

	// the provider retry is processed again
	svc.err = nil
	svc.result = razorpaywebhook.ResultProcessed
	resp = serve(handler, signedRequest(t, capturedBody, "evt_4"))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, svc.events, 2)
}

func TestRazorpayWebhookGuardFailureIsDependencyError(t *testing.T) {
	svc := &stubWebhookService{}
	guard := newStubGuard()
	guard.err = errors.New("redis down")
	handler := RazorpayWebhook(svc, guard, testWebhookSecret, nil, nil)

	resp := serve(handler, signedRequest(t, capturedBody, "evt_5"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Empty(t, svc.events)
}

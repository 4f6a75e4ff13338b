package security_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resellerhq/storefront-backend/pkg/security"
)

func referenceSignature(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignHMACSHA256MatchesReference(t *testing.T) {
	sig, err := security.SignHMACSHA256(`{"event":"payment.captured"}`, "whsec")
	require.NoError(t, err)
	assert.Equal(t, referenceSignature(`{"event":"payment.captured"}`, "whsec"), sig)
	assert.Len(t, sig, 64)
	assert.Equal(t, strings.ToLower(sig), sig)
}

func TestSignHMACSHA256RequiresSecret(t *testing.T) {
	_, err := security.SignHMACSHA256("message", "")
	require.Error(t, err)
}

func TestVerifyHMACSHA256(t *testing.T) {
	message := security.PaymentSignatureMessage("order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f")
	assert.Equal(t, "order_9A33XWu170gUtm|pay_29QQoUBi66xm2f", message)

	valid := referenceSignature(message, "key-secret")

	cases := []struct {
		name      string
		message   string
		signature string
		secret    string
		want      bool
	}{
		{name: "valid", message: message, signature: valid, secret: "key-secret", want: true},
		{name: "wrong secret", message: message, signature: valid, secret: "other", want: false},
		{name: "tampered message", message: message + " ", signature: valid, secret: "key-secret", want: false},
		{name: "uppercase hex", message: message, signature: strings.ToUpper(valid), secret: "key-secret", want: false},
		{name: "truncated", message: message, signature: valid[:63], secret: "key-secret", want: false},
		{name: "empty signature", message: message, signature: "", secret: "key-secret", want: false},
		{name: "empty secret", message: message, signature: valid, secret: "", want: false},
		{name: "garbage", message: message, signature: "not-hex-at-all", secret: "key-secret", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, security.VerifyHMACSHA256(tc.message, tc.signature, tc.secret))
		})
	}
}

func TestVerifyHMACSHA256RawBodyBytes(t *testing.T) {
	body := "{\"event\":\"order.paid\",\n  \"payload\": {}}"
	sig := referenceSignature(body, "whsec")

	assert.True(t, security.VerifyHMACSHA256(body, sig, "whsec"))
	assert.False(t, security.VerifyHMACSHA256(`{"event":"order.paid","payload":{}}`, sig, "whsec"))
}

func TestSignThenVerifyRejectsEverySingleByteMutation(t *testing.T) {
	bodies := []string{
		`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1"}}}}`,
		"order_9A33XWu170gUtm|pay_29QQoUBi66xm2f",
		"x",
	}
	for _, body := range bodies {
		sig, err := security.SignHMACSHA256(body, "whsec")
		require.NoError(t, err)
		require.True(t, security.VerifyHMACSHA256(body, sig, "whsec"))

		for i := 0; i < len(body); i++ {
			mutated := []byte(body)
			mutated[i] ^= 0x01
			assert.False(t, security.VerifyHMACSHA256(string(mutated), sig, "whsec"), "body byte %d", i)
		}
		for i := 0; i < len(sig); i++ {
			mutated := []byte(sig)
			mutated[i] ^= 0x01
			assert.False(t, security.VerifyHMACSHA256(body, string(mutated), "whsec"), "signature byte %d", i)
		}
	}
}

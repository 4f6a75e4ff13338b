package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var errSecretRequired = errors.New("signing secret is required")

// SignHMACSHA256 returns the lowercase hex HMAC-SHA256 of message keyed by secret.
func SignHMACSHA256(message, secret string) (string, error) {
	if secret == "" {
		return "", errSecretRequired
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(message)); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMACSHA256 reports whether signature is the hex HMAC-SHA256 of message.
// It never panics; an empty secret or signature, or a signing failure, yields false.
func VerifyHMACSHA256(message, signature, secret string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if signature == "" || secret == "" {
		return false
	}
	expected, err := SignHMACSHA256(message, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// PaymentSignatureMessage composes the checkout callback message "{order_id}|{payment_id}".
func PaymentSignatureMessage(orderID, paymentID string) string {
	return orderID + "|" + paymentID
}

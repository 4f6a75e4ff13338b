package checkout

import (
	"strings"

	"github.com/google/uuid"
)

const (
	receiptPrefix    = "rcpt_"
	receiptMaxLength = 40
)

// Receipt builds the provider receipt reference for a purchase.
func Receipt(purchaseID uuid.UUID) string {
	var b strings.Builder
	b.WriteString(receiptPrefix)
	for _, r := range purchaseID.String() {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > receiptMaxLength {
		out = out[:receiptMaxLength]
	}
	return out
}

package enums

import "testing"

func TestParsePaymentStatus(t *testing.T) {
	for _, raw := range []string{"pending", "processing", "completed", "failed"} {
		status, err := ParsePaymentStatus(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !status.IsValid() {
			t.Fatalf("expected %q to be valid", raw)
		}
	}
	if _, err := ParsePaymentStatus("refunded"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestPaymentStatusIsTerminal(t *testing.T) {
	if PaymentStatusPending.IsTerminal() || PaymentStatusProcessing.IsTerminal() {
		t.Fatal("pending and processing must not be terminal")
	}
	if !PaymentStatusCompleted.IsTerminal() || !PaymentStatusFailed.IsTerminal() {
		t.Fatal("completed and failed must be terminal")
	}
}

func TestParseItemType(t *testing.T) {
	if _, err := ParseItemType("bundle"); err != nil {
		t.Fatalf("parse bundle: %v", err)
	}
	if _, err := ParseItemType("product"); err == nil {
		t.Fatal("expected error for unknown item type")
	}
	if ItemType("").IsValid() {
		t.Fatal("empty item type must be invalid")
	}
}

func TestParseUserRole(t *testing.T) {
	role, err := ParseUserRole("admin")
	if err != nil || role != UserRoleAdmin {
		t.Fatalf("expected admin role, got %q (%v)", role, err)
	}
	if _, err := ParseUserRole("owner"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestParseOutboxDLQErrorReason(t *testing.T) {
	reason, err := ParseOutboxDLQErrorReason("max_attempts")
	if err != nil || reason != OutboxDLQReasonMaxAttempts {
		t.Fatalf("expected max_attempts, got %q (%v)", reason, err)
	}
	if _, err := ParseOutboxDLQErrorReason("timeout"); err == nil {
		t.Fatal("expected error for unknown reason")
	}
}

func TestParseOutboxTypes(t *testing.T) {
	if e, err := ParseOutboxEventType("purchase_failed"); err != nil || e != EventPurchaseFailed {
		t.Fatalf("expected purchase_failed, got %q (%v)", e, err)
	}
	if _, err := ParseOutboxAggregateType("cart"); err == nil || err.Error() != `invalid aggregate type "cart"` {
		t.Fatalf("unexpected error %v", err)
	}
}

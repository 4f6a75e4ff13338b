package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized, publicMsg: "authentication required"},
		{code: CodeForbidden, status: http.StatusForbidden, publicMsg: "access denied"},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found"},
		{code: CodeConflict, status: http.StatusConflict, publicMsg: "conflict detected"},
		{code: CodeIdempotency, status: http.StatusConflict, publicMsg: "idempotency key reused", detailsOK: true},
		{code: CodeUnprocessable, status: http.StatusUnprocessableEntity, publicMsg: "request could not be processed"},
		{code: CodeUpstream, status: http.StatusBadGateway, publicMsg: "payment provider unavailable", retryable: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error", retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing foo")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing foo" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	detail := map[string]any{"field": "foo"}
	base.WithDetails(detail)
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestAsReturnsTypedError(t *testing.T) {
	err := New(CodeForbidden, "no entry")
	if got := As(err); got == nil || got.Code() != CodeForbidden {
		t.Fatalf("As failed to return typed error")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	wrapped := Wrap(CodeUpstream, stdErrors.New("connection reset"), "create razorpay order")
	if got := wrapped.Error(); got != "UPSTREAM_FAILURE: create razorpay order: connection reset" {
		t.Fatalf("unexpected error string %q", got)
	}
	if got := New(CodeNotFound, "purchase not found").Error(); got != "NOT_FOUND: purchase not found" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestHasCodeAndCodeOf(t *testing.T) {
	err := fmt.Errorf("send: %w", Newf(CodeValidation, "bad recipient %q", "x"))
	if !HasCode(err, CodeValidation) || HasCode(err, CodeConflict) {
		t.Fatal("HasCode should match the wrapped code only")
	}
	if CodeOf(err) != CodeValidation {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if CodeOf(stdErrors.New("plain")) != CodeInternal {
		t.Fatal("untyped errors map to internal")
	}
	if HasCode(nil, CodeInternal) {
		t.Fatal("nil error has no code")
	}
}

func TestDiagnoseExtractsPostgresDetails(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "purchases_razorpay_order_id_key", TableName: "purchases"}
	err := Wrap(CodeConflict, fmt.Errorf("update purchase: %w", pgErr), "duplicate")

	d := Diagnose(err)
	if d.Code != CodeConflict {
		t.Fatalf("expected conflict code, got %s", d.Code)
	}
	if d.SQLClass() != "23" {
		t.Fatalf("expected sqlstate class 23, got %q", d.SQLClass())
	}
	fields := d.Fields()
	if fields["pg_constraint"] != "purchases_razorpay_order_id_key" {
		t.Fatalf("unexpected constraint field %v", fields["pg_constraint"])
	}
	if len(d.Chain) < 3 {
		t.Fatalf("expected full chain, got %v", d.Chain)
	}
}

func TestDiagnosePlainError(t *testing.T) {
	d := Diagnose(stdErrors.New("boom"))
	if d.SQLState != "" || d.SQLClass() != "" {
		t.Fatalf("expected no sql details, got %+v", d)
	}
	if _, ok := d.Fields()["error_chain"]; ok {
		t.Fatal("single-link chain should not be logged")
	}
	if len(Diagnose(nil).Fields()) != 0 {
		t.Fatal("nil error should have no fields")
	}
}

package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewUsesRegisteredMessage(t *testing.T) {
	err := New(CodeInvalidReferrer, "")
	if err.Message() != "Please enter a valid referrer address" {
		t.Fatalf("unexpected message %q", err.Message())
	}
	if err.Severity() != SeverityInfo || err.ShouldAlert() {
		t.Fatalf("unexpected attributes: severity=%s alert=%v", err.Severity(), err.ShouldAlert())
	}
}

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := stdErrors.New("execution reverted")
	err := fmt.Errorf("submit: %w", Wrap(CodeTxReverted, cause, "", WithMetadata("hash", "0xabc")))

	if !stdErrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if CodeOf(err) != CodeTxReverted || !HasCode(err, CodeTxReverted) {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !ShouldAlert(err) {
		t.Fatal("reverted transactions should alert")
	}
	e, ok := From(err)
	if !ok || e.Metadata()["hash"] != "0xabc" {
		t.Fatalf("metadata lost: %+v", e)
	}
	if !stdErrors.Is(err, New(CodeTxReverted, "other message")) {
		t.Fatal("errors with the same code should match")
	}
}

func TestOverridesAndUnknownCodes(t *testing.T) {
	err := New(CodeContractCall, "", WithRetryable(false), WithAlert(true), WithSeverity(SeverityCritical))
	if err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatalf("overrides not applied: %+v", err)
	}
	if RetryableError(stdErrors.New("plain")) || CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors should map to UNKNOWN")
	}
	if AttributesOf(Code("NOPE")).Message != AttributesOf(CodeUnknown).Message {
		t.Fatal("unregistered codes should fall back to UNKNOWN")
	}
}

func TestRegister(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Retryable: true})
	if !RetryableError(New(code, "")) || SeverityOf(New(code, "")) != SeverityWarning {
		t.Fatal("registered attributes not applied")
	}
}

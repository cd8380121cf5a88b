package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestSentinelMatchesByKind(t *testing.T) {
	err := InsufficientBalance("available 10 < 20")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance match")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("did not expect validation match")
	}

	wrapped := fmt.Errorf("lock: %w", err)
	if !errors.Is(wrapped, ErrInsufficientBalance) {
		t.Fatalf("expected match through wrapping")
	}
	if KindOf(wrapped) != KindInsufficientBalance {
		t.Fatalf("expected kind insufficient_balance, got %s", KindOf(wrapped))
	}
}

func TestExternalIsRetryableAndUnwraps(t *testing.T) {
	err := External("broadcast", context.DeadlineExceeded)
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to unwrap")
	}
	if HTTPStatus(KindOf(err)) != http.StatusBadGateway {
		t.Fatalf("expected 502")
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	if got := PublicMessage(errors.New("pq: connection refused")); got != "internal error" {
		t.Fatalf("expected generic message, got %q", got)
	}
	if got := PublicMessage(InvalidState("locked below zero")); got != "internal error" {
		t.Fatalf("expected generic message for invalid state, got %q", got)
	}
	if got := PublicMessage(Validation("amount must be positive")); got != "amount must be positive" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestCodes(t *testing.T) {
	cases := map[Kind]string{
		KindValidation:       "INVALID_REQUEST",
		KindNonceInvalid:     "NONCE_INVALID",
		KindKYCRestricted:    "KYC_RESTRICTED",
		KindAlreadyProcessed: "ALREADY_PROCESSED",
		KindInternal:         "INTERNAL_ERROR",
	}
	for kind, code := range cases {
		if Code(kind) != code {
			t.Fatalf("kind %s: expected %s, got %s", kind, code, Code(kind))
		}
	}
}

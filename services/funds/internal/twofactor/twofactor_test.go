package twofactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
)

func TestVerifyAcceptsCurrentCode(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "cex", AccountName: "user"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	user := uuid.New()
	secrets := NewStaticSecrets()
	secrets.Set(user, key.Secret())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewTOTPVerifier(secrets)
	v.now = func() time.Time { return now }

	code, err := totp.GenerateCode(key.Secret(), now)
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	ok, err := v.Verify(context.Background(), user, code)
	if err != nil || !ok {
		t.Fatalf("expected valid code, got %v %v", ok, err)
	}

	stale, _ := totp.GenerateCode(key.Secret(), now.Add(-5*time.Minute))
	if ok, _ := v.Verify(context.Background(), user, stale); ok {
		t.Fatalf("expected stale code to be rejected")
	}
	if ok, _ := v.Verify(context.Background(), user, "12"); ok {
		t.Fatalf("expected malformed code to be rejected")
	}
}

func TestVerifyWithoutEnrolment(t *testing.T) {
	v := NewTOTPVerifier(NewStaticSecrets())
	_, err := v.Verify(context.Background(), uuid.New(), "123456")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

package security

import (
	"strings"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/auth"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
)

func TestIssuerSignsParsableToken(t *testing.T) {
	secret := []byte("secret")
	issuer := Issuer{Secret: secret, Name: "cex-identity", TTL: time.Minute}
	userID := uuid.New()

	token, err := issuer.Sign(AccessToken{UserID: userID, Wallet: "0xabc"}, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := auth.ParseJWT(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != userID.String() || claims.Issuer != "cex-identity" || claims.Wallet != "0xabc" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.HasRole(auth.RoleUser) {
		t.Fatalf("expected default user role")
	}
}

func TestIssuerTokenExpires(t *testing.T) {
	secret := []byte("secret")
	issuer := Issuer{Secret: secret, Name: "cex-identity", TTL: time.Minute}
	token, err := issuer.Sign(AccessToken{UserID: uuid.New()}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseJWT(token, secret); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestRefreshTokensAreDistinctAndDigested(t *testing.T) {
	a, err := RandomMinter{}.RefreshToken()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	b, _ := RandomMinter{}.RefreshToken()
	if a.Plain == b.Plain {
		t.Fatalf("expected distinct tokens")
	}
	if !strings.HasPrefix(a.Plain, "rt_") || len(a.Plain) != 3+43 {
		t.Fatalf("unexpected token shape %q", a.Plain)
	}
	if Digest(a.Plain) != a.Digest || len(a.Digest) != 64 {
		t.Fatalf("digest mismatch")
	}
}

func TestBackupCodes(t *testing.T) {
	codes, err := NewBackupCodes()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(codes) != BackupCodeCount {
		t.Fatalf("expected %d codes, got %d", BackupCodeCount, len(codes))
	}
	seen := map[string]bool{}
	for _, c := range codes {
		if len(c.Plain) != 8 || strings.ToUpper(c.Plain) != c.Plain {
			t.Fatalf("unexpected code %q", c.Plain)
		}
		seen[c.Plain] = true
	}
	if len(seen) < BackupCodeCount-1 {
		t.Fatalf("expected codes to be distinct")
	}

	code := codes[0].Plain
	typed := " " + strings.ToLower(code[:4]) + "-" + strings.ToLower(code[4:]) + " "
	if BackupCodeDigest(typed) != codes[0].Digest {
		t.Fatalf("expected lower-case dashed input to match")
	}
	if got := Digests(codes); got[0] != codes[0].Digest || len(Plain(codes)) != BackupCodeCount {
		t.Fatalf("unexpected projections")
	}
}

func TestTOTPValidateWithSkew(t *testing.T) {
	enrol, err := NewTOTP("CEX", "user@example.com")
	if err != nil {
		t.Fatalf("enrol: %v", err)
	}
	now := time.Now()
	code, err := totp.GenerateCode(enrol.Secret, now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	if !ValidateTOTP(code, enrol.Secret, now) {
		t.Fatalf("expected previous step to validate")
	}
	stale, _ := totp.GenerateCode(enrol.Secret, now.Add(-5*time.Minute))
	if stale != code && ValidateTOTP(stale, enrol.Secret, now) {
		t.Fatalf("expected stale code to fail")
	}
	if ValidateTOTP("", enrol.Secret, now) {
		t.Fatalf("expected empty code to fail")
	}
}

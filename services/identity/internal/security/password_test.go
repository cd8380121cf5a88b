package security

import (
	"errors"
	"testing"
)

func testParams() Argon2Params {
	return Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func TestPasswordHashVerify(t *testing.T) {
	hash, err := HashPassword("s3cret-pass", testParams())
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}

	ok, err := VerifyPassword("s3cret-pass", hash)
	if err != nil || !ok {
		t.Fatalf("expected password to verify, err=%v", err)
	}

	ok, err = VerifyPassword("wrong-pass", hash)
	if err != nil || ok {
		t.Fatalf("expected password to fail, err=%v", err)
	}
}

func TestPasswordRejectsShortAndMalformed(t *testing.T) {
	if _, err := HashPassword("short", testParams()); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
	if ok, err := VerifyPassword("anything", ""); ok || err != nil {
		t.Fatalf("expected wallet-only account to never verify")
	}
	if _, err := VerifyPassword("anything", "$bcrypt$x"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected invalid hash, got %v", err)
	}
}

package signature

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func sign(t *testing.T, message string) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestVerifyValidSignature(t *testing.T) {
	msg := "CEX wants you to sign in\nNonce: abc"
	sig, addr := sign(t, msg)
	if !Verify(addr, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if !Verify(strings.ToLower(addr), msg, sig) {
		t.Fatalf("expected lower-case address to verify")
	}
}

func TestVerifyAcceptsZeroOneRecoveryID(t *testing.T) {
	msg := "hello"
	sig, addr := sign(t, msg)
	raw, _ := hexutil.Decode(sig)
	raw[64] -= 27
	if !Verify(addr, msg, hexutil.Encode(raw)) {
		t.Fatalf("expected v in {0,1} to verify")
	}
}

func TestVerifyRejects(t *testing.T) {
	msg := "hello"
	sig, addr := sign(t, msg)
	_, other := sign(t, msg)

	cases := map[string]struct {
		message, sig, addr string
	}{
		"other address":    {msg, sig, other},
		"tampered message": {msg + "!", sig, addr},
		"short signature":  {msg, sig[:20], addr},
		"not hex":          {msg, "0xzz", addr},
		"bad address":      {msg, sig, "0x1234"},
		"empty":            {msg, "", addr},
	}
	for name, tc := range cases {
		if Verify(tc.addr, tc.message, tc.sig) {
			t.Fatalf("%s: expected verification failure", name)
		}
	}

	raw, _ := hexutil.Decode(sig)
	raw[64] = 5
	if _, err := Recover(msg, hexutil.Encode(raw)); err != ErrMalformed {
		t.Fatalf("expected malformed for bad v, got %v", err)
	}
}

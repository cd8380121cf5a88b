// Package signature checks EIP-191 personal_sign signatures against a claimed address.
package signature

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const signatureLength = 65

var ErrMalformed = errors.New("malformed signature")

// Recover returns the address that signed message with the personal_sign prefix.
func Recover(message, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil || len(sig) != signatureLength {
		return common.Address{}, ErrMalformed
	}
	// Wallets emit V as 27/28; SigToPub expects 0/1.
	switch sig[64] {
	case 27, 28:
		sig[64] -= 27
	case 0, 1:
	default:
		return common.Address{}, ErrMalformed
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, ErrMalformed
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sigHex over message was produced by address. Any decoding or
// recovery failure yields false.
func Verify(address, message, sigHex string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	recovered, err := Recover(message, sigHex)
	if err != nil {
		return false
	}
	return recovered == common.HexToAddress(address)
}

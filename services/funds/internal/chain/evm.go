package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const transferGas = 21000

// rejections are node errors after which the transaction is known not to be in the pool.
var rejections = []string{
	"insufficient funds",
	"intrinsic gas too low",
	"invalid sender",
	"exceeds block gas limit",
	"transaction underpriced",
	"max fee per gas less than block base fee",
}

// EVMChain sends native-asset transfers from a single hot wallet on one EVM network.
type EVMChain struct {
	name      string
	native    string
	chainID   *big.Int
	client    *ethclient.Client
	key       *ecdsa.PrivateKey
	from      common.Address
	signer    types.Signer
	nonceMu   sync.Mutex
	nextNonce uint64
}

func DialEVM(ctx context.Context, name, native, rpcURL, hotWalletKey string, chainID int64) (*EVMChain, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", name, err)
	}
	c := &EVMChain{
		name:    NormalizeName(name),
		native:  strings.ToUpper(native),
		chainID: big.NewInt(chainID),
		client:  client,
	}
	c.signer = types.LatestSignerForChainID(c.chainID)
	if hotWalletKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hotWalletKey, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("parse hot wallet key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

func (c *EVMChain) Close() {
	c.client.Close()
}

func (c *EVMChain) HotWallet() string {
	return c.from.Hex()
}

func (c *EVMChain) PrepareTransfer(ctx context.Context, t Transfer) (Prepared, error) {
	if c.key == nil {
		return Prepared{}, apperr.Unavailable("hot wallet is not configured")
	}
	if strings.ToUpper(t.Currency) != c.native {
		return Prepared{}, apperr.Validationf("%s supports only %s withdrawals", c.name, c.native)
	}
	if !common.IsHexAddress(t.To) {
		return Prepared{}, apperr.Validation("invalid destination address")
	}
	if !t.Amount.IsPositive() {
		return Prepared{}, apperr.Validation("amount must be positive")
	}

	nonce, err := c.reserveNonce(ctx)
	if err != nil {
		return Prepared{}, err
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return Prepared{}, err
	}
	to := common.HexToAddress(t.To)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      transferGas,
		To:       &to,
		Value:    toWei(t.Amount),
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return Prepared{}, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{Chain: c.name, TxHash: signed.Hash().Hex(), Raw: hexutil.Encode(raw)}, nil
}

func (c *EVMChain) reserveNonce(ctx context.Context) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	pending, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, err
	}
	if pending > c.nextNonce {
		c.nextNonce = pending
	}
	nonce := c.nextNonce
	c.nextNonce++
	return nonce, nil
}

func (c *EVMChain) Broadcast(ctx context.Context, p Prepared) error {
	raw, err := hexutil.Decode(p.Raw)
	if err != nil {
		return Rejected("malformed signed transaction")
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return Rejected("malformed signed transaction")
	}
	err = c.client.SendTransaction(ctx, &tx)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return nil
	}
	for _, r := range rejections {
		if strings.Contains(msg, r) {
			return Rejected(msg)
		}
	}
	return err
}

func (c *EVMChain) Lookup(ctx context.Context, _ string, txHash string) (TxStatus, error) {
	if !ValidTxHash(txHash) {
		return TxStatus{}, apperr.Validation("invalid transaction hash")
	}
	hash := common.HexToHash(txHash)

	tx, pending, err := c.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxStatus{}, nil
		}
		return TxStatus{}, err
	}
	st := TxStatus{Found: true, Pending: pending, Currency: c.native, Amount: fromWei(tx.Value())}
	if tx.To() != nil {
		st.To = tx.To().Hex()
	}
	if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		st.From = from.Hex()
	}
	if pending {
		return st, nil
	}

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			st.Pending = true
			return st, nil
		}
		return TxStatus{}, err
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return TxStatus{}, err
	}
	st.Reverted = receipt.Status == types.ReceiptStatusFailed
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		st.Confirmations = int(head-receipt.BlockNumber.Uint64()) + 1
	}
	return st, nil
}

func toWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(18).Truncate(0).BigInt()
}

func fromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

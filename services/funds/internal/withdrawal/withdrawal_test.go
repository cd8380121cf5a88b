package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/audit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/chain"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/kyc"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/rates"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/retry"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/twofactor"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
)

const destination = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

type recordingSink struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingSink) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, e.Action)
}

func (r *recordingSink) has(action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a == action {
			return true
		}
	}
	return false
}

type mutableQuoter struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
}

func (q *mutableQuoter) set(pair string, rate string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rates[pair] = decimal.RequireFromString(rate)
}

func (q *mutableQuoter) Quote(ctx context.Context, from, to string) (decimal.Decimal, error) {
	q.mu.Lock()
	table := make(map[string]decimal.Decimal, len(q.rates))
	for k, v := range q.rates {
		table[k] = v
	}
	q.mu.Unlock()
	static, err := rates.NewStaticQuoter(table)
	if err != nil {
		return decimal.Zero, err
	}
	return static.Quote(ctx, from, to)
}

type harness struct {
	svc     *Service
	store   *storage.MemoryStore
	chain   *chain.SimulatedChain
	quoter  *mutableQuoter
	kyc     *kyc.Static
	secrets *twofactor.StaticSecrets
	sink    *recordingSink
	user    uuid.UUID
	admin   uuid.UUID
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		store:   storage.NewMemoryStore(),
		chain:   chain.NewSimulated(0),
		quoter:  &mutableQuoter{rates: map[string]decimal.Decimal{}},
		secrets: twofactor.NewStaticSecrets(),
		sink:    &recordingSink{},
		user:    uuid.New(),
		admin:   uuid.New(),
	}
	h.quoter.set("USDT/INR", "1")
	h.quoter.set("USDT/USD", "1")
	h.quoter.set("ETH/USD", "10")
	h.kyc = kyc.NewStatic(map[uuid.UUID]int{h.user: 3})

	cfg := DefaultConfig()
	cfg.MinFiatAmount = decimal.NewFromInt(1)
	cfg.Confirmations = map[string]int{"ethereum": 3}
	cfg.Policy = retry.Policy{Attempts: 1, Timeout: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc = NewService(Deps{
		Store:     h.store,
		KYC:       h.kyc,
		Rates:     h.quoter,
		Chain:     h.chain,
		TwoFactor: twofactor.NewTOTPVerifier(h.secrets),
		Audit:     h.sink,
	}, cfg)
	return h
}

func (h *harness) fund(t *testing.T, currency, amount string) {
	t.Helper()
	_, err := h.store.Apply(context.Background(), ledger.Op{
		Type:     ledger.OpCredit,
		UserID:   h.user,
		Currency: currency,
		Amount:   decimal.RequireFromString(amount),
		Ref:      ledger.Ref{Type: ledger.RefAdjustment, ID: uuid.New()},
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (h *harness) assertBalance(t *testing.T, currency, available, locked string) {
	t.Helper()
	acct, err := h.store.Balance(context.Background(), h.user, currency)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !acct.Available.Equal(decimal.RequireFromString(available)) || !acct.Locked.Equal(decimal.RequireFromString(locked)) {
		t.Fatalf("expected %s available / %s locked, got %s / %s", available, locked, acct.Available, acct.Locked)
	}
	entries, err := h.store.Entries(context.Background(), h.user, currency, 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	avail, lock := ledger.Replay(entries)
	if !avail.Equal(acct.Available) || !lock.Equal(acct.Locked) {
		t.Fatalf("ledger replay %s/%s does not match balance %s/%s", avail, lock, acct.Available, acct.Locked)
	}
}

func (h *harness) fiat(amount string) FiatRequest {
	return FiatRequest{UserID: h.user, Amount: decimal.RequireFromString(amount), SourceCurrency: "USDT", BankAccount: "1234567890", IFSC: "hdfc0001", HolderName: "Test User"}
}

func (h *harness) crypto(amount string) CryptoRequest {
	return CryptoRequest{UserID: h.user, Currency: "ETH", Amount: decimal.RequireFromString(amount), ToAddress: destination}
}

func (h *harness) verifiedCrypto(t *testing.T, amount string) *storage.Withdrawal {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "cex", AccountName: h.user.String()})
	if err != nil {
		t.Fatalf("totp: %v", err)
	}
	h.secrets.Set(h.user, key.Secret())
	w, err := h.svc.RequestCrypto(context.Background(), h.crypto(amount))
	if err != nil {
		t.Fatalf("request crypto: %v", err)
	}
	code, _ := totp.GenerateCode(key.Secret(), time.Now())
	w, err = h.svc.VerifyTwoFactor(context.Background(), w.ID, h.user, code)
	if err != nil {
		t.Fatalf("verify 2fa: %v", err)
	}
	return w
}

func TestFiatApproveDebitsLockedAmount(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "USDT", "100")
	ctx := context.Background()

	w, err := h.svc.RequestFiat(ctx, h.fiat("40"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !w.Fee.Equal(decimal.RequireFromString("0.40")) || !w.NetAmount.Equal(decimal.RequireFromString("39.60")) {
		t.Fatalf("unexpected fee/net: %s/%s", w.Fee, w.NetAmount)
	}
	h.assertBalance(t, "USDT", "60", "40")

	approved, err := h.svc.ApproveFiat(ctx, w.ID, h.admin, "UTR123")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != storage.WithdrawalCompleted || approved.Fiat.TransferRef != "UTR123" || approved.ProcessedBy == nil {
		t.Fatalf("unexpected approved record: %+v", approved)
	}
	h.assertBalance(t, "USDT", "60", "0")

	if _, err := h.svc.ApproveFiat(ctx, w.ID, h.admin, "UTR124"); !errors.Is(err, apperr.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	if _, err := h.svc.Reject(ctx, w.ID, h.admin, "late"); !errors.Is(err, apperr.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed on reject, got %v", err)
	}
	h.assertBalance(t, "USDT", "60", "0")
	if !h.sink.has(audit.FiatWithdrawalRequested) || !h.sink.has(audit.FiatWithdrawalCompleted) {
		t.Fatalf("expected audit events, got %v", h.sink.actions)
	}
}

func TestFiatRejectReleases(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "USDT", "100")
	ctx := context.Background()

	w, err := h.svc.RequestFiat(ctx, h.fiat("40"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	rejected, err := h.svc.Reject(ctx, w.ID, h.admin, "")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != storage.WithdrawalCancelled || rejected.FailureReason == "" {
		t.Fatalf("unexpected rejected record: %+v", rejected)
	}
	h.assertBalance(t, "USDT", "100", "0")
}

func TestFiatRateIsFrozen(t *testing.T) {
	h := newHarness(t, nil)
	h.quoter.set("USDT/INR", "80")
	h.fund(t, "USDT", "100")
	ctx := context.Background()

	w, err := h.svc.RequestFiat(ctx, h.fiat("1000"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !w.LockedAmount.Equal(decimal.RequireFromString("12.5")) || !w.Rate.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("unexpected lock %s at rate %s", w.LockedAmount, w.Rate)
	}
	h.quoter.set("USDT/INR", "40")
	if _, err := h.svc.ApproveFiat(ctx, w.ID, h.admin, "UTR1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	h.assertBalance(t, "USDT", "87.5", "0")
}

func TestConcurrentRequestsSingleWinner(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "USDT", "100")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.RequestFiat(context.Background(), h.fiat("60"))
		}(i)
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected one winner, got ok=%d insufficient=%d", ok, insufficient)
	}
	h.assertBalance(t, "USDT", "40", "60")
}

func TestConcurrentAdminActionsSingleWriter(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "USDT", "100")
	ctx := context.Background()

	w, err := h.svc.RequestFiat(ctx, h.fiat("40"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	h.assertBalance(t, "USDT", "60", "40")

	const racers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*storage.Withdrawal, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if i%2 == 0 {
				results[i], errs[i] = h.svc.ApproveFiat(ctx, w.ID, h.admin, "UTR-RACE")
			} else {
				results[i], errs[i] = h.svc.Reject(ctx, w.ID, h.admin, "race")
			}
		}(i)
	}
	close(start)
	wg.Wait()

	var winner *storage.Withdrawal
	processed := 0
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != nil {
				t.Fatalf("second admin action succeeded")
			}
			winner = results[i]
		case errors.Is(err, apperr.ErrAlreadyProcessed):
			processed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winner == nil || processed != racers-1 {
		t.Fatalf("expected one winner and %d already processed, got winner=%v processed=%d", racers-1, winner != nil, processed)
	}

	entries, err := h.store.Entries(ctx, h.user, "USDT", 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	settled := 0
	for _, e := range entries {
		if e.Ref.ID == w.ID && (e.Type == ledger.OpDebit || e.Type == ledger.OpRelease) {
			settled++
		}
	}
	if settled != 1 {
		t.Fatalf("expected exactly one settling entry, got %d", settled)
	}

	switch winner.Status {
	case storage.WithdrawalCompleted:
		h.assertBalance(t, "USDT", "60", "0")
	case storage.WithdrawalCancelled:
		h.assertBalance(t, "USDT", "100", "0")
	default:
		t.Fatalf("unexpected final status %s", winner.Status)
	}
}

func TestKYCGating(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "USDT", "100000")
	h.fund(t, "ETH", "1000")
	ctx := context.Background()

	h.kyc.Users[h.user] = 0
	if _, err := h.svc.RequestCrypto(ctx, h.crypto("1")); !errors.Is(err, apperr.ErrKYCRestricted) {
		t.Fatalf("expected kyc restriction for level 0, got %v", err)
	}
	h.kyc.Users[h.user] = 1
	if _, err := h.svc.RequestFiat(ctx, h.fiat("10")); !errors.Is(err, apperr.ErrKYCRestricted) {
		t.Fatalf("expected fiat restriction for level 1, got %v", err)
	}
	if _, err := h.svc.RequestCrypto(ctx, h.crypto("150")); err != nil {
		t.Fatalf("expected crypto withdrawal within limit: %v", err)
	}
	if _, err := h.svc.RequestCrypto(ctx, h.crypto("60")); !errors.Is(err, apperr.ErrKYCRestricted) {
		t.Fatalf("expected daily limit to apply, got %v", err)
	}
	h.assertBalance(t, "ETH", "850", "150")
}

func TestCancelledRequestsFreeLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.kyc.Users[h.user] = 1
	h.fund(t, "ETH", "1000")
	ctx := context.Background()

	w, err := h.svc.RequestCrypto(ctx, h.crypto("200"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.svc.Cancel(ctx, w.ID, h.user); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.svc.RequestCrypto(ctx, h.crypto("200")); err != nil {
		t.Fatalf("expected cancelled request not to count: %v", err)
	}
}

func TestCancelByOwnerOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "USDT", "100")
	ctx := context.Background()

	w, err := h.svc.RequestFiat(ctx, h.fiat("10"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.svc.Cancel(ctx, w.ID, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if _, err := h.svc.Cancel(ctx, w.ID, h.user); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.svc.Cancel(ctx, w.ID, h.user); !errors.Is(err, apperr.ErrAlreadyProcessed) {
		t.Fatalf("expected second cancel to be rejected, got %v", err)
	}
	h.assertBalance(t, "USDT", "100", "0")
}

func TestDemoModeAutoApprovesSmallFiat(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Features.DemoMode = true
	})
	h.fund(t, "USDT", "500")
	ctx := context.Background()

	small, err := h.svc.RequestFiat(ctx, h.fiat("50"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if small.Status != storage.WithdrawalCompleted || small.ProcessedBy != nil {
		t.Fatalf("expected system auto-approval, got %+v", small)
	}
	large, err := h.svc.RequestFiat(ctx, h.fiat("200"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if large.Status != storage.WithdrawalPending {
		t.Fatalf("expected large request to wait for admin, got %s", large.Status)
	}
	h.assertBalance(t, "USDT", "250", "200")
}

func TestWithdrawalsDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Features.WithdrawalsEnabled = false
	})
	if _, err := h.svc.RequestFiat(context.Background(), h.fiat("10")); !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	bad := h.crypto("1")
	bad.ToAddress = "not-an-address"
	if _, err := h.svc.RequestCrypto(ctx, bad); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.svc.RequestFiat(ctx, h.fiat("0")); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.svc.RequestFiat(ctx, h.fiat("40")); !errors.Is(err, apperr.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	list, _ := h.svc.List(ctx, h.user, storage.Page{})
	if len(list) != 0 {
		t.Fatalf("expected no records after failed requests, got %d", len(list))
	}
}

func TestCryptoRequiresTwoFactorBeforeBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "ETH", "10")
	ctx := context.Background()

	w, err := h.svc.RequestCrypto(ctx, h.crypto("1"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !w.Crypto.Requires2FA || w.Crypto.RequiredConfirmations != 3 {
		t.Fatalf("unexpected crypto details: %+v", w.Crypto)
	}
	if _, err := h.svc.ApproveCrypto(ctx, w.ID, h.admin); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected 2fa precondition, got %v", err)
	}

	key, _ := totp.Generate(totp.GenerateOpts{Issuer: "cex", AccountName: "u"})
	h.secrets.Set(h.user, key.Secret())
	if _, err := h.svc.VerifyTwoFactor(ctx, w.ID, h.user, "000000"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected invalid code, got %v", err)
	}
	got, _ := h.svc.Get(ctx, w.ID, h.user)
	if got.Status != storage.WithdrawalPending || got.Crypto.TwoFactorVerified {
		t.Fatalf("record changed by failed verification: %+v", got)
	}
	h.assertBalance(t, "ETH", "9", "1")
}

func TestCryptoHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "ETH", "10")
	ctx := context.Background()

	w := h.verifiedCrypto(t, "2")
	if !w.Crypto.TwoFactorVerified || !h.sink.has(audit.CryptoWithdrawal2FAVerified) {
		t.Fatalf("expected verified withdrawal")
	}
	sent, err := h.svc.ApproveCrypto(ctx, w.ID, h.admin)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if sent.Status != storage.WithdrawalConfirming || sent.Crypto.TxHash == "" || sent.Crypto.BroadcastAt == nil {
		t.Fatalf("expected confirming withdrawal, got %+v", sent)
	}
	st, _ := h.chain.Lookup(ctx, "ethereum", sent.Crypto.TxHash)
	if !st.Amount.Equal(decimal.RequireFromString("1.98")) {
		t.Fatalf("expected net amount on chain, got %s", st.Amount)
	}
	if _, err := h.svc.ApproveCrypto(ctx, w.ID, h.admin); !errors.Is(err, apperr.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}

	h.chain.Mine(1)
	polled, err := h.svc.Poll(ctx, w.ID)
	if err != nil || polled.Status != storage.WithdrawalConfirming || polled.Crypto.Confirmations != 2 {
		t.Fatalf("expected 2 confirmations, got %+v %v", polled, err)
	}
	h.assertBalance(t, "ETH", "8", "2")

	h.chain.Mine(1)
	done, err := h.svc.Poll(ctx, w.ID)
	if err != nil || done.Status != storage.WithdrawalCompleted {
		t.Fatalf("expected completion, got %+v %v", done, err)
	}
	h.assertBalance(t, "ETH", "8", "0")

	h.chain.Mine(5)
	again, err := h.svc.Poll(ctx, w.ID)
	if err != nil || again.Status != storage.WithdrawalCompleted {
		t.Fatalf("expected completed record to be stable, got %+v %v", again, err)
	}
	h.assertBalance(t, "ETH", "8", "0")
}

func TestAmbiguousBroadcastThatLandedIsNotReleased(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "ETH", "10")
	w := h.verifiedCrypto(t, "2")

	h.chain.OnBroadcast(func(chain.Prepared) (bool, error) { return true, context.DeadlineExceeded })
	sent, err := h.svc.ApproveCrypto(context.Background(), w.ID, h.admin)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if sent.Status != storage.WithdrawalConfirming {
		t.Fatalf("expected confirming after on-chain re-check, got %s", sent.Status)
	}
	h.assertBalance(t, "ETH", "8", "2")
}

func TestAmbiguousBroadcastStaysBroadcasting(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "ETH", "10")
	ctx := context.Background()
	w := h.verifiedCrypto(t, "2")

	h.chain.OnBroadcast(func(chain.Prepared) (bool, error) { return false, context.DeadlineExceeded })
	stuck, err := h.svc.ApproveCrypto(ctx, w.ID, h.admin)
	if !errors.Is(err, apperr.ErrExternal) {
		t.Fatalf("expected external failure, got %v", err)
	}
	if stuck.Status != storage.WithdrawalBroadcasting || stuck.Crypto.TxHash == "" {
		t.Fatalf("expected broadcasting with persisted hash, got %+v", stuck)
	}
	h.assertBalance(t, "ETH", "8", "2")

	resumed, err := h.svc.ResumeBroadcast(ctx, w.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != storage.WithdrawalConfirming || resumed.Crypto.TxHash != stuck.Crypto.TxHash {
		t.Fatalf("expected resume to send the same transaction, got %+v", resumed)
	}
}

func TestRejectedBroadcastFailsAndReleases(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "ETH", "10")
	w := h.verifiedCrypto(t, "2")

	h.chain.OnBroadcast(func(chain.Prepared) (bool, error) { return false, chain.Rejected("insufficient funds") })
	failed, err := h.svc.ApproveCrypto(context.Background(), w.ID, h.admin)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if failed.Status != storage.WithdrawalFailed || failed.FailureReason == "" {
		t.Fatalf("expected failed withdrawal, got %+v", failed)
	}
	h.assertBalance(t, "ETH", "10", "0")

	if _, err := h.svc.Poll(context.Background(), w.ID); err != nil {
		t.Fatalf("poll of failed withdrawal: %v", err)
	}
	h.assertBalance(t, "ETH", "10", "0")
}

func TestRevertedTransactionReleases(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "ETH", "10")
	ctx := context.Background()
	w := h.verifiedCrypto(t, "2")

	sent, err := h.svc.ApproveCrypto(ctx, w.ID, h.admin)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	h.chain.Revert(sent.Crypto.TxHash)
	failed, err := h.svc.Poll(ctx, w.ID)
	if err != nil || failed.Status != storage.WithdrawalFailed {
		t.Fatalf("expected failure after revert, got %+v %v", failed, err)
	}
	h.assertBalance(t, "ETH", "10", "0")
	if !h.sink.has(audit.CryptoWithdrawalFailed) {
		t.Fatalf("expected failure audit event")
	}
}

func TestListPending(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, "USDT", "100")
	h.fund(t, "ETH", "10")
	ctx := context.Background()
	if _, err := h.svc.RequestFiat(ctx, h.fiat("10")); err != nil {
		t.Fatalf("fiat: %v", err)
	}
	if _, err := h.svc.RequestCrypto(ctx, h.crypto("1")); err != nil {
		t.Fatalf("crypto: %v", err)
	}
	all, _ := h.svc.ListPending(ctx, "")
	fiat, _ := h.svc.ListPending(ctx, storage.KindFiat)
	if len(all) != 2 || len(fiat) != 1 || fiat[0].Kind != storage.KindFiat {
		t.Fatalf("unexpected pending lists: all=%d fiat=%d", len(all), len(fiat))
	}
}

func TestUserLocksAreBounded(t *testing.T) {
	h := newHarness(t, nil)
	if h.svc.userLock(h.user) != h.svc.userLock(h.user) {
		t.Fatal("one user must always map to the same lock")
	}
	seen := map[*sync.Mutex]struct{}{}
	for i := 0; i < 5000; i++ {
		seen[h.svc.userLock(uuid.New())] = struct{}{}
	}
	if len(seen) > userLockStripes {
		t.Fatalf("lock table grew past %d stripes: %d", userLockStripes, len(seen))
	}
	if len(seen) < userLockStripes/2 {
		t.Fatalf("users poorly spread over stripes: %d", len(seen))
	}
}

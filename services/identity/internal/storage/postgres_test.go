package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/services/testutil"
	"github.com/google/uuid"
)

const (
	walletA = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"
	walletB = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
)

func TestPostgresWalletLifecycle(t *testing.T) {
	store := New(testutil.IntegrationDB(t))
	ctx := context.Background()

	user, primary, err := store.CreateWalletUser(ctx, walletA, WalletMetaMask, 1)
	if err != nil {
		t.Fatalf("create wallet user: %v", err)
	}
	if user.HasPassword() || user.KYCLevel != 0 || !primary.IsPrimary {
		t.Fatalf("unexpected wallet user %+v wallet %+v", user, primary)
	}
	if primary.Address != "0x71c7656ec7ab88b098defb751b7401b5f6d8976f" {
		t.Fatalf("expected lower-cased address, got %s", primary.Address)
	}

	if _, _, err := store.CreateWalletUser(ctx, walletA, WalletMetaMask, 1); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for a registered wallet, got %v", err)
	}

	second, err := store.LinkWallet(ctx, user.ID, walletB, WalletWalletConnect, 11155111)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if second.IsPrimary {
		t.Fatalf("second wallet must not be primary")
	}
	if _, err := store.LinkWallet(ctx, testutil.DemoUserID, walletB, WalletMetaMask, 1); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict linking another user's wallet, got %v", err)
	}

	if err := store.UnlinkWallet(ctx, user.ID, walletA); err != nil {
		t.Fatalf("unlink primary: %v", err)
	}
	wallets, err := store.ListWallets(ctx, user.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(wallets) != 1 || wallets[0].ID != second.ID || !wallets[0].IsPrimary {
		t.Fatalf("expected the remaining wallet promoted to primary, got %+v", wallets)
	}
	if err := store.UnlinkWallet(ctx, user.ID, walletA); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for an unlinked wallet, got %v", err)
	}
}

func TestPostgresRefreshRotationDetectsReuse(t *testing.T) {
	store := New(testutil.IntegrationDB(t))
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	oldID, err := store.CreateRefreshToken(ctx, testutil.DemoUserID, "hash-1", expires, "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.RotateToken(ctx, oldID, testutil.DemoUserID, "hash-2", expires, "10.0.0.1", "test"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	_, err = store.RotateToken(ctx, oldID, testutil.DemoUserID, "hash-3", expires, "10.0.0.1", "test")
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected reuse to be rejected, got %v", err)
	}

	old, err := store.GetRefreshTokenByHash(ctx, "hash-1")
	if err != nil || old.RevokedAt == nil {
		t.Fatalf("expected the rotated token revoked, got %+v err=%v", old, err)
	}
	if _, err := store.GetRefreshTokenByHash(ctx, "hash-3"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("failed rotation must not leave a token behind, got %v", err)
	}
}

func TestPostgresAPIKeyResolveAndRevoke(t *testing.T) {
	store := New(testutil.IntegrationDB(t))
	ctx := context.Background()

	full, prefix, hash, err := apikey.Generate("test")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	key, err := store.CreateAPIKey(ctx, testutil.DemoUserID, prefix, hash, "bot",
		[]string{apikey.PermRead, apikey.PermWithdraw}, []string{"10.0.0.0/8"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err := store.ResolveAPIKey(ctx, prefix)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	userID, perms, err := apikey.VerifyAPIKey(full, rec, "10.1.2.3")
	if err != nil || userID != testutil.DemoUserID.String() || len(perms) != 2 {
		t.Fatalf("verify: user=%s perms=%v err=%v", userID, perms, err)
	}
	if _, _, err := apikey.VerifyAPIKey(full, rec, "192.168.1.1"); !errors.Is(err, apikey.ErrIPNotAllowed) {
		t.Fatalf("expected whitelist rejection, got %v", err)
	}

	if ok, err := store.RevokeAPIKey(ctx, uuid.New(), key.ID); err != nil || ok {
		t.Fatalf("another user must not revoke the key: ok=%v err=%v", ok, err)
	}
	if ok, err := store.RevokeAPIKey(ctx, testutil.DemoUserID, key.ID); err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}
	rec, err = store.ResolveAPIKey(ctx, prefix)
	if err != nil {
		t.Fatalf("resolve revoked: %v", err)
	}
	if _, _, err := apikey.VerifyAPIKey(full, rec, "10.1.2.3"); !errors.Is(err, apikey.ErrRevokedKey) {
		t.Fatalf("expected revoked key, got %v", err)
	}
}

func TestPostgresPasswordUserAndBackupCodes(t *testing.T) {
	store := New(testutil.IntegrationDB(t))
	ctx := context.Background()
	email := "register-" + uuid.NewString()[:8] + "@example.com"

	user, err := store.CreatePasswordUser(ctx, email, "hash-1", "Ada", "Lovelace")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !user.HasPassword() || user.FirstName != "Ada" || len(user.BackupCodes) != 0 {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := store.CreatePasswordUser(ctx, email, "hash-2", "", ""); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for a taken email, got %v", err)
	}

	if err := store.SetPassword(ctx, user.ID, "hash-3"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	secret := "JBSWY3DPEHPK3PXP"
	if err := store.SetMFA(ctx, user.ID, &secret, true); err != nil {
		t.Fatalf("enable mfa: %v", err)
	}
	if err := store.SetBackupCodes(ctx, user.ID, []string{"d1", "d2"}); err != nil {
		t.Fatalf("set codes: %v", err)
	}
	if ok, err := store.ConsumeBackupCode(ctx, user.ID, "d1"); err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.ConsumeBackupCode(ctx, user.ID, "d1"); ok {
		t.Fatalf("expected a used code to be rejected")
	}
	got, err := store.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PasswordHash != "hash-3" || len(got.BackupCodes) != 1 || got.BackupCodes[0] != "d2" {
		t.Fatalf("unexpected user after updates %+v", got)
	}

	if err := store.SetMFA(ctx, user.ID, nil, false); err != nil {
		t.Fatalf("disable mfa: %v", err)
	}
	if got, _ := store.GetUserByID(ctx, user.ID); len(got.BackupCodes) != 0 {
		t.Fatalf("expected disabling 2FA to discard backup codes")
	}
}

func TestPostgresAuditLogsNewestFirst(t *testing.T) {
	store := New(testutil.IntegrationDB(t))
	ctx := context.Background()
	user, err := store.CreatePasswordUser(ctx, "audit-"+uuid.NewString()[:8]+"@example.com", "hash", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, action := range []string{"user.register", "2fa.enable", "password.change"} {
		if err := store.InsertAudit(ctx, AuditLog{ActorID: user.ID, UserID: user.ID, ActorType: "user", Action: action, EntityType: "user", EntityID: &user.ID}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := store.InsertAudit(ctx, AuditLog{ActorID: testutil.DemoUserID, UserID: testutil.DemoUserID, ActorType: "user", Action: "other", EntityType: "user"}); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	logs, err := store.ListAuditLogs(ctx, user.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 || logs[0].Action != "password.change" || logs[1].Action != "2fa.enable" {
		t.Fatalf("expected the two newest entries, got %+v", logs)
	}
}

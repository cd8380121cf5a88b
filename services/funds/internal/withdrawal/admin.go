package withdrawal

import (
	"context"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/logging"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/audit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/google/uuid"
)

var pendingOnly = []storage.WithdrawalStatus{storage.WithdrawalPending}

// ApproveFiat records the bank transfer reference and debits the locked amount.
func (s *Service) ApproveFiat(ctx context.Context, id, adminID uuid.UUID, transferRef string) (*storage.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Kind != storage.KindFiat {
		return nil, apperr.Validation("withdrawal is not a fiat withdrawal")
	}
	transferRef = strings.TrimSpace(transferRef)
	if transferRef == "" {
		return nil, apperr.Validation("transfer reference is required")
	}
	return s.settleFiat(ctx, id, &adminID, transferRef)
}

func (s *Service) settleFiat(ctx context.Context, id uuid.UUID, adminID *uuid.UUID, transferRef string) (*storage.Withdrawal, error) {
	now := s.now()
	w, err := s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
		ID:   id,
		From: pendingOnly,
		To:   storage.WithdrawalCompleted,
		Op:   ledger.OpDebit,
		Mutate: func(w *storage.Withdrawal) {
			w.Fiat.TransferRef = transferRef
			w.ProcessedBy = adminID
			w.ProcessedAt = &now
		},
		Now: now,
	})
	if err != nil {
		s.logDefectByID(ctx, id, err)
		return nil, err
	}
	actorType := audit.ActorAdmin
	if adminID == nil {
		actorType = audit.ActorSystem
	}
	s.record(ctx, w, actorType, adminID, audit.FiatWithdrawalCompleted, map[string]string{
		"transfer_ref": transferRef,
		"debited":      w.LockedAmount.String(),
	})
	s.count(w, "completed")
	logging.FromContext(ctx, s.logger).Info("fiat withdrawal completed", "withdrawal_id", w.ID, "user_id", w.UserID)
	return w, nil
}

// Reject cancels a pending request of either kind and releases its lock.
func (s *Service) Reject(ctx context.Context, id, adminID uuid.UUID, reason string) (*storage.Withdrawal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Rejected by admin"
	}
	now := s.now()
	w, err := s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
		ID:   id,
		From: pendingOnly,
		To:   storage.WithdrawalCancelled,
		Op:   ledger.OpRelease,
		Mutate: func(w *storage.Withdrawal) {
			w.FailureReason = reason
			w.ProcessedBy = &adminID
			w.ProcessedAt = &now
		},
		Now: now,
	})
	if err != nil {
		s.logDefectByID(ctx, id, err)
		return nil, err
	}
	s.record(ctx, w, audit.ActorAdmin, &adminID, cancelledAction(w), map[string]string{"reason": reason})
	s.count(w, "rejected")
	return w, nil
}

// Cancel lets the owner withdraw a request that no admin has acted on yet.
func (s *Service) Cancel(ctx context.Context, id, userID uuid.UUID) (*storage.Withdrawal, error) {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	w, err := s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
		ID:   id,
		From: pendingOnly,
		To:   storage.WithdrawalCancelled,
		Op:   ledger.OpRelease,
		Mutate: func(w *storage.Withdrawal) {
			w.FailureReason = "Cancelled by user"
		},
		Now: s.now(),
	})
	if err != nil {
		s.logDefectByID(ctx, id, err)
		return nil, err
	}
	s.record(ctx, w, audit.ActorUser, &userID, cancelledAction(w), nil)
	s.count(w, "cancelled")
	return w, nil
}

// VerifyTwoFactor marks a pending crypto withdrawal as confirmed by its owner's TOTP code.
func (s *Service) VerifyTwoFactor(ctx context.Context, id, userID uuid.UUID, code string) (*storage.Withdrawal, error) {
	w, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if w.Kind != storage.KindCrypto {
		return nil, apperr.Validation("two-factor verification applies to crypto withdrawals")
	}
	if w.Status != storage.WithdrawalPending {
		return nil, apperr.AlreadyProcessed("withdrawal is " + string(w.Status))
	}
	if w.Crypto.TwoFactorVerified {
		return w, nil
	}
	ok, err := s.twoFactor.Verify(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Validation("invalid two-factor code")
	}
	w, err = s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
		ID:     id,
		From:   pendingOnly,
		To:     storage.WithdrawalPending,
		Mutate: func(w *storage.Withdrawal) { w.Crypto.TwoFactorVerified = true },
		Now:    s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, w, audit.ActorUser, &userID, audit.CryptoWithdrawal2FAVerified, nil)
	s.count(w, "2fa_verified")
	return w, nil
}

func cancelledAction(w *storage.Withdrawal) string {
	if w.Kind == storage.KindCrypto {
		return audit.CryptoWithdrawalCancelled
	}
	return audit.FiatWithdrawalCancelled
}

func (s *Service) logDefectByID(ctx context.Context, id uuid.UUID, err error) {
	if apperr.IsKind(err, apperr.KindInvalidState) {
		logging.FromContext(ctx, s.logger).Error("withdrawal ledger invariant violated", "withdrawal_id", id, "error", err)
	}
}

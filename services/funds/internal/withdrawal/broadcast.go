package withdrawal

import (
	"context"
	"errors"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/logging"
	"github.com/Vinayak0723/cryptoexchange/libs/trace"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/audit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/chain"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/retry"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var failable = []storage.WithdrawalStatus{
	storage.WithdrawalProcessing,
	storage.WithdrawalBroadcasting,
	storage.WithdrawalConfirming,
}

// ApproveCrypto moves a verified request to processing and sends it. The returned record
// reflects how far the send got; an ExternalServiceFailure means the outcome is not known yet
// and the poller will resume it.
func (s *Service) ApproveCrypto(ctx context.Context, id, adminID uuid.UUID) (*storage.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Kind != storage.KindCrypto {
		return nil, apperr.Validation("withdrawal is not a crypto withdrawal")
	}
	if w.Status != storage.WithdrawalPending {
		return nil, apperr.AlreadyProcessed("withdrawal is " + string(w.Status))
	}
	if w.Crypto.Requires2FA && !w.Crypto.TwoFactorVerified {
		return nil, apperr.Validation("two-factor verification is required before broadcast")
	}

	now := s.now()
	w, err = s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
		ID:   id,
		From: pendingOnly,
		To:   storage.WithdrawalProcessing,
		Mutate: func(w *storage.Withdrawal) {
			w.ProcessedBy = &adminID
			w.ProcessedAt = &now
		},
		Now: now,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, w, audit.ActorAdmin, &adminID, audit.CryptoWithdrawalApproved, nil)
	s.count(w, "approved")
	return s.dispatch(ctx, w)
}

// ResumeBroadcast continues a request left in processing or broadcasting.
func (s *Service) ResumeBroadcast(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, w)
}

// Poll advances a crypto withdrawal by one observation of the chain.
func (s *Service) Poll(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case storage.WithdrawalProcessing, storage.WithdrawalBroadcasting:
		return s.dispatch(ctx, w)
	case storage.WithdrawalConfirming:
		return s.confirm(ctx, w)
	default:
		return w, nil
	}
}

// dispatch signs and sends one withdrawal. Only one dispatch per request runs at a time in
// this process; a concurrent caller gets the current record back.
func (s *Service) dispatch(ctx context.Context, w *storage.Withdrawal) (*storage.Withdrawal, error) {
	if w.Kind != storage.KindCrypto {
		return w, nil
	}
	if _, busy := s.inflight.LoadOrStore(w.ID, struct{}{}); busy {
		return w, nil
	}
	defer s.inflight.Delete(w.ID)

	if w.Status == storage.WithdrawalProcessing {
		prepared, err := s.prepare(ctx, w)
		if err != nil {
			if apperr.IsRetryable(err) {
				return w, err
			}
			return s.fail(ctx, w, "could not sign transaction: "+apperr.PublicMessage(err))
		}
		w, err = s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
			ID:   w.ID,
			From: []storage.WithdrawalStatus{storage.WithdrawalProcessing},
			To:   storage.WithdrawalBroadcasting,
			Mutate: func(w *storage.Withdrawal) {
				w.Crypto.TxHash = prepared.TxHash
				w.Crypto.SignedTx = prepared.Raw
			},
			Now: s.now(),
		})
		if err != nil {
			return nil, err
		}
	}
	if w.Status != storage.WithdrawalBroadcasting {
		return w, nil
	}
	return s.send(ctx, w)
}

func (s *Service) prepare(ctx context.Context, w *storage.Withdrawal) (chain.Prepared, error) {
	ctx, span := trace.StartSpan(ctx, "chain.prepare", attribute.String("withdrawal_id", w.ID.String()))
	p, err := retry.Do(ctx, "chain.prepare", s.cfg.Policy, s.metrics, func(ctx context.Context) (chain.Prepared, error) {
		return s.chain.PrepareTransfer(ctx, chain.Transfer{
			Ref:      w.ID,
			Chain:    w.Crypto.Chain,
			Currency: w.Currency,
			To:       w.Crypto.ToAddress,
			Amount:   w.NetAmount,
		})
	})
	trace.End(span, err)
	return p, err
}

// send broadcasts the persisted signed transaction. A send error is only treated as failure
// when the chain rejected it and the hash is still unknown on chain.
func (s *Service) send(ctx context.Context, w *storage.Withdrawal) (*storage.Withdrawal, error) {
	log := logging.FromContext(ctx, s.logger)
	prepared := chain.Prepared{Chain: w.Crypto.Chain, TxHash: w.Crypto.TxHash, Raw: w.Crypto.SignedTx}

	spanCtx, span := trace.StartSpan(ctx, "chain.broadcast", attribute.String("tx_hash", prepared.TxHash))
	_, sendErr := retry.Do(spanCtx, "chain.broadcast", s.cfg.Policy, s.metrics, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.chain.Broadcast(ctx, prepared)
	})
	trace.End(span, sendErr)
	if sendErr == nil {
		return s.markSent(ctx, w, 0)
	}

	st, lookupErr := s.lookup(ctx, w)
	switch {
	case lookupErr == nil && st.Found:
		log.Warn("broadcast error but transaction is on chain", "withdrawal_id", w.ID, "tx_hash", prepared.TxHash, "error", sendErr)
		return s.markSent(ctx, w, st.Confirmations)
	case lookupErr == nil && errors.Is(sendErr, chain.ErrRejected):
		return s.fail(ctx, w, "broadcast rejected: "+causeMessage(sendErr))
	}
	log.Warn("broadcast outcome unknown, leaving withdrawal in broadcasting", "withdrawal_id", w.ID, "tx_hash", prepared.TxHash, "send_error", sendErr, "lookup_error", lookupErr)
	return w, apperr.External("chain broadcast", sendErr)
}

func (s *Service) lookup(ctx context.Context, w *storage.Withdrawal) (chain.TxStatus, error) {
	ctx, span := trace.StartSpan(ctx, "chain.lookup", attribute.String("tx_hash", w.Crypto.TxHash))
	st, err := retry.Do(ctx, "chain.lookup", s.cfg.Policy, s.metrics, func(ctx context.Context) (chain.TxStatus, error) {
		return s.chain.Lookup(ctx, w.Crypto.Chain, w.Crypto.TxHash)
	})
	trace.End(span, err)
	return st, err
}

func (s *Service) markSent(ctx context.Context, w *storage.Withdrawal, confirmations int) (*storage.Withdrawal, error) {
	now := s.now()
	sent, err := s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
		ID:   w.ID,
		From: []storage.WithdrawalStatus{storage.WithdrawalBroadcasting},
		To:   storage.WithdrawalConfirming,
		Mutate: func(w *storage.Withdrawal) {
			w.Crypto.BroadcastAt = &now
			w.Crypto.Confirmations = confirmations
		},
		Now: now,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, sent, audit.ActorSystem, nil, audit.CryptoWithdrawalBroadcast, map[string]string{"tx_hash": sent.Crypto.TxHash})
	s.count(sent, "broadcast")
	logging.FromContext(ctx, s.logger).Info("crypto withdrawal broadcast", "withdrawal_id", sent.ID, "tx_hash", sent.Crypto.TxHash)
	return sent, nil
}

func (s *Service) confirm(ctx context.Context, w *storage.Withdrawal) (*storage.Withdrawal, error) {
	st, err := s.lookup(ctx, w)
	if err != nil {
		return w, err
	}
	if !st.Found {
		// Dropped from the pool; the signed transaction is still valid, so offer it again.
		if err := s.chain.Broadcast(ctx, chain.Prepared{Chain: w.Crypto.Chain, TxHash: w.Crypto.TxHash, Raw: w.Crypto.SignedTx}); err != nil {
			logging.FromContext(ctx, s.logger).Warn("rebroadcast failed", "withdrawal_id", w.ID, "error", err)
		}
		return w, nil
	}
	if st.Reverted {
		return s.fail(ctx, w, "transaction reverted on chain")
	}
	required := w.Crypto.RequiredConfirmations
	if st.Confirmations >= required {
		now := s.now()
		done, err := s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
			ID:     w.ID,
			From:   []storage.WithdrawalStatus{storage.WithdrawalConfirming},
			To:     storage.WithdrawalCompleted,
			Op:     ledger.OpDebit,
			Mutate: func(w *storage.Withdrawal) { w.Crypto.Confirmations = st.Confirmations },
			Now:    now,
		})
		if err != nil {
			s.logDefectByID(ctx, w.ID, err)
			return nil, err
		}
		s.record(ctx, done, audit.ActorSystem, nil, audit.CryptoWithdrawalCompleted, map[string]string{"tx_hash": done.Crypto.TxHash})
		s.count(done, "completed")
		return done, nil
	}
	if st.Confirmations == w.Crypto.Confirmations {
		return w, nil
	}
	return s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
		ID:     w.ID,
		From:   []storage.WithdrawalStatus{storage.WithdrawalConfirming},
		To:     storage.WithdrawalConfirming,
		Mutate: func(w *storage.Withdrawal) { w.Crypto.Confirmations = st.Confirmations },
		Now:    s.now(),
	})
}

// fail releases the lock of a withdrawal that is known not to have moved funds on chain.
func (s *Service) fail(ctx context.Context, w *storage.Withdrawal, reason string) (*storage.Withdrawal, error) {
	failed, err := s.store.TransitionWithdrawal(ctx, storage.WithdrawalTransition{
		ID:     w.ID,
		From:   failable,
		To:     storage.WithdrawalFailed,
		Op:     ledger.OpRelease,
		Mutate: func(w *storage.Withdrawal) { w.FailureReason = reason },
		Now:    s.now(),
	})
	if err != nil {
		s.logDefectByID(ctx, w.ID, err)
		return nil, err
	}
	s.record(ctx, failed, audit.ActorSystem, nil, audit.CryptoWithdrawalFailed, map[string]string{"reason": reason})
	s.count(failed, "failed")
	logging.FromContext(ctx, s.logger).Warn("crypto withdrawal failed", "withdrawal_id", failed.ID, "reason", reason)
	return failed, nil
}

func causeMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

package deposit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/logging"
	"github.com/Vinayak0723/cryptoexchange/libs/trace"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/audit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/gateway"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/retry"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FiatOrder is what the client needs to open the gateway checkout.
type FiatOrder struct {
	Deposit *storage.Deposit `json:"deposit"`
	Order   gateway.Order    `json:"order"`
}

// VerifyResult reports a completed deposit. Replayed is set when an earlier call or webhook
// had already completed it, in which case nothing was credited this time.
type VerifyResult struct {
	Deposit  *storage.Deposit `json:"deposit"`
	Replayed bool             `json:"replayed"`
}

type WebhookResult struct {
	Event   string           `json:"event"`
	Deposit *storage.Deposit `json:"deposit,omitempty"`
	Ignored bool             `json:"ignored"`
}

// CreateFiat opens a gateway order and records a pending deposit keyed by the order id. The
// conversion rate is frozen here and used when the deposit is credited.
func (s *Service) CreateFiat(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*FiatOrder, error) {
	if err := s.enabled(); err != nil {
		return nil, err
	}
	currency = upper(currency)
	if currency == "" {
		currency = s.cfg.FiatCurrency
	}
	if currency != s.cfg.FiatCurrency {
		return nil, apperr.Validationf("fiat deposits are accepted in %s only", s.cfg.FiatCurrency)
	}
	if !amount.IsPositive() || amount.Exponent() < -2 {
		return nil, apperr.Validation("amount must be positive with at most 2 decimal places")
	}
	if amount.LessThan(s.cfg.MinFiatAmount) {
		return nil, apperr.Validationf("minimum deposit is %s %s", s.cfg.MinFiatAmount, currency)
	}

	limits, err := s.kyc.Limits(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !limits.CanDepositFiat {
		return nil, apperr.KYCRestricted("your KYC level does not allow fiat deposits")
	}

	rate, err := s.rates.Quote(ctx, s.cfg.CreditCurrency, currency)
	if err != nil {
		return nil, err
	}
	if !rate.IsPositive() {
		return nil, apperr.External("rate quote", apperr.Validation("non-positive rate"))
	}
	fee := amount.Mul(s.cfg.FeePercent).Round(2)
	credited := amount.Sub(fee).DivRound(rate, 8)
	if !credited.IsPositive() {
		return nil, apperr.Validation("amount is too small")
	}
	limitRate, err := s.rates.Quote(ctx, s.cfg.CreditCurrency, s.cfg.LimitCurrency)
	if err != nil {
		return nil, err
	}
	limitValue := credited.Mul(limitRate).Round(2)

	now := s.now()
	if limits.DailyDepositLimit.IsPositive() {
		used, err := s.store.DepositUsage(ctx, userID, storage.KindFiat, now.Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		if used.Add(limitValue).GreaterThan(limits.DailyDepositLimit) {
			return nil, apperr.KYCRestricted("daily deposit limit exceeded")
		}
	}

	id := uuid.New()
	spanCtx, span := trace.StartSpan(ctx, "gateway.create_order")
	order, err := retry.Do(spanCtx, "gateway.create_order", s.cfg.Policy, s.metrics, func(ctx context.Context) (gateway.Order, error) {
		return s.gateway.CreateOrder(ctx, amount, currency, id.String())
	})
	trace.End(span, err)
	if err != nil {
		return nil, err
	}

	d := &storage.Deposit{
		ID:             id,
		UserID:         userID,
		Kind:           storage.KindFiat,
		Status:         storage.DepositPending,
		Currency:       currency,
		Amount:         amount,
		Fee:            fee,
		CreditCurrency: s.cfg.CreditCurrency,
		CreditedAmount: credited,
		Rate:           rate,
		LimitValue:     limitValue,
		ExternalRef:    order.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateDeposit(ctx, d); err != nil {
		return nil, err
	}
	s.record(ctx, d, audit.ActorUser, &userID, audit.FiatDepositCreated, map[string]string{
		"order_id": order.ID,
		"amount":   amount.String(),
		"rate":     rate.String(),
	})
	s.count(d, "created")
	return &FiatOrder{Deposit: d, Order: order}, nil
}

// VerifyFiat completes a deposit from the client-side checkout callback.
func (s *Service) VerifyFiat(ctx context.Context, userID uuid.UUID, orderID, paymentID, signature string) (*VerifyResult, error) {
	orderID = strings.TrimSpace(orderID)
	paymentID = strings.TrimSpace(paymentID)
	if orderID == "" || paymentID == "" || strings.TrimSpace(signature) == "" {
		return nil, apperr.Validation("order id, payment id and signature are required")
	}
	d, err := s.store.GetDepositByRef(ctx, storage.KindFiat, orderID)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, storage.ErrDepositNotFound
	}

	if !s.gateway.VerifyPaymentSignature(orderID, paymentID, signature) {
		if d.Status == storage.DepositPending {
			s.failFiat(ctx, d, "payment signature verification failed", &userID)
		}
		return nil, apperr.Validation("invalid payment signature")
	}
	if d.Status == storage.DepositCompleted {
		return &VerifyResult{Deposit: d, Replayed: true}, nil
	}
	return s.completeFiat(ctx, d, paymentID, audit.ActorUser, &userID, []storage.DepositStatus{storage.DepositPending})
}

// HandleWebhook applies a signed gateway event. Events for unknown orders or deposits that
// are already settled are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, apperr.Validation("missing webhook signature")
	}
	if !s.gateway.VerifyWebhookSignature(payload, signature) {
		return nil, apperr.Validation("invalid webhook signature")
	}
	ev, err := gateway.ParseEvent(payload)
	if err != nil {
		return nil, err
	}
	result := &WebhookResult{Event: ev.Event}
	payment := ev.Payload.Payment.Entity
	if payment.OrderID == "" {
		result.Ignored = true
		return result, nil
	}
	d, err := s.store.GetDepositByRef(ctx, storage.KindFiat, payment.OrderID)
	if err != nil {
		if errors.Is(err, storage.ErrDepositNotFound) {
			logging.FromContext(ctx, s.logger).Warn("webhook for unknown order", "event", ev.Event, "order_id", payment.OrderID)
			result.Ignored = true
			return result, nil
		}
		return nil, err
	}

	switch ev.Event {
	case gateway.EventPaymentCaptured:
		if d.Status == storage.DepositFailed {
			// failed is terminal; the capture is left for operator reconciliation
			s.record(ctx, d, audit.ActorSystem, nil, audit.FiatDepositCaptureIgnored, map[string]string{
				"payment_id": payment.ID,
				"reason":     d.FailureReason,
			})
			logging.FromContext(ctx, s.logger).Warn("capture for failed deposit ignored", "deposit_id", d.ID, "payment_id", payment.ID)
			result.Deposit, result.Ignored = d, true
			return result, nil
		}
		res, err := s.completeFiat(ctx, d, payment.ID, audit.ActorSystem, nil, []storage.DepositStatus{storage.DepositPending})
		if err != nil {
			if errors.Is(err, apperr.ErrAlreadyProcessed) {
				result.Deposit, result.Ignored = d, true
				return result, nil
			}
			return nil, err
		}
		result.Deposit, result.Ignored = res.Deposit, res.Replayed
	case gateway.EventPaymentFailed:
		if d.Status != storage.DepositPending {
			result.Deposit, result.Ignored = d, true
			return result, nil
		}
		reason := payment.ErrorDescription
		if reason == "" {
			reason = "Payment failed"
		}
		result.Deposit = s.failFiat(ctx, d, reason, nil)
		result.Ignored = result.Deposit == d
	case gateway.EventRefundProcessed:
		refunded, err := s.store.TransitionDeposit(ctx, storage.DepositTransition{
			ID:     d.ID,
			From:   []storage.DepositStatus{storage.DepositPending},
			To:     storage.DepositRefunded,
			Mutate: func(d *storage.Deposit) { d.PaymentRef = payment.ID },
			Now:    s.now(),
		})
		if err != nil {
			if errors.Is(err, apperr.ErrAlreadyProcessed) {
				result.Deposit, result.Ignored = d, true
				return result, nil
			}
			return nil, err
		}
		s.record(ctx, refunded, audit.ActorSystem, nil, audit.FiatDepositRefunded, map[string]string{"refund_id": ev.Payload.Refund.Entity.ID})
		s.count(refunded, "refunded")
		result.Deposit = refunded
	default:
		result.Deposit, result.Ignored = d, true
	}
	return result, nil
}

func (s *Service) completeFiat(ctx context.Context, d *storage.Deposit, paymentID, actorType string, actor *uuid.UUID, from []storage.DepositStatus) (*VerifyResult, error) {
	now := s.now()
	done, err := s.store.TransitionDeposit(ctx, storage.DepositTransition{
		ID:   d.ID,
		From: from,
		To:   storage.DepositCompleted,
		Op:   ledger.OpCredit,
		Mutate: func(d *storage.Deposit) {
			d.PaymentRef = paymentID
			d.FailureReason = ""
			d.CompletedAt = &now
		},
		Now: now,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyProcessed) {
			current, getErr := s.store.GetDeposit(ctx, d.ID)
			if getErr == nil && current.Status == storage.DepositCompleted {
				return &VerifyResult{Deposit: current, Replayed: true}, nil
			}
		}
		return nil, err
	}
	s.record(ctx, done, actorType, actor, audit.FiatDepositCompleted, map[string]string{
		"payment_id": paymentID,
		"credited":   done.CreditedAmount.String(),
	})
	s.count(done, "completed")
	logging.FromContext(ctx, s.logger).Info("fiat deposit completed", "deposit_id", done.ID, "user_id", done.UserID)
	return &VerifyResult{Deposit: done}, nil
}

// failFiat marks a pending deposit failed. It returns d unchanged when the deposit has moved on.
func (s *Service) failFiat(ctx context.Context, d *storage.Deposit, reason string, actor *uuid.UUID) *storage.Deposit {
	failed, err := s.store.TransitionDeposit(ctx, storage.DepositTransition{
		ID:     d.ID,
		From:   []storage.DepositStatus{storage.DepositPending},
		To:     storage.DepositFailed,
		Mutate: func(d *storage.Deposit) { d.FailureReason = reason },
		Now:    s.now(),
	})
	if err != nil {
		if !errors.Is(err, apperr.ErrAlreadyProcessed) {
			logging.FromContext(ctx, s.logger).Error("mark deposit failed", "deposit_id", d.ID, "error", err)
		}
		return d
	}
	actorType := audit.ActorSystem
	if actor != nil {
		actorType = audit.ActorUser
	}
	s.record(ctx, failed, actorType, actor, audit.FiatDepositFailed, map[string]string{"reason": reason})
	s.count(failed, "failed")
	return failed
}

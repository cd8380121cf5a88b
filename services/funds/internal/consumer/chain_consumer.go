package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/kafka"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/chain"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/deposit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/shopspring/decimal"
)

const depositsObservedEventType = "deposits.observed"

// DepositObservedEvent is published by chain indexers when a watched transaction gains
// confirmations.
type DepositObservedEvent struct {
	kafka.Envelope
	TxHash        string `json:"tx_hash"`
	Chain         string `json:"chain"`
	Confirmations int    `json:"confirmations"`
	Reverted      bool   `json:"reverted"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Amount        string `json:"amount,omitempty"`
}

type ObservationApplier interface {
	ApplyObservation(ctx context.Context, obs deposit.Observation) (*storage.Deposit, error)
}

type EventDeduper interface {
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
}

type Metrics interface {
	IncObservation(status string)
}

type ChainConsumer struct {
	deposits ObservationApplier
	events   EventDeduper
	metrics  Metrics
	logger   *slog.Logger
}

func NewChainConsumer(deposits ObservationApplier, events EventDeduper, metrics Metrics, logger *slog.Logger) *ChainConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainConsumer{
		deposits: deposits,
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
}

func (c *ChainConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.Permanent(fmt.Errorf("empty kafka message"), "empty")
	}
	var event DepositObservedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.count("malformed")
		return kafka.Permanent(fmt.Errorf("decode deposits.observed: %w", err), "decode")
	}
	obs, err := event.Observation()
	if err != nil {
		c.count("invalid")
		return kafka.Permanent(err, "validation")
	}

	// Applying is idempotent, so events are marked only after they succeed and a redelivery
	// simply re-applies.
	_, err = c.deposits.ApplyObservation(ctx, obs)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDepositNotFound):
		c.logger.Debug("observation for unknown deposit", "tx_hash", obs.TxHash, "event_id", event.EventID)
		c.count("unknown")
		return nil
	case apperr.IsRetryable(err):
		c.count("retry")
		return err
	case apperr.KindOf(err) == apperr.KindInternal:
		c.count("error")
		return err
	default:
		c.count("rejected")
		return kafka.Permanent(err, string(apperr.KindOf(err)))
	}

	if c.events != nil {
		fresh, err := c.events.MarkEventProcessed(ctx, event.EventID)
		if err != nil {
			c.logger.Warn("mark observation processed", "event_id", event.EventID, "error", err)
		} else if !fresh {
			c.count("duplicate")
			return nil
		}
	}
	c.count("applied")
	return nil
}

func (c *ChainConsumer) count(status string) {
	if c.metrics != nil {
		c.metrics.IncObservation(status)
	}
}

func (e *DepositObservedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != depositsObservedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if !chain.ValidTxHash(strings.ToLower(strings.TrimSpace(e.TxHash))) {
		return fmt.Errorf("tx_hash is invalid")
	}
	if e.Confirmations < 0 {
		return fmt.Errorf("confirmations must not be negative")
	}
	return nil
}

func (e *DepositObservedEvent) Observation() (deposit.Observation, error) {
	if err := e.Validate(); err != nil {
		return deposit.Observation{}, err
	}
	obs := deposit.Observation{
		TxHash:        strings.ToLower(strings.TrimSpace(e.TxHash)),
		Chain:         chain.NormalizeName(e.Chain),
		Found:         true,
		Confirmations: e.Confirmations,
		Reverted:      e.Reverted,
		From:          e.From,
		To:            e.To,
		Currency:      e.Currency,
	}
	if amount := strings.TrimSpace(e.Amount); amount != "" {
		v, err := decimal.NewFromString(amount)
		if err != nil || v.IsNegative() {
			return deposit.Observation{}, fmt.Errorf("amount must be a non-negative decimal")
		}
		obs.Amount = v
	}
	return obs, nil
}

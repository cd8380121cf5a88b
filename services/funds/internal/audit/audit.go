// Package audit records fund-movement actions. Recording is fire-and-forget: a failing sink is
// logged and never fails the workflow that produced the event.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/kafka"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

const (
	FiatDepositCreated   = "fiat_deposit_created"
	FiatDepositCompleted = "fiat_deposit_completed"
	FiatDepositFailed    = "fiat_deposit_failed"
	FiatDepositRefunded  = "fiat_deposit_refunded"
	// a gateway capture that arrived after the deposit had already failed
	FiatDepositCaptureIgnored = "fiat_deposit_capture_ignored"

	FiatWithdrawalRequested = "fiat_withdrawal_requested"
	FiatWithdrawalCompleted = "fiat_withdrawal_completed"
	FiatWithdrawalCancelled = "fiat_withdrawal_cancelled"

	CryptoDepositDetected   = "crypto_deposit_detected"
	CryptoDepositConfirming = "crypto_deposit_confirming"
	CryptoDepositCredited   = "crypto_deposit_credited"
	CryptoDepositFailed     = "crypto_deposit_failed"

	CryptoWithdrawalRequested   = "crypto_withdrawal_requested"
	CryptoWithdrawal2FAVerified = "crypto_withdrawal_2fa_verified"
	CryptoWithdrawalApproved    = "crypto_withdrawal_approved"
	CryptoWithdrawalBroadcast   = "crypto_withdrawal_broadcast"
	CryptoWithdrawalCompleted   = "crypto_withdrawal_completed"
	CryptoWithdrawalFailed      = "crypto_withdrawal_failed"
	CryptoWithdrawalCancelled   = "crypto_withdrawal_cancelled"
)

const (
	ActorUser   = "user"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

type Event struct {
	ActorID *uuid.UUID `json:"actor_id,omitempty"`
	// UserID is the account the event concerns, so a user's history can be listed.
	UserID     uuid.UUID         `json:"user_id"`
	ActorType  string            `json:"actor_type"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   uuid.UUID         `json:"entity_id"`
	Details    map[string]string `json:"details,omitempty"`
	At         time.Time         `json:"at"`
}

type Sink interface {
	Record(ctx context.Context, e Event)
}

var policy = bluemonday.StrictPolicy()

// sanitize strips markup from free text such as admin notes, gateway failure reasons and
// bank details before they are persisted or published.
func sanitize(e Event) Event {
	if len(e.Details) == 0 {
		return e
	}
	clean := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		clean[k] = policy.Sanitize(v)
	}
	e.Details = clean
	return e
}

func prepare(e Event) Event {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return sanitize(e)
}

// AuditWriter is the storage surface PostgresSink needs.
type AuditWriter interface {
	InsertAudit(ctx context.Context, log storage.AuditLog) error
}

type PostgresSink struct {
	store  AuditWriter
	logger *slog.Logger
}

func NewPostgresSink(store AuditWriter, logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSink{store: store, logger: logger}
}

func (s *PostgresSink) Record(ctx context.Context, e Event) {
	e = prepare(e)
	entityID := e.EntityID
	err := s.store.InsertAudit(ctx, storage.AuditLog{
		ActorID:    e.ActorID,
		UserID:     e.UserID,
		ActorType:  e.ActorType,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   &entityID,
		Details:    e.Details,
		CreatedAt:  e.At,
	})
	if err != nil {
		s.logger.Error("audit log failed", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}

type kafkaEvent struct {
	kafka.Envelope
	Event
}

type KafkaSink struct {
	publisher kafka.Publisher
	topic     string
	logger    *slog.Logger
}

func NewKafkaSink(publisher kafka.Publisher, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{publisher: publisher, topic: topic, logger: logger}
}

// Record publishes with an id derived from the action and entity so a replayed transition
// dedupes downstream.
func (s *KafkaSink) Record(ctx context.Context, e Event) {
	e = prepare(e)
	env, err := kafka.NewEnvelope("funds."+e.Action, 1,
		kafka.WithEventID(kafka.DeterministicEventID("funds", e.Action, e.EntityID.String())),
		kafka.WithSource("funds"),
		kafka.WithCorrelationID(e.EntityID.String()),
		kafka.WithTimestamp(e.At))
	if err != nil {
		s.logger.Error("audit envelope failed", "action", e.Action, "error", err)
		return
	}
	if _, _, err := s.publisher.PublishJSON(ctx, s.topic, e.EntityID.String(), kafkaEvent{Envelope: env, Event: e}); err != nil {
		s.logger.Error("audit publish failed", "action", e.Action, "topic", s.topic, "error", err)
	}
}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e Event) {
	e = prepare(e)
	s.logger.Info("audit", "action", e.Action, "entity_type", e.EntityType, "entity_id", e.EntityID, "actor_type", e.ActorType)
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// AsyncSink decouples callers from slow sinks with a buffered queue drained by one worker.
// A full queue drops the event with a warning.
type AsyncSink struct {
	next    Sink
	queue   chan Event
	done    chan struct{}
	logger  *slog.Logger
	timeout time.Duration
}

func NewAsyncSink(next Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncSink{
		next:    next,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (s *AsyncSink) Record(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("audit queue full, dropping event", "action", e.Action, "entity_id", e.EntityID)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (s *AsyncSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case e := <-s.queue:
			s.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-s.queue:
					s.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned or ctx expires.
func (s *AsyncSink) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.next.Record(ctx, e)
}

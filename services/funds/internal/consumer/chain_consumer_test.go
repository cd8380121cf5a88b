package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/Vinayak0723/cryptoexchange/libs/kafka"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/deposit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
)

type fakeApplier struct {
	mu    sync.Mutex
	err   error
	calls []deposit.Observation
}

func (f *fakeApplier) ApplyObservation(_ context.Context, obs deposit.Observation) (*storage.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, obs)
	if f.err != nil {
		return nil, f.err
	}
	return &storage.Deposit{ExternalRef: obs.TxHash, Confirmations: obs.Confirmations}, nil
}

type fakeMetrics struct {
	statuses []string
}

func (f *fakeMetrics) IncObservation(status string) {
	f.statuses = append(f.statuses, status)
}

func (f *fakeMetrics) last() string {
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

var hash = "0x" + strings.Repeat("ab", 32)

func message(t *testing.T, mutate func(e *DepositObservedEvent)) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(depositsObservedEventType, 1, kafka.WithEventID("evt-1"))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	event := DepositObservedEvent{
		Envelope:      env,
		TxHash:        "0x" + strings.ToUpper(hash[2:]),
		Chain:         "Ethereum",
		Confirmations: 4,
		Amount:        "0.25",
	}
	if mutate != nil {
		mutate(&event)
	}
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: depositsObservedEventType, Value: raw, Timestamp: time.Now()}
}

func TestChainConsumerAppliesObservation(t *testing.T) {
	applier := &fakeApplier{}
	metrics := &fakeMetrics{}
	events := storage.NewMemoryStore()
	c := NewChainConsumer(applier, events, metrics, nil)

	if err := c.HandleMessage(context.Background(), message(t, nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(applier.calls) != 1 {
		t.Fatalf("expected one apply, got %d", len(applier.calls))
	}
	obs := applier.calls[0]
	if obs.TxHash != hash || obs.Chain != "ethereum" || obs.Confirmations != 4 || obs.Amount.String() != "0.25" || !obs.Found {
		t.Fatalf("unexpected observation %+v", obs)
	}
	if metrics.last() != "applied" {
		t.Fatalf("expected applied, got %v", metrics.statuses)
	}

	if err := c.HandleMessage(context.Background(), message(t, nil)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if metrics.last() != "duplicate" {
		t.Fatalf("expected duplicate, got %v", metrics.statuses)
	}
}

func TestChainConsumerDLQsMalformed(t *testing.T) {
	c := NewChainConsumer(&fakeApplier{}, nil, nil, nil)
	cases := map[string]*sarama.ConsumerMessage{
		"empty":  {Value: nil},
		"decode": {Value: []byte("{not json")},
		"hash":   message(t, func(e *DepositObservedEvent) { e.TxHash = "0x12" }),
		"type":   message(t, func(e *DepositObservedEvent) { e.EventType = "trades.executed" }),
		"amount": message(t, func(e *DepositObservedEvent) { e.Amount = "lots" }),
	}
	for name, msg := range cases {
		err := c.HandleMessage(context.Background(), msg)
		var perm *kafka.PermanentError
		if !errors.As(err, &perm) {
			t.Fatalf("%s: expected permanent error, got %v", name, err)
		}
	}
}

func TestChainConsumerErrorRouting(t *testing.T) {
	ctx := context.Background()

	unknown := NewChainConsumer(&fakeApplier{err: storage.ErrDepositNotFound}, nil, nil, nil)
	if err := unknown.HandleMessage(ctx, message(t, nil)); err != nil {
		t.Fatalf("unknown deposits should be acknowledged, got %v", err)
	}

	retry := NewChainConsumer(&fakeApplier{err: apperr.External("chain lookup", context.DeadlineExceeded)}, nil, nil, nil)
	err := retry.HandleMessage(ctx, message(t, nil))
	var perm *kafka.PermanentError
	if err == nil || errors.As(err, &perm) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	rejected := NewChainConsumer(&fakeApplier{err: apperr.Validation("bad")}, nil, nil, nil)
	if err := rejected.HandleMessage(ctx, message(t, nil)); !errors.As(err, &perm) {
		t.Fatalf("expected permanent error for validation failure, got %v", err)
	}
}

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/google/uuid"
)

type fakeWriter struct {
	mu   sync.Mutex
	logs []storage.AuditLog
	err  error
}

func (f *fakeWriter) InsertAudit(_ context.Context, log storage.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.logs = append(f.logs, log)
	return nil
}

type publishCall struct {
	topic string
	key   string
	value any
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
}

func (p *fakePublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{topic: topic, key: key, value: value})
	return 0, int64(len(p.calls)), nil
}

func (p *fakePublisher) Close() error { return nil }

func TestPostgresSinkSanitizesDetails(t *testing.T) {
	w := &fakeWriter{}
	sink := NewPostgresSink(w, nil)
	id := uuid.New()
	sink.Record(context.Background(), Event{
		ActorType:  ActorAdmin,
		Action:     FiatWithdrawalCancelled,
		EntityType: "withdrawal",
		EntityID:   id,
		Details:    map[string]string{"reason": `<script>alert(1)</script>bad account`},
	})
	if len(w.logs) != 1 {
		t.Fatalf("expected one audit row, got %d", len(w.logs))
	}
	if got := w.logs[0].Details["reason"]; got != "bad account" {
		t.Fatalf("expected sanitized reason, got %q", got)
	}
	if w.logs[0].EntityID == nil || *w.logs[0].EntityID != id || w.logs[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected audit row: %+v", w.logs[0])
	}
}

func TestPostgresSinkSwallowsErrors(t *testing.T) {
	sink := NewPostgresSink(&fakeWriter{err: errors.New("db down")}, nil)
	sink.Record(context.Background(), Event{Action: FiatDepositFailed, EntityID: uuid.New()})
}

func TestKafkaSinkUsesDeterministicID(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewKafkaSink(pub, "funds.audit", nil)
	id := uuid.New()
	e := Event{ActorType: ActorSystem, Action: CryptoDepositCredited, EntityType: "deposit", EntityID: id}
	sink.Record(context.Background(), e)
	sink.Record(context.Background(), e)

	if len(pub.calls) != 2 {
		t.Fatalf("expected two publishes, got %d", len(pub.calls))
	}
	first := pub.calls[0].value.(kafkaEvent)
	second := pub.calls[1].value.(kafkaEvent)
	if first.EventID != second.EventID {
		t.Fatalf("expected replayed event to keep its id")
	}
	if first.EventType != "funds."+CryptoDepositCredited || pub.calls[0].key != id.String() {
		t.Fatalf("unexpected envelope: %+v key=%s", first.Envelope, pub.calls[0].key)
	}
}

func TestAsyncSinkFlushesOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	async := NewAsyncSink(NewPostgresSink(w, nil), 8, nil)
	for i := 0; i < 5; i++ {
		async.Record(context.Background(), Event{Action: FiatDepositCreated, EntityID: uuid.New()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go async.Run(ctx)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := async.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.logs) != 5 {
		t.Fatalf("expected all queued events delivered, got %d", len(w.logs))
	}
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	async := NewAsyncSink(NewPostgresSink(w, nil), 1, nil)
	async.Record(context.Background(), Event{Action: FiatDepositCreated, EntityID: uuid.New()})
	async.Record(context.Background(), Event{Action: FiatDepositCreated, EntityID: uuid.New()})
	if len(async.queue) != 1 {
		t.Fatalf("expected queue to hold one event, got %d", len(async.queue))
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &fakeWriter{}, &fakeWriter{}
	Multi{NewPostgresSink(a, nil), nil, NewPostgresSink(b, nil)}.Record(context.Background(), Event{Action: FiatDepositCreated, EntityID: uuid.New()})
	if len(a.logs) != 1 || len(b.logs) != 1 {
		t.Fatalf("expected both sinks to record")
	}
}

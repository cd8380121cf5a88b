package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Dead letters are written from two places: a handler that gave up on a consumed message, or
// a publisher whose send failed.
const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// PermanentError marks a failure that retrying cannot fix. Consumers route it to the
// dead-letter topic on the first attempt.
type PermanentError struct {
	Err    error
	Reason string
}

func (e *PermanentError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err, Reason: reason}
}

// AsPermanent reports whether err carries a PermanentError.
func AsPermanent(err error) (*PermanentError, bool) {
	var perm *PermanentError
	ok := errors.As(err, &perm)
	return perm, ok
}

// DeadLetter is the record written to the dead-letter topic. Payload is the original bytes
// (base64 in JSON).
type DeadLetter struct {
	Stage     string    `json:"stage"`
	Topic     string    `json:"topic"`
	Partition *int32    `json:"partition,omitempty"`
	Offset    *int64    `json:"offset,omitempty"`
	Key       string    `json:"key,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Error     string    `json:"error"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	Payload   []byte    `json:"payload,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

func consumedDeadLetter(msg *sarama.ConsumerMessage, err error, attempts int, now time.Time) DeadLetter {
	reason := "handler_failed"
	cause := err
	if perm, ok := AsPermanent(err); ok {
		reason = perm.Reason
		cause = perm.Err
	}
	dl := DeadLetter{
		Stage:    StageConsume,
		Error:    cause.Error(),
		Reason:   reason,
		Attempts: attempts,
		FailedAt: now.UTC(),
	}
	if msg != nil {
		partition, offset := msg.Partition, msg.Offset
		dl.Topic = msg.Topic
		dl.Partition = &partition
		dl.Offset = &offset
		dl.Key = string(msg.Key)
		dl.EventType = EventType(msg)
		dl.Payload = msg.Value
	}
	return dl
}

func publishedDeadLetter(topic, key string, value any, err error, now time.Time) DeadLetter {
	dl := DeadLetter{
		Stage:    StagePublish,
		Topic:    topic,
		Key:      key,
		Error:    err.Error(),
		Reason:   "publish_failed",
		Attempts: 1,
		FailedAt: now.UTC(),
	}
	if typed, ok := value.(Typed); ok {
		dl.EventType = typed.Type()
	}
	if raw, marshalErr := json.Marshal(value); marshalErr == nil {
		dl.Payload = raw
	} else {
		dl.Payload = []byte(fmt.Sprintf("%v", value))
	}
	return dl
}

// DeadLetterPublisher forwards to primary and, when a publish fails, records the event on the
// dead-letter topic through fallback. The original error is still returned.
type DeadLetterPublisher struct {
	primary  Publisher
	fallback Publisher
	topic    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewDeadLetterPublisher uses primary as its own fallback when fallback is nil.
func NewDeadLetterPublisher(primary, fallback Publisher, topic string, logger *slog.Logger) *DeadLetterPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = primary
	}
	return &DeadLetterPublisher{primary: primary, fallback: fallback, topic: topic, logger: logger, now: time.Now}
}

func (p *DeadLetterPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p.primary == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil || p.topic == "" || topic == p.topic {
		return partition, offset, err
	}
	dl := publishedDeadLetter(topic, key, value, err, p.now())
	if _, _, dlErr := p.fallback.PublishJSON(ctx, p.topic, key, dl); dlErr != nil {
		p.logger.Error("dead letter publish failed", "topic", p.topic, "original_topic", topic, "error", dlErr)
	}
	return partition, offset, err
}

// Close closes the primary only; a separate fallback is owned by the caller.
func (p *DeadLetterPublisher) Close() error {
	if p.primary == nil {
		return nil
	}
	return p.primary.Close()
}

package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// eventNamespace scopes DeterministicEventID so ids never collide with random v4 ids.
var eventNamespace = uuid.MustParse("0b8e5f0c-7d0e-4c53-9a55-2a4f3c1d6e21")

// Envelope is embedded in every event the services publish or consume.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Source        string    `json:"source,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

type EnvelopeOption func(*Envelope)

// WithEventID replaces the random event id, typically with a DeterministicEventID.
func WithEventID(id string) EnvelopeOption {
	return func(e *Envelope) { e.EventID = id }
}

func WithSource(source string) EnvelopeOption {
	return func(e *Envelope) { e.Source = source }
}

func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) { e.Timestamp = ts.UTC() }
}

func NewEnvelope(eventType string, version int, opts ...EnvelopeOption) (Envelope, error) {
	env := Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: version,
		Timestamp:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&env)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DeterministicEventID derives a stable id from the facts an event describes, so a replayed
// fact dedupes downstream.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(eventNamespace, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.EventVersion <= 0:
		return fmt.Errorf("event_version must be positive")
	case e.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Typed is implemented by payloads that know their event type. Events embedding Envelope
// get it for free.
type Typed interface {
	Type() string
}

func (e Envelope) Type() string { return e.EventType }

// Meta exposes the envelope of an embedding event to the producer.
func (e Envelope) Meta() Envelope { return e }

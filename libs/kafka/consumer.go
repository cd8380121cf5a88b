package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

// RetryPolicy bounds in-process redelivery of a message before it is dead-lettered.
// Backoff grows linearly with the attempt number.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 500 * time.Millisecond}
}

// Consumer drives a sarama consumer group. Every claimed message is marked once handled or
// dead-lettered so a poisoned message never blocks its partition.
type Consumer struct {
	group       sarama.ConsumerGroup
	logger      *slog.Logger
	retry       RetryPolicy
	deadLetters Publisher
	deadTopic   string
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	go func() {
		for err := range group.Errors() {
			logger.Warn("kafka consumer group error", "error", err)
		}
	}()
	return &Consumer{group: group, logger: logger, retry: DefaultRetryPolicy()}, nil
}

// WithDLQ routes messages whose handling failed for good to topic.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.deadLetters = publisher
	c.deadTopic = topic
	return c
}

func (c *Consumer) WithRetry(policy RetryPolicy) *Consumer {
	if policy.Attempts > 0 {
		c.retry = policy
	}
	return c
}

// Consume blocks until ctx is cancelled or the group is closed, rejoining after rebalances.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}
	claims := &claimHandler{
		handler:     handler,
		logger:      c.logger,
		retry:       c.retry,
		deadLetters: c.deadLetters,
		deadTopic:   c.deadTopic,
		now:         time.Now,
	}

	for {
		if err := c.group.Consume(ctx, topics, claims); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "topics", topics, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type claimHandler struct {
	handler     MessageHandler
	logger      *slog.Logger
	retry       RetryPolicy
	deadLetters Publisher
	deadTopic   string
	now         func() time.Time
}

func (h *claimHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		attempts, err := h.handle(session.Context(), msg)
		if err != nil {
			// shutting down mid-retry: leave the offset so the next owner redelivers
			if session.Context().Err() != nil {
				return nil
			}
			h.logger.Error("kafka message dropped to dead letter",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"event_type", EventType(msg), "attempts", attempts, "error", err)
			h.deadLetter(session.Context(), msg, err, attempts)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *claimHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) (int, error) {
	attempts := h.retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = h.handler.HandleMessage(ctx, msg); err == nil {
			return attempt, nil
		}
		if _, ok := AsPermanent(err); ok {
			return attempt, err
		}
		if attempt < attempts {
			h.logger.Warn("kafka handler failed, retrying", "topic", msg.Topic, "offset", msg.Offset, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(h.retry.Backoff * time.Duration(attempt)):
			}
		}
	}
	return attempts, err
}

func (h *claimHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err error, attempts int) {
	if h.deadLetters == nil || h.deadTopic == "" {
		return
	}
	dl := consumedDeadLetter(msg, err, attempts, h.now())
	if _, _, pubErr := h.deadLetters.PublishJSON(ctx, h.deadTopic, string(msg.Key), dl); pubErr != nil {
		h.logger.Error("dead letter publish failed", "topic", h.deadTopic, "error", pubErr)
	}
}

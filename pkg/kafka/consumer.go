package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/retry"
)

// TopicPrefix is the prefix of every travelcart topic.
const TopicPrefix = "travelcart"

// Topic constructs a fully-qualified topic name.
func Topic(domain, action string) string {
	return fmt.Sprintf("%s.%s.%s", TopicPrefix, domain, action)
}

// Handler is a function that processes a Kafka event.
type Handler func(ctx context.Context, event *Event) error

// MessageReader is the part of *kafka.Reader the consumer depends on.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
}

// handlerPolicy bounds handler retries before a message is skipped as a poison pill.
var handlerPolicy = retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

// Consumer reads events from one topic and feeds them to a handler. Offsets
// are committed after the handler succeeds or exhausts its retries.
type Consumer struct {
	reader    MessageReader
	topic     string
	group     string
	logger    *slog.Logger
	handler   Handler
	policy    retry.Policy
	closeOnce sync.Once
}

// NewConsumer creates a consumer-group reader for cfg.Topic.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	return NewConsumerWithReader(r, cfg.Topic, cfg.GroupID, handler, logger)
}

// NewConsumerWithReader builds a consumer on an existing reader.
func NewConsumerWithReader(r MessageReader, topic, group string, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:  r,
		topic:   topic,
		group:   group,
		logger:  logger,
		handler: handler,
		policy:  handlerPolicy,
	}
}

// Start consumes messages until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", slog.String("topic", c.topic), slog.String("group", c.group))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", slog.String("topic", c.topic))
				return c.Close()
			}
			c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
			continue
		}

		c.process(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit message",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	event, err := UnmarshalEvent(msg.Value)
	if err != nil {
		c.logger.Error("failed to unmarshal event, skipping",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		return
	}

	headers := msg.Headers
	ctx = otel.GetTextMapPropagator().Extract(ctx, NewKafkaHeaderCarrier(&headers))

	err = retry.Do(ctx, c.policy, nil, func(ctx context.Context) error {
		return c.handler(ctx, event)
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Error("handler failed after all retries, skipping poison message",
			slog.String("event_type", event.EventType),
			slog.String("aggregate_id", event.AggregateID),
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the consumer. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}

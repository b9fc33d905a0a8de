package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	pkglogger "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/logger"
)

// ProducerConfig holds Kafka producer configuration.
type ProducerConfig struct {
	Brokers      []string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

// DefaultProducerConfig returns defaults for the Kafka producer.
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:      brokers,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}
}

// MessageWriter is the part of *kafka.Writer the producer depends on.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer wraps a kafka-go writer for publishing events.
type Producer struct {
	writer  MessageWriter
	brokers []string
	logger  *slog.Logger
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg ProducerConfig, logger *slog.Logger) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		Async:                  cfg.Async,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(w, cfg.Brokers, logger)
}

// NewProducerWithWriter builds a producer on an existing writer.
func NewProducerWithWriter(w MessageWriter, brokers []string, logger *slog.Logger) *Producer {
	return &Producer{writer: w, brokers: brokers, logger: logger}
}

// Publish sends an event to topic keyed by its aggregate ID, so all events of
// one cart land on the same partition in order. The current trace context is
// injected into the message headers.
func (p *Producer) Publish(ctx context.Context, topic string, event *Event) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if event.CorrelationID == "" {
		event.CorrelationID = pkglogger.CorrelationIDFromContext(ctx)
	}

	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "source", Value: []byte(event.Source)},
	}
	if event.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: "correlation_id", Value: []byte(event.CorrelationID)})
	}
	otel.GetTextMapPropagator().Inject(ctx, NewKafkaHeaderCarrier(&headers))

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(event.AggregateID),
		Value:   data,
		Headers: headers,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish event",
			slog.String("topic", topic),
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish event to %s: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "event published",
		slog.String("topic", topic),
		slog.String("event_type", event.EventType),
		slog.String("aggregate_id", event.AggregateID),
	)
	return nil
}

// Ping checks Kafka broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return PingBrokers(ctx, p.brokers)
}

// PingBrokers returns nil if at least one broker answers a metadata request.
func PingBrokers(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}

	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("kafka ping: all brokers unreachable: %w", lastErr)
}

// Close flushes pending messages and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

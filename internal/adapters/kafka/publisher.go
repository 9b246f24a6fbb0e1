package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	"github.com/kevin07696/checkout-authorizer/internal/middleware"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements ports.OutcomePublisher on a Kafka topic. Messages are
// keyed by order id so events for one order stay ordered.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewPublisher creates a new Kafka publisher
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(writer, topic, logger)
}

func newPublisher(writer messageWriter, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{writer: writer, topic: topic, logger: logger}
}

var _ ports.OutcomePublisher = (*Publisher)(nil)

// Publish writes one event
func (p *Publisher) Publish(ctx context.Context, event ports.AuthorizationEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.OrderID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	}
	if id := middleware.CorrelationID(ctx); id != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation_id", Value: []byte(id)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, p.topic, err)
	}

	p.logger.Debug("Authorization event published",
		zap.String("topic", p.topic),
		zap.String("event_type", event.Type),
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", event.OrderID),
	)
	return nil
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// BrokerCheck returns a health probe that succeeds when any broker accepts a
// connection.
func BrokerCheck(brokers []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, broker := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", broker)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
		return fmt.Errorf("all kafka brokers unreachable")
	}
}

// NopPublisher drops events. Used when no brokers are configured.
type NopPublisher struct{}

// Publish discards the event
func (NopPublisher) Publish(context.Context, ports.AuthorizationEvent) error { return nil }

// Close does nothing
func (NopPublisher) Close() error { return nil }

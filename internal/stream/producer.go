package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nathanyu/trading-venue/internal/domain"
)

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // same key, same partition
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Publisher writes the engine's domain events to the outbound channel.
// It satisfies matching.EventPublisher.
type Publisher struct {
	orders *kafka.Writer
	trades *kafka.Writer
}

// NewPublisher creates writers for both outbound topics.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		orders: newWriter(brokers, TopicOrdersUpdated),
		trades: newWriter(brokers, TopicTradesExecuted),
	}
}

// PublishOrderUpdated emits the full updated order row, keyed by order id.
func (p *Publisher) PublishOrderUpdated(ctx context.Context, order *domain.Order) error {
	value, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order %s: %w", order.ID, err)
	}
	return p.orders.WriteMessages(ctx, kafka.Message{
		Key:   []byte(order.ID),
		Value: value,
	})
}

// PublishTradeExecuted emits the trade with its aggressor side, keyed by
// trading pair.
func (p *Publisher) PublishTradeExecuted(ctx context.Context, trade *domain.TradeExecuted) error {
	value, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade %s: %w", trade.ID, err)
	}
	return p.trades.WriteMessages(ctx, kafka.Message{
		Key:   []byte(trade.TradingPair),
		Value: value,
	})
}

// Close closes both writers.
func (p *Publisher) Close() error {
	if err := p.orders.Close(); err != nil {
		return err
	}
	return p.trades.Close()
}

// SubmissionProducer puts accepted order submissions onto orders.new,
// keyed by trading pair so one partition carries all of a pair's orders in
// submission order.
type SubmissionProducer struct {
	writer *kafka.Writer
}

// NewSubmissionProducer creates a writer for the inbound order topic.
func NewSubmissionProducer(brokers []string) *SubmissionProducer {
	return &SubmissionProducer{
		writer: newWriter(brokers, TopicOrdersNew),
	}
}

// Publish enqueues one order submission.
func (p *SubmissionProducer) Publish(ctx context.Context, sub *domain.OrderSubmitted) error {
	value, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal submission %s: %w", sub.ID, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sub.TradingPair),
		Value: value,
	})
}

// Close closes the writer.
func (p *SubmissionProducer) Close() error {
	return p.writer.Close()
}

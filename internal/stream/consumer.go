package stream

import (
	"context"
	"fmt"
	"log"

	"github.com/IBM/sarama"
)

// Topics carried by the order channel. orders.new is keyed by trading pair,
// so every order for one pair lands on one partition and is consumed in
// submission order by exactly one group member.
const (
	TopicOrdersNew      = "orders.new"
	TopicOrdersUpdated  = "orders.updated"
	TopicTradesExecuted = "trades.executed"
)

// commitInterval is how many handled messages pass between offset commits.
// Committing mid-batch doubles as a liveness signal so a slow batch does
// not get the member evicted from the group.
const commitInterval = 5

// Handler processes one decoded-from-the-wire message. Returning an error
// fails the whole batch: uncommitted offsets are redelivered, which makes
// the pipeline at-least-once. Handlers that want to skip a message (e.g.
// a malformed payload) log and return nil.
type Handler func(ctx context.Context, key, value []byte) error

// Consumer is a Kafka consumer-group member that pulls bounded batches from
// its assigned partitions and feeds each message to a Handler.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler Handler
	name    string
}

// NewConsumer joins the given consumer group for the given topics.
func NewConsumer(brokers []string, groupID string, topics []string, name string, handler Handler) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to join consumer group %s: %w", groupID, err)
	}

	log.Printf("[%s] connecting to brokers %v, group %s", name, brokers, groupID)
	return &Consumer{
		group:   group,
		topics:  topics,
		handler: handler,
		name:    name,
	}, nil
}

// Run consumes until ctx is cancelled. Consume returns on every group
// rebalance, so it loops: the session is re-established and claims are
// re-assigned.
func (c *Consumer) Run(ctx context.Context) error {
	handler := &groupHandler{name: c.name, handle: c.handler}
	for {
		if err := c.group.Consume(ctx, c.topics, handler); err != nil {
			return fmt.Errorf("consumer group session failed: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[%s] rebalancing, rejoining group", c.name)
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// groupHandler adapts a Handler to sarama's consumer-group callbacks.
type groupHandler struct {
	name   string
	handle Handler
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	log.Printf("[%s] subscribed, claims: %v", h.name, sess.Claims())
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Printf("[%s] session cleanup", h.name)
	return nil
}

// ConsumeClaim is the consuming loop for one assigned partition. Messages
// arrive in partition order; offsets are marked per message and committed
// every commitInterval messages plus once when the claim drains.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	handled := 0
	for msg := range claim.Messages() {
		if len(msg.Value) == 0 {
			log.Printf("[%s] empty payload at %s/%d@%d, skipping", h.name, msg.Topic, msg.Partition, msg.Offset)
			sess.MarkMessage(msg, "")
			continue
		}

		if err := h.handle(sess.Context(), msg.Key, msg.Value); err != nil {
			// Do not mark: the channel redelivers everything uncommitted.
			return fmt.Errorf("message at %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}

		sess.MarkMessage(msg, "")
		handled++
		if handled%commitInterval == 0 {
			sess.Commit()
		}
	}

	sess.Commit()
	return nil
}

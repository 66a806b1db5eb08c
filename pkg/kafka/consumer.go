// Package kafka wraps franz-go for the gateway's ingest bridge. External
// producers publish events to Kafka topics; the bridge consumes them and
// routes each record through the same validated publish path as WebSocket
// and REST clients.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
)

// Message is one consumed record, decoupled from kgo so handlers and the
// DLQ codec never import franz-go.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message. A non-nil error halts the record's
// partition for the rest of the batch so the offset is retried instead of
// committed over.
type Handler func(ctx context.Context, msg Message) error

// Consumer polls a consumer group and fans records out to per-topic
// handlers. Offsets are committed manually, after the handler succeeds.
type Consumer struct {
	client   *kgo.Client
	logger   logging.Logger
	groupID  string
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewConsumer joins the given consumer group. New groups start from the
// earliest retained offset so a fresh gateway deployment backfills instead
// of silently skipping history.
func NewConsumer(brokers []string, groupID, clientID string, logger logging.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:   client,
		logger:   logger,
		groupID:  groupID,
		handlers: make(map[string]Handler),
	}, nil
}

// AddHandler subscribes to topic and routes its records to handler.
func (c *Consumer) AddHandler(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	c.client.AddConsumeTopics(topic)
}

// GetClient exposes the underlying client for broker health probes.
func (c *Consumer) GetClient() *kgo.Client {
	return c.client
}

// Close tears down the group membership and broker connections.
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// Start polls until the context is canceled. Each batch is dispatched and
// the furthest successful offset per partition committed in one round.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := c.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithField("group", c.groupID).Errorf("poll errors: %v", errs)
			continue
		}

		var records []*kgo.Record
		for iter := fetches.RecordIter(); !iter.Done(); {
			records = append(records, iter.Next())
		}

		if commits := c.processRecords(ctx, records); len(commits) > 0 {
			if err := c.client.CommitRecords(ctx, commits...); err != nil {
				c.logger.WithError(err).WithField("group", c.groupID).Error("Failed to commit offsets")
			}
		}
	}
}

// processRecords runs handlers in record order and returns the records whose
// offsets are safe to commit. Once a handler fails, the rest of that
// partition is skipped for the batch so the failed offset is re-fetched
// rather than committed over.
func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	type partition struct {
		topic string
		id    int32
	}
	halted := make(map[partition]bool)
	furthest := make(map[partition]*kgo.Record)

	for _, record := range records {
		p := partition{topic: record.Topic, id: record.Partition}
		if halted[p] {
			continue
		}

		c.mu.RLock()
		handler, ok := c.handlers[record.Topic]
		c.mu.RUnlock()

		if !ok {
			// Commit anyway; a topic nobody registered for must not wedge
			// the group.
			c.logger.WithField("topic", record.Topic).Warn("No handler registered for topic")
			furthest[p] = record
			continue
		}

		if err := handler(ctx, toMessage(record)); err != nil {
			c.logger.WithError(err).WithFields(logging.Fields{
				"topic":     record.Topic,
				"partition": record.Partition,
				"offset":    record.Offset,
			}).Error("Handler failed, offset will be retried")
			halted[p] = true
			continue
		}
		furthest[p] = record
	}

	if len(furthest) == 0 {
		return nil
	}
	commits := make([]*kgo.Record, 0, len(furthest))
	for _, record := range furthest {
		commits = append(commits, record)
	}
	return commits
}

func toMessage(record *kgo.Record) Message {
	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Key:       record.Key,
		Value:     record.Value,
		Headers:   headers,
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Timestamp: record.Timestamp,
	}
}

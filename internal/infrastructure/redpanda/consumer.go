package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds the consumer group settings.
type ConsumerConfig struct {
	Brokers []string
	Group   string
	Topics  []string
	// SessionTimeout bounds how long the group waits before rebalancing a
	// silent member away.
	SessionTimeout time.Duration
	// StartOffset is "earliest" or "latest" for partitions without a
	// committed offset.
	StartOffset string
}

// DefaultConsumerConfig returns the dispatch defaults. Offsets are committed
// only after the handler succeeds, so a crashed dispatcher redelivers
// instead of dropping.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		Group:          "notify-dispatch",
		SessionTimeout: 30 * time.Second,
		StartOffset:    "earliest",
	}
}

// Message is one consumed record with its typed headers.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// EventType returns the event-type header, empty when absent.
func (m *Message) EventType() string { return m.Headers["event-type"] }

// CommandID returns the command-id header, empty when absent.
func (m *Message) CommandID() string { return m.Headers["command-id"] }

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Handler processes one message. A non-nil error leaves the offset
// uncommitted so the message is redelivered.
type Handler func(ctx context.Context, msg *Message) error

// Consumer reads the engine topics as a consumer group member.
type Consumer struct {
	client  *kgo.Client
	group   string
	handler Handler
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	consumed int64
	failed   int64
}

// NewConsumer creates a consumer group member.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		group:   cfg.Group,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the poll loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.poll()
}

// Stop drains the loop and releases the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	return nil
}

// poll fetches, handles each record, and commits once per fetch. Committed
// offsets cover only records whose handler succeeded; a failed record and
// everything after it on that partition come back on the next poll.
func (c *Consumer) poll() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		for _, fe := range fetches.Errors() {
			atomic.AddInt64(&c.failed, 1)
			c.logger.Error("fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
		}

		var done []*kgo.Record
		fetches.EachRecord(func(record *kgo.Record) {
			if c.handle(record) {
				done = append(done, record)
			}
		})
		if len(done) > 0 {
			if err := c.client.CommitRecords(c.ctx, done...); err != nil {
				c.logger.Error("offset commit failed",
					zap.String("group", c.group),
					zap.Error(err))
			}
		}
	}
}

// handle runs one record through the handler, reporting success.
func (c *Consumer) handle(record *kgo.Record) bool {
	ctx, span := c.tracer.Start(c.ctx, "consume",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		atomic.AddInt64(&c.failed, 1)
		span.RecordError(err)
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return false
	}
	atomic.AddInt64(&c.consumed, 1)
	return true
}

// ConsumerStats holds consumption counters.
type ConsumerStats struct {
	Consumed int64
	Failed   int64
}

// Stats returns the current counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed: atomic.LoadInt64(&c.consumed),
		Failed:   atomic.LoadInt64(&c.failed),
	}
}

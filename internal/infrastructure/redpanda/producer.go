// Package redpanda carries the engine's broker traffic over franz-go: dose
// events, notification requests and audit records relayed from the
// transactional outbox.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds the relay producer settings. The relay's throughput
// is bounded by the outbox batch size, not the broker, so the defaults favor
// durability over latency.
type ProducerConfig struct {
	Brokers     []string
	Linger      time.Duration
	MaxBuffered int
	MaxRetries  int
	// Acks: "all" waits for the full ISR, "leader" for the partition leader.
	Acks string
}

// DefaultProducerConfig returns the relay defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:     []string{"localhost:9092"},
		Linger:      25 * time.Millisecond,
		MaxBuffered: 100_000,
		MaxRetries:  3,
		Acks:        "all",
	}
}

// Envelope is one typed message bound for a broker topic. EventType and
// CommandID travel as headers so consumers can filter without decoding the
// payload.
type Envelope struct {
	Topic     string
	Key       string
	EventType string
	CommandID string
	Payload   []byte
}

// Producer publishes outbox entries to Redpanda. Publish is synchronous:
// the outbox marks an entry processed only after the broker acknowledged it.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	published int64
	failed    int64
}

// NewProducer creates a producer.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	acks := kgo.AllISRAcks()
	if cfg.Acks == "leader" {
		acks = kgo.LeaderAck()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBuffered),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RequiredAcks(acks),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one message and waits for the broker acknowledgement. It
// implements the outbox publisher contract; the payload is the outbox row's
// JSON, produced as-is.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.PublishEnvelope(ctx, Envelope{Topic: topic, Key: key, Payload: value})
}

// PublishEnvelope sends one typed message and waits for the acknowledgement.
func (p *Producer) PublishEnvelope(ctx context.Context, env Envelope) error {
	ctx, span := p.tracer.Start(ctx, "publish",
		trace.WithAttributes(
			attribute.String("topic", env.Topic),
			attribute.String("key", env.Key),
		))
	defer span.End()

	record := &kgo.Record{
		Topic:   env.Topic,
		Key:     []byte(env.Key),
		Value:   env.Payload,
		Headers: env.headers(ctx),
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		atomic.AddInt64(&p.failed, 1)
		span.RecordError(err)
		p.logger.Error("publish failed",
			zap.String("topic", env.Topic),
			zap.String("key", env.Key),
			zap.Error(err))
		return fmt.Errorf("publish to %s: %w", env.Topic, err)
	}

	atomic.AddInt64(&p.published, 1)
	p.logger.Debug("published",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// headers builds the typed headers, including W3C trace context when the
// calling span is recording.
func (env Envelope) headers(ctx context.Context) []kgo.RecordHeader {
	hs := []kgo.RecordHeader{
		{Key: "content-type", Value: []byte("application/json")},
		{Key: "source", Value: []byte("dose-engine")},
	}
	if env.EventType != "" {
		hs = append(hs, kgo.RecordHeader{Key: "event-type", Value: []byte(env.EventType)})
	}
	if env.CommandID != "" {
		hs = append(hs, kgo.RecordHeader{Key: "command-id", Value: []byte(env.CommandID)})
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		tp := fmt.Sprintf("00-%s-%s-%02x", sc.TraceID(), sc.SpanID(), sc.TraceFlags())
		hs = append(hs, kgo.RecordHeader{Key: "traceparent", Value: []byte(tp)})
	}
	return hs
}

// Flush blocks until every buffered record is acknowledged.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close flushes and releases the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats holds publish counters.
type ProducerStats struct {
	Published int64
	Failed    int64
}

// Stats returns the current counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Published: atomic.LoadInt64(&p.published),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}

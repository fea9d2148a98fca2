package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"vitalpaw/internal/config"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize reading")
)

// MessageWriter is the subset of *kafka.Writer used by the producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes readings keyed by pet ID through a pool of writers,
// retrying with exponential backoff.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	writers []MessageWriter
	pool    chan MessageWriter
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerOption is a functional option for configuring the producer
type ProducerOption func(*Producer)

// WithWriters replaces the kafka-go writer pool.
func WithWriters(writers ...MessageWriter) ProducerOption {
	return func(p *Producer) {
		p.writers = writers
	}
}

// NewProducer creates a producer for topic.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig, opts ...ProducerOption) (*Producer, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}

	p := &Producer{cfg: cfg, topic: topic}
	for _, opt := range opts {
		opt(p)
	}

	if len(p.writers) == 0 {
		if len(brokers) == 0 {
			return nil, errors.New("at least one broker is required")
		}
		compression := getCompression(cfg.Compression)
		for i := 0; i < cfg.PoolSize; i++ {
			p.writers = append(p.writers, &kafka.Writer{
				Addr:         kafka.TCP(brokers...),
				Topic:        topic,
				Balancer:     &kafka.Hash{}, // same pet, same partition
				BatchSize:    cfg.BatchSize,
				BatchTimeout: cfg.BatchTimeout,
				WriteTimeout: cfg.WriteTimeout,
				RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
				Compression:  compression,
				MaxAttempts:  1,
			})
		}
	}

	p.pool = make(chan MessageWriter, len(p.writers))
	for _, w := range p.writers {
		p.pool <- w
	}
	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

func newMessage(r models.BiometricReading, now time.Time) (kafka.Message, error) {
	payload, err := r.Encode()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return kafka.Message{
		Key:     []byte(r.PetID),
		Value:   []byte(payload),
		Headers: []kafka.Header{{Key: "pet_id", Value: []byte(r.PetID)}},
		Time:    now,
	}, nil
}

// Publish sends a single reading.
func (p *Producer) Publish(ctx context.Context, r models.BiometricReading) error {
	return p.PublishBatch(ctx, []models.BiometricReading{r})
}

// PublishBatch sends readings in one write. Readings that fail to serialize
// are skipped and counted.
func (p *Producer) PublishBatch(ctx context.Context, readings []models.BiometricReading) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(readings) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	now := time.Now()

	messages := make([]kafka.Message, 0, len(readings))
	for _, r := range readings {
		msg, err := newMessage(r, now)
		if err != nil {
			log.Error().Err(err).Str("pet_id", r.PetID).Msg("failed to serialize reading")
			p.messagesFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return ErrSerializeFailed
	}

	var writer MessageWriter
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	if err := p.writeWithRetry(ctx, writer, messages); err != nil {
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	var size uint64
	for _, m := range messages {
		size += uint64(len(m.Value))
	}
	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(size)
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", time.Since(now)).
		Msg("readings published to kafka")
	return nil
}

// writeWithRetry doubles the wait after each failed attempt.
func (p *Producer) writeWithRetry(ctx context.Context, writer MessageWriter, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	wait := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", wait).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(wait):
				wait *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	log.Error().
		Err(lastErr).
		Int("attempts", p.cfg.MaxRetries+1).
		Int("batch_size", len(messages)).
		Msg("kafka publish failed after all retries")

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent   uint64
	MessagesFailed uint64
	BytesWritten   uint64
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"vitalpaw/internal/config"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/queue"
)

const sourceName = "kafka"

// MessageReader is the subset of *kafka.Reader used by the consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	Fetched     int64
	Queued      int64
	FetchErrors int64
	CommitFails int64
}

// Consumer moves telemetry from a consumer group into the work queue. Offsets
// are committed only after the payload is queued.
type Consumer struct {
	reader      MessageReader
	queue       queue.Queue
	pushTimeout time.Duration
	retryMax    time.Duration

	fetched     atomic.Int64
	queued      atomic.Int64
	fetchErrors atomic.Int64
	commitFails atomic.Int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithReader replaces the kafka-go reader.
func WithReader(r MessageReader) ConsumerOption {
	return func(c *Consumer) {
		c.reader = r
	}
}

// WithPushTimeout bounds each queue push.
func WithPushTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.pushTimeout = d
		}
	}
}

// WithMaxRetryInterval caps the wait between failed fetches or pushes.
func WithMaxRetryInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.retryMax = d
		}
	}
}

// NewConsumer builds a group consumer for cfg.Topic.
func NewConsumer(cfg config.KafkaConfig, q queue.Queue, opts ...ConsumerOption) (*Consumer, error) {
	if q == nil {
		return nil, errors.New("kafka consumer: nil queue")
	}

	c := &Consumer{
		queue:       q,
		pushTimeout: 2 * time.Second,
		retryMax:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.reader == nil {
		if len(cfg.Brokers) == 0 || cfg.Topic == "" {
			return nil, errors.New("kafka consumer: brokers and topic are required")
		}
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}
	return c, nil
}

func (c *Consumer) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if b.InitialInterval > c.retryMax {
		b.InitialInterval = c.retryMax
	}
	b.MaxInterval = c.retryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// Start consumes until ctx is done or the reader is closed.
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	fetchBackoff := c.newBackOff(ctx)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.fetchErrors.Add(1)
			metrics.KafkaFetchErrors.Inc()

			wait := fetchBackoff.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("kafka fetch failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		fetchBackoff.Reset()
		c.fetched.Add(1)

		if err := c.enqueue(ctx, msg); err != nil {
			// Left uncommitted; the group redelivers it.
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.commitFails.Add(1)
			log.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit kafka offset")
		}
	}
}

// enqueue retries the push until it succeeds or ctx is done.
func (c *Consumer) enqueue(ctx context.Context, msg kafka.Message) error {
	op := func() error {
		pushCtx, cancel := context.WithTimeout(ctx, c.pushTimeout)
		defer cancel()
		err := c.queue.Push(pushCtx, string(msg.Value))
		if errors.Is(err, queue.ErrQueueClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		status := "failed"
		if errors.Is(err, queue.ErrQueueFull) {
			status = "shed"
		}
		metrics.IngestMessagesTotal.WithLabelValues(sourceName, status).Inc()

		log := logger.WithComponent("kafka_consumer")
		log.Error().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Dur("retry_in", wait).
			Msg("failed to enqueue telemetry")
	}

	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		return fmt.Errorf("kafka consumer: enqueue offset %d: %w", msg.Offset, err)
	}
	c.queued.Add(1)
	metrics.IngestMessagesTotal.WithLabelValues(sourceName, "queued").Inc()
	return nil
}

// Stop closes the reader, which unblocks a pending fetch.
func (c *Consumer) Stop() error {
	return c.reader.Close()
}

// Stats returns a snapshot of consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Fetched:     c.fetched.Load(),
		Queued:      c.queued.Load(),
		FetchErrors: c.fetchErrors.Load(),
		CommitFails: c.commitFails.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

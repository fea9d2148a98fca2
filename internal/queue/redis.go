package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"vitalpaw/internal/metrics"
)

// RedisQueue stores payloads in a Redis list: LPUSH at the tail, RPOP at the head.
// The list outlives restarts of this process.
type RedisQueue struct {
	client   redis.UniversalClient
	key      string
	maxDepth int64
	closed   atomic.Bool
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithKey overrides the list name.
func WithKey(key string) RedisOption {
	return func(q *RedisQueue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithMaxDepth sheds new payloads once the list holds max entries. Zero disables the limit.
func WithMaxDepth(max int64) RedisOption {
	return func(q *RedisQueue) {
		if max > 0 {
			q.maxDepth = max
		}
	}
}

// NewRedisQueue wraps an existing client. The client is not closed by Close.
func NewRedisQueue(client redis.UniversalClient, opts ...RedisOption) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis queue: nil client")
	}
	q := &RedisQueue{client: client, key: DefaultKey}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Key returns the list name.
func (q *RedisQueue) Key() string { return q.key }

// Push appends payload to the tail of the list.
func (q *RedisQueue) Push(ctx context.Context, payload string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	if q.maxDepth > 0 {
		depth, err := q.client.LLen(ctx, q.key).Result()
		if err != nil {
			return fmt.Errorf("redis queue: llen: %w", err)
		}
		if depth >= q.maxDepth {
			metrics.QueueShedTotal.Inc()
			return ErrQueueFull
		}
	}

	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("redis queue: lpush: %w", err)
	}
	return nil
}

// Pop removes and returns the oldest payload.
func (q *RedisQueue) Pop(ctx context.Context) (string, bool, error) {
	if q.closed.Load() {
		return "", false, ErrQueueClosed
	}

	payload, err := q.client.RPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis queue: rpop: %w", err)
	}
	return payload, true, nil
}

// Len returns the list length.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: llen: %w", err)
	}
	return n, nil
}

// Close marks the queue closed. The shared client stays open.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

package queue

import (
	"context"
	"sync"

	"vitalpaw/internal/metrics"
)

// MemoryQueue is an in-process Queue. It does not survive restarts and is
// meant for local runs and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []string
	maxDepth int
	closed   bool
}

// NewMemoryQueue creates a queue; maxDepth of zero means unbounded.
func NewMemoryQueue(maxDepth int) *MemoryQueue {
	return &MemoryQueue{maxDepth: maxDepth}
}

func (q *MemoryQueue) Push(_ context.Context, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.maxDepth > 0 && len(q.items) >= q.maxDepth {
		metrics.QueueShedTotal.Inc()
		return ErrQueueFull
	}
	q.items = append(q.items, payload)
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", false, ErrQueueClosed
	}
	if len(q.items) == 0 {
		return "", false, nil
	}
	payload := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return payload, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

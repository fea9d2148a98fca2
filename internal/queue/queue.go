// Package queue holds the FIFO work queue shared by the ingest sources and the
// evaluation loop. Payloads are opaque strings.
package queue

import (
	"context"
	"errors"
)

// DefaultKey is the Redis list that buffers telemetry for every pet.
const DefaultKey = "biometric_queue"

var (
	// ErrQueueFull is returned by Push when a depth limit is configured and reached.
	ErrQueueFull = errors.New("work queue is full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("work queue is closed")
)

// Queue is safe for concurrent Push and Pop without external locking.
type Queue interface {
	// Push appends payload to the tail.
	Push(ctx context.Context, payload string) error
	// Pop removes the head. ok is false when the queue is empty.
	Pop(ctx context.Context) (payload string, ok bool, err error)
	// Len returns the current depth.
	Len(ctx context.Context) (int64, error)
	Close() error
}

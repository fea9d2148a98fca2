package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalpaw/internal/config"
	"vitalpaw/internal/models"
	"vitalpaw/internal/queue"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	fetchErrs []error
	committed []int64
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{closed: make(chan struct{})}
	for i, v := range values {
		r.messages = append(r.messages, kafka.Message{Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-r.closed:
		return kafka.Message{}, io.EOF
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumerQueuesThenCommits(t *testing.T) {
	reader := newFakeReader(`{"petId":"p1"}`, `{"petId":"p2"}`, `garbage`)
	q := queue.NewMemoryQueue(0)
	c, err := NewConsumer(config.KafkaConfig{}, q, WithReader(reader))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	assert.Eventually(t, func() bool { return len(reader.committedOffsets()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1, 2}, reader.committedOffsets())
	for _, want := range []string{`{"petId":"p1"}`, `{"petId":"p2"}`, `garbage`} {
		got, ok, err := q.Pop(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, ConsumerStats{Fetched: 3, Queued: 3}, c.Stats())
}

func TestConsumerBacksOffOnFetchErrors(t *testing.T) {
	reader := newFakeReader(`{"petId":"p1"}`)
	reader.fetchErrs = []error{errors.New("broker gone"), errors.New("broker gone")}
	q := queue.NewMemoryQueue(0)
	c, err := NewConsumer(config.KafkaConfig{}, q, WithReader(reader), WithMaxRetryInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	assert.Eventually(t, func() bool { return len(reader.committedOffsets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), c.Stats().FetchErrors)
}

func TestConsumerDoesNotCommitUnqueuedMessage(t *testing.T) {
	reader := newFakeReader(`{"petId":"p1"}`)
	q := queue.NewMemoryQueue(0)
	require.NoError(t, q.Close())

	c, err := NewConsumer(config.KafkaConfig{}, q, WithReader(reader))
	require.NoError(t, err)

	err = c.Start(context.Background())
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
	assert.Empty(t, reader.committedOffsets())
}

func TestNewConsumerRequiresBrokers(t *testing.T) {
	_, err := NewConsumer(config.KafkaConfig{Topic: "pet.biometric"}, queue.NewMemoryQueue(0))
	assert.Error(t, err)
	_, err = NewConsumer(config.KafkaConfig{Brokers: []string{"b:9092"}, Topic: "t"}, nil)
	assert.Error(t, err)
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	written  []kafka.Message
	calls    int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func producerConfig() config.ProducerConfig {
	return config.ProducerConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}
}

func TestProducerKeysByPet(t *testing.T) {
	w := &fakeWriter{}
	p, err := NewProducer(nil, "pet.biometric", producerConfig(), WithWriters(w))
	require.NoError(t, err)

	err = p.PublishBatch(context.Background(), []models.BiometricReading{
		{PetID: "p1", HeartRate: 80, Temperature: 38.1, Movement: "resting"},
		{PetID: "p2", HeartRate: 150, Temperature: 39.9},
	})
	require.NoError(t, err)

	require.Len(t, w.written, 2)
	assert.Equal(t, "p1", string(w.written[0].Key))
	assert.Equal(t, "p2", string(w.written[1].Key))

	decoded, err := models.DecodeReading(w.written[1].Value)
	require.NoError(t, err)
	assert.Equal(t, 150.0, decoded.HeartRate)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.MessagesSent)
	assert.NotZero(t, stats.BytesWritten)
}

func TestProducerRetries(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p, err := NewProducer(nil, "pet.biometric", producerConfig(), WithWriters(w))
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), models.BiometricReading{PetID: "p1", HeartRate: 90, Temperature: 38}))
	assert.Equal(t, 3, w.calls)
}

func TestProducerGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p, err := NewProducer(nil, "pet.biometric", producerConfig(), WithWriters(w))
	require.NoError(t, err)

	err = p.Publish(context.Background(), models.BiometricReading{PetID: "p1", HeartRate: 90, Temperature: 38})
	require.Error(t, err)
	assert.Equal(t, 3, w.calls)
	assert.Equal(t, uint64(1), p.Stats().MessagesFailed)
}

func TestProducerClosed(t *testing.T) {
	p, err := NewProducer(nil, "pet.biometric", producerConfig(), WithWriters(&fakeWriter{}))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	err = p.Publish(context.Background(), models.BiometricReading{PetID: "p1"})
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestGetCompression(t *testing.T) {
	assert.Equal(t, compress.Snappy, getCompression("snappy"))
	assert.Equal(t, compress.Zstd, getCompression("zstd"))
	assert.Equal(t, compress.None, getCompression("bogus"))
}

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalpaw/internal/config"
	"vitalpaw/internal/models"
)

type token struct{ err error }

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Error() error                   { return t.err }
func (t *token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 1 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 1 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}

// broker is a minimal in-memory stand-in for an MQTT client.
type broker struct {
	mu         sync.Mutex
	connectErr error
	handler    paho.MessageHandler
	subscribed chan struct{}
	once       sync.Once
}

func newBroker(connectErr error) *broker {
	return &broker{connectErr: connectErr, subscribed: make(chan struct{})}
}

func (b *broker) factory(*paho.ClientOptions) paho.Client { return &client{b: b} }

func (b *broker) publish(topic, payload string) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h(nil, &message{topic: topic, payload: []byte(payload)})
}

type client struct {
	b         *broker
	connected atomic.Bool
}

func (c *client) IsConnected() bool      { return c.connected.Load() }
func (c *client) IsConnectionOpen() bool { return c.connected.Load() }
func (c *client) Connect() paho.Token {
	if c.b.connectErr != nil {
		return &token{err: c.b.connectErr}
	}
	c.connected.Store(true)
	return &token{}
}
func (c *client) Disconnect(uint)                                    { c.connected.Store(false) }
func (c *client) Publish(string, byte, bool, interface{}) paho.Token { return &token{} }
func (c *client) Subscribe(_ string, _ byte, h paho.MessageHandler) paho.Token {
	c.b.mu.Lock()
	c.b.handler = h
	c.b.mu.Unlock()
	c.b.once.Do(func() { close(c.b.subscribed) })
	return &token{}
}
func (c *client) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &token{}
}
func (c *client) Unsubscribe(...string) paho.Token        { return &token{} }
func (c *client) AddRoute(string, paho.MessageHandler)    {}
func (c *client) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

type recordingSender struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (s *recordingSender) Send(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.sent...)
}

type singleMessageReader struct {
	mu      sync.Mutex
	pending []kafkago.Message
	closed  chan struct{}
	once    sync.Once
}

func (r *singleMessageReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	case <-r.closed:
		return kafkago.Message{}, io.EOF
	}
}

func (r *singleMessageReader) CommitMessages(context.Context, ...kafkago.Message) error { return nil }

func (r *singleMessageReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type harness struct {
	p      *Processor
	mr     *miniredis.Miniredis
	sender *recordingSender
	broker *broker
	cancel context.CancelFunc
	done   chan error

	stopOnce sync.Once
	runErr   error
}

func thresholdsServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("breed") != "Labrador" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"breed":"Labrador","minHeartRate":60,"maxHeartRate":120,"minTemperature":37.5,"maxTemperature":39.2}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func start(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Redis.Addr = mr.Addr()
	cfg.Postgres.DSN = ""
	cfg.Thresholds.BaseURL = thresholdsServer(t).URL
	cfg.Evaluator.Period = 10 * time.Millisecond
	cfg.MQTT.Reconnect.InitialInterval = time.Millisecond
	cfg.MQTT.Reconnect.MaxInterval = 2 * time.Millisecond

	h := &harness{mr: mr, sender: &recordingSender{}, broker: newBroker(nil), done: make(chan error, 1)}
	deps := Deps{Redis: rdb, Sender: h.sender, MQTTClients: h.broker.factory}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	h.p = NewWithDeps(cfg, deps)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.p.Run(ctx) }()

	select {
	case <-h.p.Ready():
	case err := <-h.done:
		t.Fatalf("processor exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor not ready")
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.runErr = <-h.done:
		case <-time.After(10 * time.Second):
			h.runErr = errors.New("Run did not return after cancel")
		}
	})
}

func (h *harness) url(path string) string {
	return "http://" + h.p.Addr() + path
}

func TestProcessorMQTTReadingTriggersAlert(t *testing.T) {
	h := start(t, nil)
	require.NoError(t, h.mr.Set("device_token:rex", "device-rex"))

	select {
	case <-h.broker.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never subscribed")
	}

	h.broker.publish("pet/biometric/rex", `{"petId":"rex","heartRate":150,"temperature":39.5,"movement":"running"}`)
	h.broker.publish("pet/biometric/rex", `{"petId":"rex","heartRate":80,"temperature":38.0,"movement":"resting"}`)
	h.broker.publish("pet/biometric/rex", `{broken`)

	require.Eventually(t, func() bool { return len(h.sender.notifications()) == 1 }, 3*time.Second, 10*time.Millisecond)
	n := h.sender.notifications()[0]
	assert.Equal(t, "device-rex", n.Token)
	assert.Equal(t, "Health Alert", n.Title)
	assert.Equal(t, "Abnormal heart rate: 150, Abnormal temperature: 39.5", n.Body)

	require.Eventually(t, func() bool {
		resp, err := http.Get(h.url("/stats"))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var s Stats
		if json.NewDecoder(resp.Body).Decode(&s) != nil {
			return false
		}
		return s.Evaluator.Processed == 2 && s.Evaluator.Malformed == 1 && s.QueueDepth == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestProcessorAlertWithoutTokenIsDropped(t *testing.T) {
	h := start(t, nil)
	<-h.broker.subscribed

	h.broker.publish("pet/biometric/stray", `{"petId":"stray","heartRate":200,"temperature":38.0}`)

	require.Eventually(t, func() bool { return h.p.loop.Stats().Alerted == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.sender.notifications())
}

func TestProcessorHTTPIngest(t *testing.T) {
	h := start(t, nil)
	require.NoError(t, h.mr.Set("device_token:bella", "device-bella"))

	body := `{"readings":[{"petId":"bella","heartRate":100,"temperature":40.1}]}`
	resp, err := http.Post(h.url("/api/v1/readings"), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.Eventually(t, func() bool { return len(h.sender.notifications()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Abnormal temperature: 40.1", h.sender.notifications()[0].Body)
}

func TestProcessorKafkaSource(t *testing.T) {
	reader := &singleMessageReader{
		closed:  make(chan struct{}),
		pending: []kafkago.Message{{Value: []byte(`{"petId":"kafka-pet","heartRate":20,"temperature":38}`)}},
	}
	h := start(t, func(cfg *config.Config, deps *Deps) {
		cfg.Ingest.Sources = []string{config.SourceKafka}
		deps.KafkaReader = reader
	})
	require.NoError(t, h.mr.Set("device_token:kafka-pet", "device-k"))

	require.Eventually(t, func() bool { return len(h.sender.notifications()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Abnormal heart rate: 20", h.sender.notifications()[0].Body)
}

func TestProcessorHealth(t *testing.T) {
	h := start(t, nil)
	<-h.broker.subscribed

	resp, err := http.Get(h.url("/health"))
	require.NoError(t, err)
	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "subscribed", health.MQTT)

	h.mr.SetError("ERR server unavailable")
	resp, err = http.Get(h.url("/health"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProcessorHealthReportsFaultedListener(t *testing.T) {
	refusing := newBroker(errors.New("not authorized"))
	h := start(t, func(cfg *config.Config, deps *Deps) {
		cfg.MQTT.Reconnect.MaxAttempts = 2
		deps.MQTTClients = refusing.factory
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get(h.url("/health"))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var health Health
		if json.NewDecoder(resp.Body).Decode(&health) != nil {
			return false
		}
		return resp.StatusCode == http.StatusServiceUnavailable && health.MQTT == "faulted"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestProcessorMetricsEndpoint(t *testing.T) {
	h := start(t, nil)

	resp, err := http.Get(h.url("/metrics"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "vitalpaw_mqtt_state")
}

func TestProcessorShutdownReturns(t *testing.T) {
	h := start(t, nil)
	h.stop()
	assert.NoError(t, h.runErr)
}

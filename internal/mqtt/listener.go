// Package mqtt subscribes to per-pet telemetry topics and forwards every
// payload, unparsed, to the work queue.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"vitalpaw/internal/config"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/queue"
)

// State of the broker connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ErrFaulted is returned by Start once the reconnect policy is exhausted.
var ErrFaulted = errors.New("mqtt listener: reconnect attempts exhausted")

const sourceName = "mqtt"

// ClientFactory builds a client from options. Tests swap it for a fake.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// Stats holds listener counters.
type Stats struct {
	Received int64
	Queued   int64
	Failed   int64
}

// Listener owns one broker connection and feeds the work queue.
type Listener struct {
	cfg         config.MQTTConfig
	queue       queue.Queue
	newClient   ClientFactory
	pushTimeout time.Duration

	state atomic.Int32
	lost  chan error

	mu     sync.Mutex
	client paho.Client
	cancel context.CancelFunc

	received atomic.Int64
	queued   atomic.Int64
	failed   atomic.Int64
}

// Option configures a Listener.
type Option func(*Listener)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(l *Listener) {
		if f != nil {
			l.newClient = f
		}
	}
}

// WithPushTimeout bounds each queue push made from the message callback.
func WithPushTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.pushTimeout = d
		}
	}
}

// NewListener validates cfg and builds a listener in the Disconnected state.
func NewListener(cfg config.MQTTConfig, q queue.Queue, opts ...Option) (*Listener, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt listener: broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt listener: topic is required")
	}
	if q == nil {
		return nil, errors.New("mqtt listener: nil queue")
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt listener: invalid qos %d", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "vitalpaw-" + uuid.NewString()
	}

	l := &Listener{
		cfg:         cfg,
		queue:       q,
		newClient:   paho.NewClient,
		pushTimeout: 2 * time.Second,
		lost:        make(chan error, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	metrics.MQTTState.Set(float64(StateDisconnected))
	return l, nil
}

// State is safe to call from any goroutine.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of the listener counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Received: l.received.Load(),
		Queued:   l.queued.Load(),
		Failed:   l.failed.Load(),
	}
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev == s {
		return
	}
	metrics.MQTTState.Set(float64(s))
	log := logger.WithComponent("mqtt")
	log.Info().
		Str("from", prev.String()).
		Str("to", s.String()).
		Str("broker", l.cfg.Broker).
		Msg("mqtt state changed")
}

// Start connects, subscribes and keeps the subscription alive until ctx is
// done or Stop is called. It returns ErrFaulted when reconnecting gives up.
func (l *Listener) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	log := logger.WithComponent("mqtt")

	for {
		if err := l.connectWithRetry(ctx); err != nil {
			if errors.Is(err, ErrFaulted) {
				l.setState(StateFaulted)
				log.Error().Err(err).Str("broker", l.cfg.Broker).Msg("mqtt listener faulted")
				return err
			}
			l.disconnect()
			return nil
		}

		select {
		case <-ctx.Done():
			l.disconnect()
			return nil
		case err := <-l.lost:
			log.Warn().Err(err).Str("broker", l.cfg.Broker).Msg("mqtt connection lost, reconnecting")
			l.dropClient()
			l.setState(StateDisconnected)
		}
	}
}

// Stop disconnects and makes Start return.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.disconnect()
}

func (l *Listener) connectWithRetry(ctx context.Context) error {
	rc := l.cfg.Reconnect

	eb := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		eb.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		eb.MaxInterval = rc.MaxInterval
	}
	if rc.Multiplier >= 1 {
		eb.Multiplier = rc.Multiplier
	}
	if rc.Jitter >= 0 && rc.Jitter <= 1 {
		eb.RandomizationFactor = rc.Jitter
	}
	eb.MaxElapsedTime = 0

	var policy backoff.BackOff = eb
	if rc.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(eb, uint64(rc.MaxAttempts-1))
	}

	attempt := 0
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		if attempt > 1 {
			metrics.MQTTReconnectAttempts.Inc()
		}
		return l.connectOnce()
	}
	notify := func(err error, wait time.Duration) {
		log := logger.WithComponent("mqtt")
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("mqtt connect failed")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrFaulted, attempt, err)
}

func (l *Listener) connectOnce() error {
	// A signal left over from a previous client is stale.
	select {
	case <-l.lost:
	default:
	}

	l.setState(StateConnecting)
	client := l.newClient(l.clientOptions())

	tok := client.Connect()
	if !tok.WaitTimeout(l.cfg.ConnectTimeout) {
		client.Disconnect(0)
		l.setState(StateDisconnected)
		return fmt.Errorf("connect to %s timed out after %s", l.cfg.Broker, l.cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("connect to %s: %w", l.cfg.Broker, err)
	}
	l.setState(StateConnected)

	sub := client.Subscribe(l.cfg.Topic, byte(l.cfg.QoS), l.handleMessage)
	if !sub.WaitTimeout(l.cfg.ConnectTimeout) {
		client.Disconnect(0)
		l.setState(StateDisconnected)
		return fmt.Errorf("subscribe %s timed out", l.cfg.Topic)
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(0)
		l.setState(StateDisconnected)
		return fmt.Errorf("subscribe %s: %w", l.cfg.Topic, err)
	}

	l.mu.Lock()
	l.client = client
	l.mu.Unlock()
	l.setState(StateSubscribed)
	return nil
}

func (l *Listener) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(l.cfg.Broker).
		SetClientID(l.cfg.ClientID).
		SetKeepAlive(l.cfg.KeepAlive).
		SetConnectTimeout(l.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true)
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case l.lost <- err:
		default:
		}
	})
	return opts
}

// handleMessage runs on the paho router goroutine; the broker ack for QoS 1
// is sent after it returns.
func (l *Listener) handleMessage(_ paho.Client, msg paho.Message) {
	l.received.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), l.pushTimeout)
	defer cancel()

	if err := l.queue.Push(ctx, string(msg.Payload())); err != nil {
		l.failed.Add(1)
		status := "failed"
		if errors.Is(err, queue.ErrQueueFull) {
			status = "shed"
		}
		metrics.IngestMessagesTotal.WithLabelValues(sourceName, status).Inc()

		log := logger.WithComponent("mqtt")
		log.Error().
			Err(err).
			Str("topic", msg.Topic()).
			Int("payload_size", len(msg.Payload())).
			Msg("failed to enqueue telemetry")
		return
	}

	l.queued.Add(1)
	metrics.IngestMessagesTotal.WithLabelValues(sourceName, "queued").Inc()
}

func (l *Listener) dropClient() {
	l.mu.Lock()
	l.client = nil
	l.mu.Unlock()
}

func (l *Listener) disconnect() {
	l.mu.Lock()
	client := l.client
	l.client = nil
	l.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	if l.State() != StateFaulted {
		l.setState(StateDisconnected)
	}
}

package alerts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"vitalpaw/internal/breaker"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/models"
	"vitalpaw/internal/push"
	"vitalpaw/internal/tokens"
)

// BodySeparator joins alerts into the notification body.
const BodySeparator = ", "

// Outcome of a dispatch, mostly for tests and logging.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeNoToken Outcome = "no_token"
	OutcomeFailed  Outcome = "failed"
	OutcomeEmpty   Outcome = "empty"
)

// Dispatcher delivers alerts for a pet to the device registered for it.
// Missed alerts are neither retried nor persisted.
type Dispatcher struct {
	tokens       tokens.Store
	sender       push.Sender
	breaker      *gobreaker.CircuitBreaker
	sendTimeout  time.Duration
	tokenTimeout time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSendTimeout bounds each push call.
func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.sendTimeout = d
		}
	}
}

// WithTokenTimeout bounds each token lookup.
func WithTokenTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.tokenTimeout = d
		}
	}
}

// WithBreaker configures the circuit breaker in front of the push service.
func WithBreaker(failures uint32, openFor time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.breaker = breaker.New(breaker.Settings{
			Name:     "push",
			Failures: failures,
			OpenFor:  openFor,
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, push.ErrEmptyToken)
			},
		})
	}
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(store tokens.Store, sender push.Sender, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("alert dispatcher: nil token store")
	}
	if sender == nil {
		return nil, errors.New("alert dispatcher: nil sender")
	}
	d := &Dispatcher{
		tokens:       store,
		sender:       sender,
		sendTimeout:  5 * time.Second,
		tokenTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		WithBreaker(0, 0)(d)
	}
	return d, nil
}

// Dispatch sends alerts for petID. Failures are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, petID string, alerts []string) Outcome {
	if len(alerts) == 0 {
		return OutcomeEmpty
	}
	log := logger.WithPet("dispatcher", petID)

	token, ok := d.lookupToken(ctx, petID)
	if !ok {
		log.Debug().Int("alerts", len(alerts)).Msg("no device token, alert dropped")
		metrics.DispatchTotal.WithLabelValues(string(OutcomeNoToken)).Inc()
		return OutcomeNoToken
	}

	n := models.Notification{
		Token: token,
		Title: models.AlertTitle,
		Body:  strings.Join(alerts, BodySeparator),
	}

	start := time.Now()
	_, err := d.breaker.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
		return nil, d.sender.Send(sendCtx, n)
	})
	duration := time.Since(start)
	metrics.DispatchDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Str("body", n.Body).
			Dur("duration", duration).
			Msg("failed to send health alert")
		metrics.DispatchTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return OutcomeFailed
	}

	log.Info().
		Str("body", n.Body).
		Dur("duration", duration).
		Msg("health alert sent")
	metrics.DispatchTotal.WithLabelValues(string(OutcomeSent)).Inc()
	return OutcomeSent
}

func (d *Dispatcher) lookupToken(ctx context.Context, petID string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, d.tokenTimeout)
	defer cancel()

	token, ok, err := d.tokens.Get(ctx, petID)
	if err != nil {
		log := logger.WithPet("dispatcher", petID)
		log.Warn().Err(err).Msg("device token lookup failed")
		return "", false
	}
	return token, ok
}

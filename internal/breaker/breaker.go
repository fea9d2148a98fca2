// Package breaker builds circuit breakers for the synchronous outbound calls made
// from the evaluation loop.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"

	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
)

// Settings for a named breaker. Zero values select the defaults.
type Settings struct {
	Name string
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// OpenFor is how long the breaker stays open before a trial request.
	OpenFor time.Duration
	// IsSuccessful classifies errors that must not count as failures.
	IsSuccessful func(err error) bool
}

// New returns a breaker that logs and exports its state transitions.
func New(s Settings) *gobreaker.CircuitBreaker {
	if s.Failures == 0 {
		s.Failures = 5
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}

	metrics.BreakerState.WithLabelValues(s.Name).Set(float64(gobreaker.StateClosed))

	failures := s.Failures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: s.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log := logger.WithComponent("breaker")
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

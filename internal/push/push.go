// Package push delivers token-addressed notifications to pet owners' devices.
package push

import (
	"context"
	"errors"

	"vitalpaw/internal/logger"
	"vitalpaw/internal/models"
)

var (
	ErrEmptyToken = errors.New("push: empty device token")
	ErrNoClient   = errors.New("push: messaging client not configured")
)

// Sender delivers a single notification.
type Sender interface {
	Send(ctx context.Context, n models.Notification) error
}

// LogSender writes notifications to the log instead of delivering them.
// It is selected when no push provider is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n models.Notification) error {
	if n.Token == "" {
		return ErrEmptyToken
	}
	log := logger.WithComponent("push")
	log.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Int("token_len", len(n.Token)).
		Msg("push notification (log provider)")
	return nil
}

package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"vitalpaw/internal/models"
)

// MessagingClient is the part of *messaging.Client used here.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender sends through Firebase Cloud Messaging.
type FCMSender struct {
	client MessagingClient
}

// NewFCMSender initializes a Firebase app for projectID. An empty
// credentialsFile falls back to application default credentials.
func NewFCMSender(ctx context.Context, projectID, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

// NewFCMSenderWithClient wraps an existing messaging client.
func NewFCMSenderWithClient(client MessagingClient) *FCMSender {
	return &FCMSender{client: client}
}

// Send delivers n. The message id returned by FCM is discarded.
func (s *FCMSender) Send(ctx context.Context, n models.Notification) error {
	if s == nil || s.client == nil {
		return ErrNoClient
	}
	if n.Token == "" {
		return ErrEmptyToken
	}

	_, err := s.client.Send(ctx, &messaging.Message{
		Token: n.Token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

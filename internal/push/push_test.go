package push

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"

	"vitalpaw/internal/models"
)

type recordingClient struct {
	messages []*messaging.Message
	err      error
}

func (c *recordingClient) Send(_ context.Context, m *messaging.Message) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.messages = append(c.messages, m)
	return "projects/test/messages/1", nil
}

func TestFCMSenderBuildsMessage(t *testing.T) {
	client := &recordingClient{}
	s := NewFCMSenderWithClient(client)

	err := s.Send(context.Background(), models.Notification{
		Token: "tok-1",
		Title: models.AlertTitle,
		Body:  "Abnormal heart rate: 140",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(client.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(client.messages))
	}

	m := client.messages[0]
	if m.Token != "tok-1" {
		t.Errorf("token = %q", m.Token)
	}
	if m.Notification == nil || m.Notification.Title != "Health Alert" || m.Notification.Body != "Abnormal heart rate: 140" {
		t.Errorf("unexpected notification %+v", m.Notification)
	}
}

func TestFCMSenderWrapsErrors(t *testing.T) {
	sendErr := errors.New("unavailable")
	s := NewFCMSenderWithClient(&recordingClient{err: sendErr})

	err := s.Send(context.Background(), models.Notification{Token: "tok"})
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestSendersRejectEmptyToken(t *testing.T) {
	senders := map[string]Sender{
		"fcm": NewFCMSenderWithClient(&recordingClient{}),
		"log": LogSender{},
	}
	for name, s := range senders {
		if err := s.Send(context.Background(), models.Notification{Title: "x"}); !errors.Is(err, ErrEmptyToken) {
			t.Errorf("%s: expected ErrEmptyToken, got %v", name, err)
		}
	}
}

func TestFCMSenderWithoutClient(t *testing.T) {
	var s *FCMSender
	if err := s.Send(context.Background(), models.Notification{Token: "tok"}); !errors.Is(err, ErrNoClient) {
		t.Fatalf("expected ErrNoClient, got %v", err)
	}
}

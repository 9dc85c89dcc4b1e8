package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// NotificationHandler applies a job notification. Errors wrapped with
// Permanent are acknowledged; all others are redelivered.
type NotificationHandler interface {
	HandleJobNotification(ctx context.Context, n Notification) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Subscriber struct {
	client  *pubsub.Client
	sub     *pubsub.Subscription
	handler NotificationHandler
}

func NewSubscriber(ctx context.Context, projectID, subscriptionID string, handler NotificationHandler, opts ...option.ClientOption) (*Subscriber, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	sub := client.Subscription(subscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = 16
	return &Subscriber{client: client, sub: sub, handler: handler}, nil
}

// Run blocks receiving notifications until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	slog.Info("transcoder: subscriber started", "subscription", s.sub.String())
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if s.process(ctx, m.Data) {
			m.Ack()
			return
		}
		m.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive notifications: %w", err)
	}
	return nil
}

func (s *Subscriber) Close() error {
	return s.client.Close()
}

// process returns true when the message should be acknowledged.
func (s *Subscriber) process(ctx context.Context, data []byte) bool {
	n, err := decodeNotification(data)
	if err != nil {
		slog.Warn("transcoder: dropping malformed notification", "error", err)
		return true
	}

	if err := s.handler.HandleJobNotification(ctx, n); err != nil {
		if IsPermanent(err) {
			slog.Warn("transcoder: notification rejected", "job", n.Job.Name, "state", n.Job.State, "error", err)
			return true
		}
		slog.Error("transcoder: notification failed, will retry", "job", n.Job.Name, "error", err)
		return false
	}
	return true
}

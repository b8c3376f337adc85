// Package channel holds the delivery transports for external notification
// channels. The in-app channel has no transport: the inbox row is the delivery.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"duewatch/internal/domain"
)

// Message is one rendered notification addressed to one user on one channel.
type Message struct {
	NotificationID string         `json:"notification_id"`
	Channel        domain.Channel `json:"channel"`
	UserID         string         `json:"user_id"`
	Title          string         `json:"title"`
	Body           string         `json:"message"`
	ActionURL      string         `json:"action_url,omitempty"`
}

// Transport sends a message on an external channel.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) error

func (f TransportFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Registry maps channels to their transport.
type Registry map[domain.Channel]Transport

// Lookup returns the transport registered for ch.
func (r Registry) Lookup(ch domain.Channel) (Transport, error) {
	t, ok := r[ch]
	if !ok || t == nil {
		return nil, Permanent(fmt.Errorf("no transport configured for channel %s", ch))
	}
	return t, nil
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// LogTransport writes messages to a logger. It stands in for channels with
// no real endpoint configured.
type LogTransport struct {
	Logger *slog.Logger
}

func (t LogTransport) Send(ctx context.Context, msg Message) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification sent",
		"channel", msg.Channel,
		"user", msg.UserID,
		"notification", msg.NotificationID,
		"title", msg.Title,
	)
	return nil
}

// Package notify sends rendered notifications to users.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	Body    string
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("message without recipient")
	}
	if strings.ContainsAny(m.To, "\r\n") || strings.ContainsAny(m.Subject, "\r\n") {
		return errors.New("header fields must not contain line breaks")
	}
	return nil
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Notification (log sender)",
		"to", msg.To,
		"subject", msg.Subject,
		"body_length", len(msg.Body))
	slog.DebugContext(ctx, "Notification body", "body", msg.Body)
	return nil
}

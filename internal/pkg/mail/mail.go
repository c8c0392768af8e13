package mail

import (
	"context"
	"io"
	"log/slog"
)

// Message is a provider-agnostic email.
type Message struct {
	// From overrides the sender configured on the provider.
	From     string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	TextBody string
	HTMLBody string
}

func (m Message) recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	return append(out, m.Bcc...)
}

// Mail abstracts an email provider.
type Mail interface {
	io.Closer
	Send(ctx context.Context, msg Message) error
}

// Log is a Mail that only logs. Used for local runs without an SMTP relay.
type Log struct{}

func NewLog() *Log { return &Log{} }

func (*Log) Send(ctx context.Context, msg Message) error {
	if len(msg.recipients()) == 0 {
		return ErrNoRecipients
	}
	slog.InfoContext(ctx, "mail: message logged instead of sent",
		"to", msg.To, "subject", msg.Subject, "text_bytes", len(msg.TextBody))
	return nil
}

func (*Log) Close() error { return nil }

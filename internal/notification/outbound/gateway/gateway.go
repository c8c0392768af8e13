// Package gateway sends rendered notifications to external providers and
// classifies their failures as transient or permanent.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/shandysiswandi/notifyd/internal/notification/dispatch"
	"github.com/shandysiswandi/notifyd/internal/pkg/mail"
	"github.com/shandysiswandi/notifyd/internal/pkg/validator"
)

// Dependency wires the channel providers. A nil provider makes its channel
// unsupported.
type Dependency struct {
	Mail      mail.Mail
	SMS       *SMS
	Validator validator.Validator
}

// Gateway routes each send to the provider of its channel.
type Gateway struct {
	mail      mail.Mail
	sms       *SMS
	validator validator.Validator
}

func New(dep Dependency) *Gateway {
	return &Gateway{mail: dep.Mail, sms: dep.SMS, validator: dep.Validator}
}

// Send returns nil, a *TransientError or a *PermanentError.
func (g *Gateway) Send(ctx context.Context, ch dispatch.Channel, recipient string, content dispatch.Content) error {
	switch {
	case ch == dispatch.ChannelEmail && g.mail != nil:
		return g.sendEmail(ctx, recipient, content)
	case ch == dispatch.ChannelSMS && g.sms != nil:
		return g.sendSMS(ctx, recipient, content)
	default:
		return Permanent(fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch))
	}
}

func (g *Gateway) checkRecipient(recipient, tag string) error {
	if g.validator == nil {
		return nil
	}
	if err := g.validator.Var(recipient, tag); err != nil {
		return Permanent(fmt.Errorf("%w %q: %w", ErrInvalidRecipient, recipient, err))
	}
	return nil
}

func (g *Gateway) sendEmail(ctx context.Context, recipient string, content dispatch.Content) error {
	if err := g.checkRecipient(recipient, "required,email"); err != nil {
		return err
	}

	err := g.mail.Send(ctx, mail.Message{
		To:       []string{recipient},
		Subject:  content.Subject,
		TextBody: content.Body,
	})
	if err == nil {
		return nil
	}
	return classifyMail(err)
}

// classifyMail maps SMTP replies: 5xx is permanent, 4xx and network
// failures are transient.
func classifyMail(err error) error {
	var tperr *textproto.Error
	if errors.As(err, &tperr) {
		if tperr.Code >= 500 {
			return Permanent(err)
		}
		return Transient(err)
	}

	if errors.Is(err, mail.ErrNoRecipients) || errors.Is(err, mail.ErrNoSender) {
		return Permanent(err)
	}
	return Transient(err)
}

func (g *Gateway) sendSMS(ctx context.Context, recipient string, content dispatch.Content) error {
	if err := g.checkRecipient(recipient, "required,e164"); err != nil {
		return err
	}
	return g.sms.Send(ctx, recipient, content.Body)
}

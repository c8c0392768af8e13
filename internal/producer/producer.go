// Package producer publishes hand-built notification events so a running
// worker can be exercised end to end. Each command builds one or more events,
// encodes them with the envelope codec and publishes them keyed by event id.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/shandysiswandi/notifyd/internal/pkg/messaging"
	"github.com/shandysiswandi/notifyd/internal/pkg/validator"
	"github.com/shandysiswandi/notifyd/internal/shared/event"
)

// Command names accepted by Run.
const (
	CommandNewUser       = "new-user"
	CommandPasswordReset = "password-reset"
	CommandPurchaseSlot  = "purchase-slot"
	CommandAll           = "all"
)

// Defaults used when Options leaves a field empty.
const (
	DefaultNewUserEmail       = "test@example.com"
	DefaultPasswordResetEmail = "forgot@example.com"
	DefaultPurchaseEmail      = "buyer@example.com"
	DefaultUserName           = "홍길동"
	DefaultProductName        = "한정판 스니커즈"
	DefaultTimeout            = 10 * time.Second
)

// ErrUnknownCommand is returned by Run for names not in Commands.
var ErrUnknownCommand = errors.New("producer: unknown command")

// Options are the per-command inputs. Empty fields take the defaults above.
type Options struct {
	Email       string
	UserName    string
	ProductName string
}

type Dependency struct {
	Publisher messaging.Publisher
	Codec     *event.Codec
	Factory   *event.Factory
	Validator validator.Validator
	// Topic defaults to event.TopicRequests.
	Topic string
	// Timeout bounds each publish; DefaultTimeout when zero.
	Timeout time.Duration
	// Out receives one report per published event; nil discards it.
	Out io.Writer
}

// Sent is a published event together with what the broker reported.
type Sent struct {
	Event  event.Event
	Result messaging.PublishResult
}

type Producer struct {
	publisher messaging.Publisher
	codec     *event.Codec
	factory   *event.Factory
	validator validator.Validator
	topic     string
	timeout   time.Duration
	out       io.Writer
}

type command func(ctx context.Context, p *Producer, opts Options) ([]Sent, error)

var commands = map[string]command{
	CommandNewUser: func(ctx context.Context, p *Producer, opts Options) ([]Sent, error) {
		return one(p.NewUserRegistered(ctx, opts.Email, opts.UserName))
	},
	CommandPasswordReset: func(ctx context.Context, p *Producer, opts Options) ([]Sent, error) {
		return one(p.PasswordResetRequested(ctx, opts.Email))
	},
	CommandPurchaseSlot: func(ctx context.Context, p *Producer, opts Options) ([]Sent, error) {
		return one(p.PurchaseSlotAcquired(ctx, opts.Email, opts.ProductName))
	},
	CommandAll: func(ctx context.Context, p *Producer, _ Options) ([]Sent, error) {
		return p.All(ctx)
	},
}

func one(s Sent, err error) ([]Sent, error) {
	if err != nil {
		return nil, err
	}
	return []Sent{s}, nil
}

// Commands lists the accepted command names, sorted.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func New(dep Dependency) (*Producer, error) {
	if dep.Publisher == nil {
		return nil, errors.New("producer: publisher is required")
	}

	p := &Producer{
		publisher: dep.Publisher,
		codec:     dep.Codec,
		factory:   dep.Factory,
		validator: dep.Validator,
		topic:     dep.Topic,
		timeout:   dep.Timeout,
		out:       dep.Out,
	}
	if p.codec == nil {
		codec, err := event.NewCodec()
		if err != nil {
			return nil, err
		}
		p.codec = codec
	}
	if p.factory == nil {
		p.factory = event.NewFactory()
	}
	if p.topic == "" {
		p.topic = event.TopicRequests
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.out == nil {
		p.out = io.Discard
	}
	return p, nil
}

// Run executes the named command.
func (p *Producer) Run(ctx context.Context, name string, opts Options) ([]Sent, error) {
	cmd, ok := commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd(ctx, p, opts)
}

func (p *Producer) NewUserRegistered(ctx context.Context, email, userName string) (Sent, error) {
	email = or(email, DefaultNewUserEmail)
	if err := p.checkEmail(email); err != nil {
		return Sent{}, err
	}
	e := p.factory.NewUserRegistered(email, or(userName, DefaultUserName))
	return p.send(ctx, e, "User: "+e.UserName+" ("+e.Email+")")
}

func (p *Producer) PasswordResetRequested(ctx context.Context, email string) (Sent, error) {
	email = or(email, DefaultPasswordResetEmail)
	if err := p.checkEmail(email); err != nil {
		return Sent{}, err
	}
	e := p.factory.NewPasswordResetRequested(email)
	return p.send(ctx, e, "Email: "+e.Email)
}

func (p *Producer) PurchaseSlotAcquired(ctx context.Context, email, productName string) (Sent, error) {
	email = or(email, DefaultPurchaseEmail)
	if err := p.checkEmail(email); err != nil {
		return Sent{}, err
	}
	e := p.factory.NewPurchaseSlotAcquired(email, or(productName, DefaultProductName))
	return p.send(ctx, e, "Product: "+e.ProductName, "Email: "+e.Email)
}

// All publishes one event of every type with default inputs, in order. It
// stops at the first failure and returns what was already sent.
func (p *Producer) All(ctx context.Context) ([]Sent, error) {
	steps := []func(context.Context) (Sent, error){
		func(ctx context.Context) (Sent, error) { return p.NewUserRegistered(ctx, "", "") },
		func(ctx context.Context) (Sent, error) { return p.PasswordResetRequested(ctx, "") },
		func(ctx context.Context) (Sent, error) { return p.PurchaseSlotAcquired(ctx, "", "") },
	}

	sent := make([]Sent, 0, len(steps))
	for _, step := range steps {
		s, err := step(ctx)
		if err != nil {
			return sent, err
		}
		sent = append(sent, s)
	}
	return sent, nil
}

func (p *Producer) checkEmail(email string) error {
	if p.validator == nil {
		return nil
	}
	if err := p.validator.Var(email, "required,email"); err != nil {
		return fmt.Errorf("producer: invalid email %q: %w", email, err)
	}
	return nil
}

func (p *Producer) send(ctx context.Context, e event.Event, details ...string) (Sent, error) {
	body, err := p.codec.Encode(e)
	if err != nil {
		return Sent{}, fmt.Errorf("producer: encode %s: %w", e.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.publisher.Publish(ctx, p.topic, messaging.OutgoingMessage{
		Body: body,
		Key:  []byte(e.ID),
	})
	if err != nil {
		return Sent{}, fmt.Errorf("producer: publish %s: %w", e.Type, err)
	}

	p.report(e, res, details)
	return Sent{Event: e, Result: res}, nil
}

func (p *Producer) report(e event.Event, res messaging.PublishResult, details []string) {
	_, _ = fmt.Fprintf(p.out, "published %s\n", e.Type)
	_, _ = fmt.Fprintf(p.out, "  Event ID: %s\n", e.ID)
	for _, d := range details {
		_, _ = fmt.Fprintf(p.out, "  %s\n", d)
	}
	topic := or(res.Topic, p.topic)
	_, _ = fmt.Fprintf(p.out, "  Topic: %s, Partition: %d, Offset: %d\n\n", topic, res.Partition, res.Offset)
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

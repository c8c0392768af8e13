package producer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
	"github.com/shandysiswandi/notifyd/internal/pkg/messaging"
	"github.com/shandysiswandi/notifyd/internal/pkg/uid"
	"github.com/shandysiswandi/notifyd/internal/pkg/validator"
	"github.com/shandysiswandi/notifyd/internal/shared/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, messaging.OutgoingMessage) (messaging.PublishResult, error) {
	return messaging.PublishResult{}, errors.New("broker down")
}

type deadlinePublisher struct {
	deadline time.Time
}

func (d *deadlinePublisher) Publish(ctx context.Context, topic string, _ messaging.OutgoingMessage) (messaging.PublishResult, error) {
	d.deadline, _ = ctx.Deadline()
	return messaging.PublishResult{Topic: topic, Partition: 2, Offset: 41}, nil
}

func newProducer(t *testing.T, pub messaging.Publisher, out io.Writer) *Producer {
	t.Helper()

	v, err := validator.NewV10Validator()
	require.NoError(t, err)

	p, err := New(Dependency{
		Publisher: pub,
		Factory: &event.Factory{
			IDs:   uid.NewUUID(),
			Clock: clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		},
		Validator: v,
		Out:       out,
	})
	require.NoError(t, err)
	return p
}

func decodeAll(t *testing.T, msgs []messaging.OutgoingMessage) []event.Event {
	t.Helper()

	codec, err := event.NewCodec()
	require.NoError(t, err)

	events := make([]event.Event, 0, len(msgs))
	for _, m := range msgs {
		e, err := codec.Decode(m.Body)
		require.NoError(t, err)
		assert.Equal(t, e.ID, string(m.Key))
		events = append(events, e)
	}
	return events
}

func TestRun_Commands(t *testing.T) {
	tests := []struct {
		name    string
		command string
		opts    Options
		check   func(t *testing.T, e event.Event)
	}{
		{
			name:    "new user with defaults",
			command: CommandNewUser,
			check: func(t *testing.T, e event.Event) {
				assert.Equal(t, event.NewUserRegistered, e.Type)
				assert.Equal(t, DefaultNewUserEmail, e.Email)
				assert.Equal(t, "홍길동", e.UserName)
			},
		},
		{
			name:    "new user with options",
			command: CommandNewUser,
			opts:    Options{Email: "ana@example.com", UserName: "Ana"},
			check: func(t *testing.T, e event.Event) {
				assert.Equal(t, "ana@example.com", e.Email)
				assert.Equal(t, "Ana", e.UserName)
			},
		},
		{
			name:    "password reset",
			command: CommandPasswordReset,
			check: func(t *testing.T, e event.Event) {
				assert.Equal(t, event.PasswordResetRequested, e.Type)
				assert.Equal(t, DefaultPasswordResetEmail, e.Email)
				assert.NotEmpty(t, e.ResetToken)
				assert.True(t, e.OccurredAt.Add(event.ResetTokenTTL).Equal(e.ExpiresAt))
			},
		},
		{
			name:    "purchase slot with defaults",
			command: CommandPurchaseSlot,
			check: func(t *testing.T, e event.Event) {
				assert.Equal(t, "한정판 스니커즈", e.ProductName)
			},
		},
		{
			name:    "purchase slot",
			command: CommandPurchaseSlot,
			opts:    Options{ProductName: "Tickets"},
			check: func(t *testing.T, e event.Event) {
				assert.Equal(t, event.PurchaseSlotAcquired, e.Type)
				assert.Equal(t, DefaultPurchaseEmail, e.Email)
				assert.Equal(t, "Tickets", e.ProductName)
				assert.True(t, e.OccurredAt.Add(event.PurchaseSlotTTL).Equal(e.ExpiresAt))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := messaging.NewMemory()
			var out bytes.Buffer
			p := newProducer(t, broker, &out)

			sent, err := p.Run(context.Background(), tt.command, tt.opts)
			require.NoError(t, err)
			require.Len(t, sent, 1)

			events := decodeAll(t, broker.Messages(event.TopicRequests))
			require.Len(t, events, 1)
			assert.Equal(t, sent[0].Event.ID, events[0].ID)
			tt.check(t, events[0])

			assert.Contains(t, out.String(), "Event ID: "+sent[0].Event.ID)
			assert.Contains(t, out.String(), "Topic: "+event.TopicRequests)
		})
	}
}

func TestRun_All(t *testing.T) {
	broker := messaging.NewMemory()
	p := newProducer(t, broker, nil)

	sent, err := p.Run(context.Background(), CommandAll, Options{Email: "ignored@example.com"})
	require.NoError(t, err)
	require.Len(t, sent, 3)

	events := decodeAll(t, broker.Messages(event.TopicRequests))
	require.Len(t, events, 3)
	assert.Equal(t, event.NewUserRegistered, events[0].Type)
	assert.Equal(t, event.PasswordResetRequested, events[1].Type)
	assert.Equal(t, event.PurchaseSlotAcquired, events[2].Type)
	assert.Equal(t, DefaultNewUserEmail, events[0].Email)
}

func TestRun_UnknownCommand(t *testing.T) {
	p := newProducer(t, messaging.NewMemory(), nil)

	_, err := p.Run(context.Background(), "menu", Options{})
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRun_InvalidEmail(t *testing.T) {
	broker := messaging.NewMemory()
	p := newProducer(t, broker, nil)

	_, err := p.Run(context.Background(), CommandPasswordReset, Options{Email: "not-an-email"})
	require.Error(t, err)
	assert.Empty(t, broker.Messages(event.TopicRequests))
}

func TestRun_PublishError(t *testing.T) {
	p := newProducer(t, failingPublisher{}, nil)

	sent, err := p.Run(context.Background(), CommandAll, Options{})
	require.ErrorContains(t, err, "broker down")
	assert.Empty(t, sent)
}

func TestSend_ReportsBrokerPosition(t *testing.T) {
	pub := &deadlinePublisher{}
	var out bytes.Buffer
	p := newProducer(t, pub, &out)

	before := time.Now()
	_, err := p.NewUserRegistered(context.Background(), "", "")
	require.NoError(t, err)

	assert.WithinDuration(t, before.Add(DefaultTimeout), pub.deadline, time.Second)
	assert.Contains(t, out.String(), "Partition: 2, Offset: 41")
}

func TestNew_RequiresPublisher(t *testing.T) {
	_, err := New(Dependency{})
	require.Error(t, err)
}

func TestCommands(t *testing.T) {
	assert.Equal(t, []string{CommandAll, CommandNewUser, CommandPasswordReset, CommandPurchaseSlot}, Commands())
}

package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shandysiswandi/notifyd/internal/shared/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqID struct{ n atomic.Uint64 }

func (s *seqID) Generate() uint64 { return s.n.Add(1) }

func newDefaultRouter(t *testing.T) *Router {
	t.Helper()

	r, err := NewRouter(&seqID{}, DefaultTable())
	require.NoError(t, err)
	return r
}

func TestRoute_PurchaseSlotAcquired(t *testing.T) {
	r := newDefaultRouter(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e := event.Event{
		ID:          "evt-1",
		Type:        event.PurchaseSlotAcquired,
		OccurredAt:  now,
		UserID:      "user-1",
		Email:       "buyer@example.com",
		SlotID:      "slot-1",
		ProductID:   "prod-1",
		ProductName: "한정판 스니커즈",
		ExpiresAt:   now.Add(30 * time.Minute),
	}

	tasks := r.Route(context.Background(), e)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, uint64(1), task.ID)
	assert.Equal(t, ChannelEmail, task.Channel)
	assert.Equal(t, "buyer@example.com", task.Recipient)
	assert.Equal(t, "evt-1", task.EventID)
	assert.Equal(t, event.PurchaseSlotAcquired, task.EventType)
	assert.Zero(t, task.Attempts)
	assert.Contains(t, task.Content.Subject, "한정판 스니커즈")
	assert.Contains(t, task.Content.Body, "slot-1")
	assert.Contains(t, task.Content.Body, "2026-03-01 09:30 UTC")
}

func TestRoute_EveryKnownTypeHasOneEmail(t *testing.T) {
	r := newDefaultRouter(t)

	for _, typ := range event.Types() {
		tasks := r.Route(context.Background(), event.Event{ID: "evt", Type: typ, Email: "a@example.com"})
		require.Len(t, tasks, 1, typ)
		assert.Equal(t, ChannelEmail, tasks[0].Channel, typ)
	}
}

func TestRoute_Deterministic(t *testing.T) {
	r := newDefaultRouter(t)
	e := event.Event{ID: "evt", Type: event.NewUserRegistered, Email: "a@example.com", UserName: "홍길동"}

	first := r.Route(context.Background(), e)
	second := r.Route(context.Background(), e)
	require.Len(t, second, len(first))
	for i := range first {
		first[i].ID, second[i].ID = 0, 0
	}
	assert.Equal(t, first, second)
}

func TestRoute_UnknownType(t *testing.T) {
	r := newDefaultRouter(t)

	tasks := r.Route(context.Background(), event.Event{ID: "evt", Type: "ORDER_SHIPPED"})
	assert.Empty(t, tasks)
}

func TestNewRouter_MultipleChannelsKeepOrder(t *testing.T) {
	table := []byte(`
routes:
  PASSWORD_RESET_REQUESTED:
    - channel: sms
      recipient: "+82-{{.UserID}}"
      body: "token {{upper .ResetToken}}"
    - channel: email
      subject: "reset"
      body: "token {{.ResetToken}}"
`)
	r, err := NewRouter(&seqID{}, table)
	require.NoError(t, err)

	tasks := r.Route(context.Background(), event.Event{
		ID: "evt", Type: event.PasswordResetRequested, UserID: "u1", Email: "a@example.com", ResetToken: "abc",
	})
	require.Len(t, tasks, 2)
	assert.Equal(t, ChannelSMS, tasks[0].Channel)
	assert.Equal(t, "+82-u1", tasks[0].Recipient)
	assert.Equal(t, "token ABC", tasks[0].Content.Body)
	assert.Equal(t, ChannelEmail, tasks[1].Channel)
	assert.Equal(t, "a@example.com", tasks[1].Recipient)
	assert.Less(t, tasks[0].ID, tasks[1].ID)

	assert.Empty(t, r.Route(context.Background(), event.Event{ID: "evt", Type: event.NewUserRegistered}))
}

func TestRoute_RenderFailureKeepsTask(t *testing.T) {
	table := []byte(`
routes:
  NEW_USER_REGISTERED:
    - channel: email
      subject: "welcome"
      body: "initial {{index .UserName 3}}"
    - channel: push
      recipient: "{{.UserID}}"
      body: "welcome"
`)
	r, err := NewRouter(&seqID{}, table)
	require.NoError(t, err)

	tasks := r.Route(context.Background(), event.Event{
		ID: "evt", Type: event.NewUserRegistered, UserID: "u1", Email: "al@example.com", UserName: "Al",
	})
	require.Len(t, tasks, 2)

	assert.Equal(t, ChannelEmail, tasks[0].Channel)
	assert.Equal(t, "evt", tasks[0].EventID)
	require.Error(t, tasks[0].RenderErr)
	assert.Contains(t, tasks[0].RenderErr.Error(), "body")
	assert.Empty(t, tasks[0].Content.Body)

	assert.NoError(t, tasks[1].RenderErr)
	assert.Equal(t, "u1", tasks[1].Recipient)
}

func TestNewRouter_InvalidTable(t *testing.T) {
	tests := []struct {
		name  string
		table string
	}{
		{name: "not yaml", table: "routes: [unclosed"},
		{name: "unknown type", table: "routes:\n  ORDER_SHIPPED:\n    - channel: email\n      body: x\n"},
		{name: "unknown channel", table: "routes:\n  NEW_USER_REGISTERED:\n    - channel: fax\n      body: x\n"},
		{name: "sms without recipient", table: "routes:\n  NEW_USER_REGISTERED:\n    - channel: sms\n      body: x\n"},
		{name: "empty body", table: "routes:\n  NEW_USER_REGISTERED:\n    - channel: email\n      body: \" \"\n"},
		{name: "bad template", table: "routes:\n  NEW_USER_REGISTERED:\n    - channel: email\n      body: \"{{.UserName\"\n"},
		{name: "unknown field", table: "routes:\n  NEW_USER_REGISTERED:\n    - channel: email\n      body: \"{{.Phone}}\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(&seqID{}, []byte(tt.table))
			assert.ErrorIs(t, err, ErrInvalidTable)
		})
	}
}

func TestChannelValid(t *testing.T) {
	assert.True(t, ChannelPush.Valid())
	assert.False(t, Channel("fax").Valid())
}

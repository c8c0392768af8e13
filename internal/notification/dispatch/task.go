// Package dispatch turns decoded events into delivery tasks using a routing
// table of event type to channel templates.
package dispatch

import "github.com/shandysiswandi/notifyd/internal/shared/event"

// Channel is the medium a task is delivered through.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	default:
		return false
	}
}

func (c Channel) String() string {
	return string(c)
}

// Content is the rendered message of a task.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Task is one delivery derived from an event. Once submitted it belongs to
// the delivery pool, which is the only writer of Attempts.
type Task struct {
	ID        uint64     `json:"id"`
	EventID   string     `json:"eventId"`
	EventType event.Type `json:"eventType"`
	Channel   Channel    `json:"channel"`
	Recipient string     `json:"recipient"`
	Content   Content    `json:"content"`
	Attempts  int        `json:"attempts"`
	// RenderErr is set when the route templates failed for the event. Such a
	// task has no content and must not be sent.
	RenderErr error `json:"-"`
}

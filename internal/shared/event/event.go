// Package event defines the notification request envelope shared by the
// producer and the notifyd consumer, together with its JSON codec.
package event

import (
	"slices"
	"time"
)

// Topics used by notifyd.
const (
	TopicRequests   = "notification.requests"
	TopicDeadLetter = "notification.requests.dlq"
)

// Type is the eventType discriminator of an envelope.
type Type string

const (
	NewUserRegistered      Type = "NEW_USER_REGISTERED"
	PasswordResetRequested Type = "PASSWORD_RESET_REQUESTED"
	PurchaseSlotAcquired   Type = "PURCHASE_SLOT_ACQUIRED"
)

var knownTypes = []Type{NewUserRegistered, PasswordResetRequested, PurchaseSlotAcquired}

// Types returns every event type this build understands.
func Types() []Type {
	return slices.Clone(knownTypes)
}

// Known reports whether t is one of the supported event types.
func (t Type) Known() bool {
	return slices.Contains(knownTypes, t)
}

func (t Type) String() string {
	return string(t)
}

// Event is a decoded notification request. Fields that do not apply to the
// event type are left zero and are omitted on the wire.
type Event struct {
	ID         string    `json:"eventId"`
	Type       Type      `json:"eventType"`
	OccurredAt time.Time `json:"occurredAt,omitzero"`
	UserID     string    `json:"userId,omitempty"`
	Email      string    `json:"email,omitempty"`

	// NEW_USER_REGISTERED
	UserName string `json:"userName,omitempty"`

	// PASSWORD_RESET_REQUESTED
	ResetToken string `json:"resetToken,omitempty"`

	// PURCHASE_SLOT_ACQUIRED
	SlotID      string `json:"slotId,omitempty"`
	ProductID   string `json:"productId,omitempty"`
	ProductName string `json:"productName,omitempty"`

	// PASSWORD_RESET_REQUESTED and PURCHASE_SLOT_ACQUIRED
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// normalize returns e with every timestamp in UTC and without a monotonic
// clock reading, so decoded and constructed events compare equal.
func (e Event) normalize() Event {
	if !e.OccurredAt.IsZero() {
		e.OccurredAt = e.OccurredAt.UTC()
	}
	if !e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.ExpiresAt.UTC()
	}
	return e
}

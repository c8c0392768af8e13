package event

import (
	"time"

	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
	"github.com/shandysiswandi/notifyd/internal/pkg/uid"
)

// Default lifetimes of the tokens carried by generated events.
const (
	ResetTokenTTL   = time.Hour
	PurchaseSlotTTL = 30 * time.Minute
)

// Factory builds new events with generated identifiers.
type Factory struct {
	IDs   uid.StringID
	Clock clock.Clocker
}

// NewFactory returns a Factory using UUIDs and the system clock.
func NewFactory() *Factory {
	return &Factory{IDs: uid.NewUUID(), Clock: clock.New()}
}

func (f *Factory) base(t Type, email string) Event {
	return Event{
		ID:         "evt-" + f.IDs.Generate(),
		Type:       t,
		OccurredAt: f.Clock.Now().UTC(),
		UserID:     "user-" + f.IDs.Generate(),
		Email:      email,
	}
}

func (f *Factory) NewUserRegistered(email, userName string) Event {
	e := f.base(NewUserRegistered, email)
	e.UserName = userName
	return e.normalize()
}

func (f *Factory) NewPasswordResetRequested(email string) Event {
	e := f.base(PasswordResetRequested, email)
	e.ResetToken = "reset-token-" + f.IDs.Generate()
	e.ExpiresAt = e.OccurredAt.Add(ResetTokenTTL)
	return e.normalize()
}

func (f *Factory) NewPurchaseSlotAcquired(email, productName string) Event {
	e := f.base(PurchaseSlotAcquired, email)
	e.SlotID = "slot-" + f.IDs.Generate()
	e.ProductID = "prod-" + f.IDs.Generate()
	e.ProductName = productName
	e.ExpiresAt = e.OccurredAt.Add(PurchaseSlotTTL)
	return e.normalize()
}

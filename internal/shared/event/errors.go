package event

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaViolation marks any payload that does not satisfy its schema.
	ErrSchemaViolation = errors.New("event: schema violation")
	// ErrUnknownEventType marks an otherwise well formed envelope whose
	// eventType this build does not recognise.
	ErrUnknownEventType = errors.New("event: unknown event type")
)

// SchemaViolation describes a rejected payload. EventID and EventType are
// filled whenever the envelope got far enough to carry them.
type SchemaViolation struct {
	EventID   string
	EventType Type
	Err       error
}

func (v *SchemaViolation) Error() string {
	if v.EventID == "" {
		return fmt.Sprintf("%s: %v", ErrSchemaViolation, v.Err)
	}
	return fmt.Sprintf("%s: event %s (%s): %v", ErrSchemaViolation, v.EventID, v.EventType, v.Err)
}

func (v *SchemaViolation) Unwrap() []error {
	return []error{ErrSchemaViolation, v.Err}
}

func violation(id string, typ Type, err error) *SchemaViolation {
	return &SchemaViolation{EventID: id, EventType: typ, Err: err}
}

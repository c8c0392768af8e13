package uid

import "github.com/google/uuid"

// UUID generates RFC 9562 UUID strings, optionally with a fixed prefix.
type UUID struct {
	prefix string
}

// NewUUID returns a UUID generator.
func NewUUID() *UUID {
	return &UUID{}
}

// NewPrefixedUUID returns a generator producing "<prefix><uuid>" values, e.g.
// "evt-" for event ids.
func NewPrefixedUUID(prefix string) *UUID {
	return &UUID{prefix: prefix}
}

// Generate returns a new time-ordered UUID (v7), falling back to v4.
func (u *UUID) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return u.prefix + uuid.NewString()
	}
	return u.prefix + id.String()
}

// Package uid generates identifiers: UUIDs for events and correlation ids,
// snowflake numbers for dispatch tasks.
package uid

// StringID generates string identifiers.
type StringID interface {
	Generate() string
}

// NumberID generates time-ordered numeric identifiers.
type NumberID interface {
	Generate() uint64
}

// Package idempotency records which keys have been processed so a redelivered
// message is recognised and skipped.
//
// Every key moves through PENDING to exactly one terminal status, DONE or
// FAILED. The first terminal write wins; later marks are no-ops. A PENDING
// entry older than the lease belongs to a crashed owner and may be acquired
// again.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
)

var (
	// ErrEmptyKey is returned for blank keys.
	ErrEmptyKey = errors.New("idempotency: key is required")
	// ErrNotFound is returned by Get for keys never seen.
	ErrNotFound = errors.New("idempotency: entry not found")
	// ErrInvalidState is returned when a stored entry cannot be interpreted.
	ErrInvalidState = errors.New("idempotency: invalid stored state")
)

// Status is the stored state of a key.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

func parseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusDone, StatusFailed:
		return Status(s), nil
	default:
		return "", ErrInvalidState
	}
}

// Decision is the outcome of TryAcquire.
type Decision int

const (
	// Granted means the caller now owns the key and must mark it terminal.
	Granted Decision = iota + 1
	// AlreadyInFlight means another owner holds an unexpired lease.
	AlreadyInFlight
	// AlreadyDone means the key reached DONE or FAILED earlier.
	AlreadyDone
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case AlreadyInFlight:
		return "already_in_flight"
	case AlreadyDone:
		return "already_done"
	default:
		return "unknown"
	}
}

// Entry is the stored record of a key.
type Entry struct {
	Key           string    `json:"key"`
	Status        Status    `json:"status"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Reason        string    `json:"reason,omitempty"`
}

// Ledger is the idempotency store. Implementations are safe for concurrent
// use and TryAcquire is linearizable per key: of any number of concurrent
// callers on a fresh key exactly one is Granted.
type Ledger interface {
	TryAcquire(ctx context.Context, key string) (Decision, error)
	MarkDone(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key, reason string) error
	Get(ctx context.Context, key string) (Entry, error)
}

const (
	// DefaultLease bounds how long a PENDING entry blocks other owners.
	DefaultLease = 5 * time.Minute
	// DefaultRetention keeps terminal entries for stores with expiry support.
	DefaultRetention = 7 * 24 * time.Hour
)

// Options tunes a ledger backend.
type Options struct {
	// Lease is how long a PENDING entry is honoured.
	Lease time.Duration
	// Retention expires terminal entries on stores that support TTLs
	// (redis, couchbase). Zero keeps them forever.
	Retention time.Duration
	Clock     clock.Clocker
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.Retention < 0 {
		o.Retention = 0
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

// leaseExpired reports whether a PENDING entry stamped at can be re-acquired.
func leaseExpired(at, now time.Time, lease time.Duration) bool {
	return !now.Before(at.Add(lease))
}

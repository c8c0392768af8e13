package idempotency

import (
	"context"
	"sync"
)

// Memory is a process-local Ledger. It does not survive restarts.
type Memory struct {
	opts Options

	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory returns an empty in-memory ledger.
func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), entries: map[string]Entry{}}
}

func (m *Memory) TryAcquire(ctx context.Context, key string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validKey(key); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Clock.Now().UTC()
	e, ok := m.entries[key]
	switch {
	case !ok:
		m.entries[key] = Entry{Key: key, Status: StatusPending, LastAttemptAt: now}
		return Granted, nil
	case e.Status.Terminal():
		return AlreadyDone, nil
	case leaseExpired(e.LastAttemptAt, now, m.opts.Lease):
		e.LastAttemptAt = now
		m.entries[key] = e
		return Granted, nil
	default:
		return AlreadyInFlight, nil
	}
}

func (m *Memory) MarkDone(ctx context.Context, key string) error {
	return m.mark(ctx, key, StatusDone, "")
}

func (m *Memory) MarkFailed(ctx context.Context, key, reason string) error {
	return m.mark(ctx, key, StatusFailed, reason)
}

func (m *Memory) mark(ctx context.Context, key string, status Status, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && e.Status.Terminal() {
		return nil
	}
	m.entries[key] = Entry{Key: key, Status: status, LastAttemptAt: m.opts.Clock.Now().UTC(), Reason: reason}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

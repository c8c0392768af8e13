package messaging

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process broker for local runs and tests. Each topic keeps
// an append-only log; every consumer group reads it with its own cursor.
// Nacked messages are redelivered to the same group.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{topics: map[string]*memoryTopic{}}
}

// Close stops accepting publishes and wakes blocked consumers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		t.wake()
	}
	return nil
}

// Publish appends msg to the topic log.
func (m *Memory) Publish(ctx context.Context, destination string, msg OutgoingMessage) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	if destination == "" {
		return PublishResult{}, ErrDestinationRequired
	}

	t, err := m.topic(destination)
	if err != nil {
		return PublishResult{}, err
	}

	now := time.Now().UTC()
	offset := t.append(memoryRecord{msg: msg, at: now})

	return PublishResult{
		MessageID: destination + "/" + strconv.FormatInt(offset, 10),
		Topic:     destination,
		Offset:    offset,
		Timestamp: now,
	}, nil
}

// Consume delivers the topic log to handler until ctx is done.
func (m *Memory) Consume(ctx context.Context, source string, handler Handler, opts ...ConsumeOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if source == "" {
		return ErrDestinationRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}

	t, err := m.topic(source)
	if err != nil {
		return err
	}

	co := newConsumeOptions(opts...)

	var wg sync.WaitGroup
	for range co.concurrency {
		wg.Go(func() {
			for {
				idx, err := t.next(ctx, co.group, m.isClosed)
				if err != nil {
					return
				}
				msg := &memoryMessage{topic: t, group: co.group, idx: idx, rec: t.record(idx)}
				if err := handle(ctx, "memory", msg, handler, co.autoAck); err != nil {
					return
				}
			}
		})
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return io.ErrClosedPipe
}

// Acked reports how many messages group acknowledged on topic.
func (m *Memory) Acked(topic, group string) int {
	t, err := m.topic(topic)
	if err != nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked[group]
}

// Messages returns a copy of everything published to topic.
func (m *Memory) Messages(topic string) []OutgoingMessage {
	t, err := m.topic(topic)
	if err != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OutgoingMessage, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.msg)
	}
	return out
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) topic(name string) (*memoryTopic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, io.ErrClosedPipe
	}
	t, ok := m.topics[name]
	if !ok {
		t = &memoryTopic{
			name:    name,
			cursors: map[string]int{},
			retry:   map[string][]int{},
			acked:   map[string]int{},
			notify:  make(chan struct{}),
		}
		m.topics[name] = t
	}
	return t, nil
}

var errMemoryClosed = errors.New("messaging: memory broker closed")

type memoryRecord struct {
	msg OutgoingMessage
	at  time.Time
}

type memoryTopic struct {
	name string

	mu      sync.Mutex
	records []memoryRecord
	cursors map[string]int
	retry   map[string][]int
	acked   map[string]int
	notify  chan struct{}
}

func (t *memoryTopic) append(r memoryRecord) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
	t.wakeLocked()
	return int64(len(t.records) - 1)
}

func (t *memoryTopic) record(idx int) memoryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[idx]
}

func (t *memoryTopic) next(ctx context.Context, group string, closed func() bool) (int, error) {
	for {
		if closed() {
			return 0, errMemoryClosed
		}

		t.mu.Lock()
		if q := t.retry[group]; len(q) > 0 {
			t.retry[group] = q[1:]
			t.mu.Unlock()
			return q[0], nil
		}
		if c := t.cursors[group]; c < len(t.records) {
			t.cursors[group] = c + 1
			t.mu.Unlock()
			return c, nil
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (t *memoryTopic) wake() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wakeLocked()
}

func (t *memoryTopic) wakeLocked() {
	close(t.notify)
	t.notify = make(chan struct{})
}

type memoryMessage struct {
	responder
	topic *memoryTopic
	group string
	idx   int
	rec   memoryRecord
}

func (m *memoryMessage) Body() []byte      { return m.rec.msg.Body }
func (m *memoryMessage) Key() []byte       { return m.rec.msg.Key }
func (m *memoryMessage) Headers() []Header { return m.rec.msg.Headers }

func (m *memoryMessage) Header(key string) string { return HeaderValue(m.rec.msg.Headers, key) }

func (m *memoryMessage) ID() string           { return m.topic.name + "/" + strconv.Itoa(m.idx) }
func (m *memoryMessage) Topic() string        { return m.topic.name }
func (m *memoryMessage) Timestamp() time.Time { return m.rec.at }

func (m *memoryMessage) Ack(context.Context) error {
	if !m.claim() {
		return nil
	}
	m.topic.mu.Lock()
	m.topic.acked[m.group]++
	m.topic.mu.Unlock()
	return nil
}

func (m *memoryMessage) Nack(context.Context) error {
	if !m.claim() {
		return nil
	}
	m.topic.mu.Lock()
	m.topic.retry[m.group] = append(m.topic.retry[m.group], m.idx)
	m.topic.wakeLocked()
	m.topic.mu.Unlock()
	return nil
}

package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader fetches ahead like kafka-go does: FetchMessage returns the next
// message whether or not earlier ones were committed.
type fakeReader struct {
	mu      sync.Mutex
	pending []kafka.Message
	commits []string
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.commits = append(r.commits, string(m.Value))
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commits...)
}

type fakeWriter struct {
	partition int
	offset    int64
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for i := range msgs {
		msgs[i].Partition = w.partition
		msgs[i].Offset = w.offset + int64(i)
	}
	kafkaCompletion(msgs, nil)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func kafkaRecords(partition int, labels ...string) []kafka.Message {
	out := make([]kafka.Message, len(labels))
	for i, l := range labels {
		out[i] = kafka.Message{Topic: "orders", Partition: partition, Offset: int64(i), Value: []byte(l)}
	}
	return out
}

func newTestKafka(t *testing.T, reader *fakeReader) *Kafka {
	t.Helper()

	k, err := NewKafka(KafkaConfig{
		Brokers:             []string{"localhost:9092"},
		RedeliveryBaseDelay: time.Millisecond,
		RedeliveryMaxDelay:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	k.newReader = func(kafka.ReaderConfig) kafkaReader { return reader }
	k.writer = &fakeWriter{}
	return k
}

// recorder acks everything except the labels in nacks, which are nacked the
// given number of times first (-1 means forever).
type recorder struct {
	mu      sync.Mutex
	nacks   map[string]int
	handled []string
}

func (r *recorder) handle(ctx context.Context, msg Message) error {
	label := string(msg.Body())

	r.mu.Lock()
	r.handled = append(r.handled, label)
	left, ok := r.nacks[label]
	if ok && left != 0 {
		r.nacks[label] = left - 1
	}
	r.mu.Unlock()

	if ok && left != 0 {
		return msg.Nack(ctx)
	}
	return msg.Ack(ctx)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handled...)
}

func (r *recorder) count(label string) int {
	n := 0
	for _, l := range r.seen() {
		if l == label {
			n++
		}
	}
	return n
}

func runConsume(t *testing.T, k *Kafka, h Handler, opts ...ConsumeOption) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- k.Consume(ctx, "orders", h, append([]ConsumeOption{WithGroup("g1")}, opts...)...)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func TestKafka_NackedMessageIsRedeliveredBeforeNext(t *testing.T) {
	reader := &fakeReader{pending: kafkaRecords(0, "m0", "m1", "m2")}
	k := newTestKafka(t, reader)
	rec := &recorder{nacks: map[string]int{"m1": 2}}

	cancel, done := runConsume(t, k, rec.handle)

	require.Eventually(t, func() bool { return len(reader.committed()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"m0", "m1", "m2"}, reader.committed())
	assert.Equal(t, []string{"m0", "m1", "m1", "m1", "m2"}, rec.seen())
}

func TestKafka_StopDoesNotCommitPastNack(t *testing.T) {
	reader := &fakeReader{pending: kafkaRecords(0, "m0", "m1", "m2")}
	k := newTestKafka(t, reader)
	rec := &recorder{nacks: map[string]int{"m1": -1}}

	cancel, done := runConsume(t, k, rec.handle)

	require.Eventually(t, func() bool { return rec.count("m1") >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}

	assert.Equal(t, []string{"m0"}, reader.committed())
	assert.Zero(t, rec.count("m2"))
}

func TestKafka_UnansweredMessageIsRedelivered(t *testing.T) {
	reader := &fakeReader{pending: kafkaRecords(0, "m0")}
	k := newTestKafka(t, reader)

	var mu sync.Mutex
	calls := 0
	cancel, done := runConsume(t, k, func(ctx context.Context, msg Message) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil
		}
		return msg.Ack(ctx)
	})

	require.Eventually(t, func() bool { return len(reader.committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestKafka_PartitionsProgressIndependently(t *testing.T) {
	p0 := kafkaRecords(0, "p0-m0")
	p1 := kafkaRecords(1, "p1-m0", "p1-m1")
	reader := &fakeReader{pending: []kafka.Message{p0[0], p1[0], p1[1]}}
	k := newTestKafka(t, reader)
	rec := &recorder{nacks: map[string]int{"p0-m0": -1}}

	cancel, done := runConsume(t, k, rec.handle, WithConcurrency(2))

	require.Eventually(t, func() bool { return len(reader.committed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"p1-m0", "p1-m1"}, reader.committed())
	assert.GreaterOrEqual(t, rec.count("p0-m0"), 1)
}

func TestKafka_PublishReportsPosition(t *testing.T) {
	k := newTestKafka(t, &fakeReader{})
	k.writer = &fakeWriter{partition: 3, offset: 42}

	res, err := k.Publish(context.Background(), "orders", OutgoingMessage{Body: []byte("x"), Key: []byte("k")})
	require.NoError(t, err)

	assert.Equal(t, "orders", res.Topic)
	assert.Equal(t, 3, res.Partition)
	assert.Equal(t, int64(42), res.Offset)
	assert.Equal(t, fmt.Sprintf("orders/%d/%d", 3, 42), res.MessageID)
}

func TestKafkaCompletion_IgnoresFailedBatch(t *testing.T) {
	pos := &kafkaPosition{partition: -1, offset: -1}
	kafkaCompletion([]kafka.Message{{Partition: 1, Offset: 7, WriterData: pos}}, assert.AnError)

	assert.False(t, pos.set)
	assert.Equal(t, -1, pos.partition)
}

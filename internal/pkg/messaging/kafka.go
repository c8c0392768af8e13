package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrKafkaBrokersRequired is returned when no Kafka brokers are configured.
	ErrKafkaBrokersRequired = errors.New("messaging: kafka brokers are required")
	// ErrKafkaGroupRequired is returned when a consumer group is not provided.
	ErrKafkaGroupRequired = errors.New("messaging: kafka consumer group is required")
)

// KafkaConfig configures the Kafka implementation.
type KafkaConfig struct {
	Brokers []string
	// Dialer configures reader connections; nil uses kafka-go defaults.
	Dialer *kafka.Dialer
	// BatchTimeout bounds how long the writer waits to fill a batch.
	BatchTimeout time.Duration
	// RequiredAcks defaults to all in-sync replicas.
	RequiredAcks kafka.RequiredAcks
	// MinBytes/MaxBytes tune reader fetches.
	MinBytes int
	MaxBytes int
	// StartOffset applies to groups without a committed offset.
	StartOffset int64
	// RedeliveryBaseDelay and RedeliveryMaxDelay bound the backoff between
	// redeliveries of a nacked message.
	RedeliveryBaseDelay time.Duration
	RedeliveryMaxDelay  time.Duration
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaPosition travels in Message.WriterData and is filled by the writer's
// completion callback before WriteMessages returns.
type kafkaPosition struct {
	partition int
	offset    int64
	set       bool
}

func kafkaCompletion(msgs []kafka.Message, err error) {
	if err != nil {
		return
	}
	for _, m := range msgs {
		if pos, ok := m.WriterData.(*kafkaPosition); ok {
			pos.partition = m.Partition
			pos.offset = m.Offset
			pos.set = true
		}
	}
}

// Kafka is a messaging implementation backed by kafka-go.
//
// Publishing hashes the message key onto a partition, so all messages that
// share a key keep their relative order. Consuming handles each partition on
// one goroutine and never commits past a nacked message: it is redelivered in
// place until it is acked or the consumer stops.
type Kafka struct {
	cfg       KafkaConfig
	writer    kafkaWriter
	newReader func(kafka.ReaderConfig) kafkaReader

	mu      sync.Mutex
	readers []kafkaReader
	closed  bool
}

// NewKafka constructs a Kafka messaging client.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrKafkaBrokersRequired
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireAll
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.StartOffset == 0 {
		cfg.StartOffset = kafka.FirstOffset
	}
	if cfg.RedeliveryBaseDelay <= 0 {
		cfg.RedeliveryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RedeliveryMaxDelay <= 0 {
		cfg.RedeliveryMaxDelay = 30 * time.Second
	}
	cfg.RedeliveryMaxDelay = max(cfg.RedeliveryMaxDelay, cfg.RedeliveryBaseDelay)

	return &Kafka{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           cfg.RequiredAcks,
			AllowAutoTopicCreation: true,
			Completion:             kafkaCompletion,
		},
		newReader: func(rc kafka.ReaderConfig) kafkaReader { return kafka.NewReader(rc) },
	}, nil
}

// Close shuts down all Kafka readers and the writer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	readers := k.readers
	k.readers = nil
	k.mu.Unlock()

	var closeErr error
	for _, r := range readers {
		closeErr = errors.Join(closeErr, r.Close())
	}
	return errors.Join(closeErr, k.writer.Close())
}

// Publish writes a message to a Kafka topic and waits for the broker acks.
func (k *Kafka) Publish(ctx context.Context, destination string, msg OutgoingMessage) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, err
	}
	if destination == "" {
		return PublishResult{}, ErrDestinationRequired
	}
	if k.isClosed() {
		return PublishResult{}, io.ErrClosedPipe
	}

	pos := &kafkaPosition{partition: -1, offset: -1}
	kmsg := kafka.Message{
		Topic:      destination,
		Key:        msg.Key,
		Value:      msg.Body,
		Time:       time.Now().UTC(),
		WriterData: pos,
	}
	for _, h := range msg.Headers {
		if h.Key != "" {
			kmsg.Headers = append(kmsg.Headers, kafka.Header{Key: h.Key, Value: h.Value})
		}
	}

	if err := k.writer.WriteMessages(ctx, kmsg); err != nil {
		return PublishResult{}, fmt.Errorf("messaging: kafka publish: %w", err)
	}

	res := PublishResult{
		Topic:     destination,
		Partition: pos.partition,
		Offset:    pos.offset,
		Timestamp: kmsg.Time,
	}
	if pos.set {
		res.MessageID = fmt.Sprintf("%s/%d/%d", destination, pos.partition, pos.offset)
	}
	return res, nil
}

// Consume fetches messages from a topic as part of a consumer group. Offsets
// are committed only through Message.Ack.
func (k *Kafka) Consume(ctx context.Context, source string, handler Handler, opts ...ConsumeOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if source == "" {
		return ErrDestinationRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}
	co := newConsumeOptions(opts...)
	if co.group == "" {
		return ErrKafkaGroupRequired
	}

	reader := k.newReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupID:     co.group,
		Topic:       source,
		Dialer:      k.cfg.Dialer,
		MinBytes:    k.cfg.MinBytes,
		MaxBytes:    k.cfg.MaxBytes,
		StartOffset: k.cfg.StartOffset,
	})
	if err := k.track(reader); err != nil {
		return errors.Join(err, reader.Close())
	}
	defer k.untrack(reader)

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Messages of one partition always go to the same worker so offsets are
	// committed in order.
	lanes := make([]chan kafka.Message, co.concurrency)
	for i := range lanes {
		lanes[i] = make(chan kafka.Message)
	}
	errCh := make(chan error, co.concurrency+1)

	go func() {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			m, err := reader.FetchMessage(consumeCtx)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case lanes[m.Partition%len(lanes)] <- m:
			case <-consumeCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for _, lane := range lanes {
		wg.Go(func() {
			for m := range lane {
				if err := k.deliver(consumeCtx, reader, m, handler, co.autoAck); err != nil {
					errCh <- err
					cancel()
					return
				}
			}
		})
	}

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	wg.Wait()

	closeErr := reader.Close()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(err, closeErr)
	}
	return errors.Join(fmt.Errorf("messaging: kafka consume: %w", err), closeErr)
}

// deliver hands m to handler until it is acked. A nacked or unanswered
// message is offered again after a backoff; the partition does not advance
// meanwhile. It returns ctx.Err() when the consumer stops first.
func (k *Kafka) deliver(ctx context.Context, reader kafkaReader, m kafka.Message, handler Handler, autoAck bool) error {
	b := retry.WithCappedDuration(k.cfg.RedeliveryMaxDelay, retry.NewExponential(k.cfg.RedeliveryBaseDelay))

	for attempt := 1; ; attempt++ {
		km := &kafkaMessage{reader: reader, msg: m}
		if err := handle(ctx, "kafka", km, handler, autoAck); err != nil {
			return err
		}
		if km.acked.Load() {
			return nil
		}

		delay, _ := b.Next()
		slog.DebugContext(ctx, "messaging: kafka redelivery scheduled",
			"id", km.ID(), "attempt", attempt, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (k *Kafka) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

func (k *Kafka) track(reader kafkaReader) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return io.ErrClosedPipe
	}
	k.readers = append(k.readers, reader)
	return nil
}

func (k *Kafka) untrack(reader kafkaReader) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, r := range k.readers {
		if r == reader {
			k.readers = append(k.readers[:i], k.readers[i+1:]...)
			return
		}
	}
}

type kafkaMessage struct {
	responder
	reader kafkaReader
	msg    kafka.Message
	acked  atomic.Bool
}

func (m *kafkaMessage) Body() []byte { return m.msg.Value }
func (m *kafkaMessage) Key() []byte  { return m.msg.Key }

func (m *kafkaMessage) Headers() []Header {
	out := make([]Header, 0, len(m.msg.Headers))
	for _, h := range m.msg.Headers {
		out = append(out, Header{Key: h.Key, Value: h.Value})
	}
	return out
}

func (m *kafkaMessage) Header(key string) string {
	for _, h := range m.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (m *kafkaMessage) ID() string {
	return fmt.Sprintf("%s/%d/%d", m.msg.Topic, m.msg.Partition, m.msg.Offset)
}

func (m *kafkaMessage) Topic() string        { return m.msg.Topic }
func (m *kafkaMessage) Timestamp() time.Time { return m.msg.Time }

func (m *kafkaMessage) Ack(ctx context.Context) error {
	if !m.claim() {
		return nil
	}
	if err := m.reader.CommitMessages(ctx, m.msg); err != nil {
		return err
	}
	m.acked.Store(true)
	return nil
}

// Nack leaves the offset uncommitted; the consumer redelivers the message
// before moving on in its partition.
func (m *kafkaMessage) Nack(context.Context) error {
	m.claim()
	return nil
}

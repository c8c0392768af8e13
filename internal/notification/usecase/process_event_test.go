package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shandysiswandi/notifyd/internal/notification/delivery"
	"github.com/shandysiswandi/notifyd/internal/notification/dispatch"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/deadletter"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/gateway"
	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
	"github.com/shandysiswandi/notifyd/internal/pkg/config"
	"github.com/shandysiswandi/notifyd/internal/pkg/idempotency"
	"github.com/shandysiswandi/notifyd/internal/pkg/storage"
	"github.com/shandysiswandi/notifyd/internal/pkg/uid"
	"github.com/shandysiswandi/notifyd/internal/pkg/validator"
	"github.com/shandysiswandi/notifyd/internal/shared/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderFunc func(ctx context.Context, ch dispatch.Channel, recipient string, content dispatch.Content) error

func (f senderFunc) Send(ctx context.Context, ch dispatch.Channel, recipient string, content dispatch.Content) error {
	return f(ctx, ch, recipient, content)
}

var okSender = senderFunc(func(context.Context, dispatch.Channel, string, dispatch.Content) error { return nil })

type harness struct {
	uc       *Usecase
	codec    *event.Codec
	ledger   idempotency.Ledger
	pool     *delivery.Pool
	archive  *storage.Memory
	registry *prometheus.Registry
}

const testConfig = `
notification:
  event_timeout: 2s
  inflight_recheck_interval: 1ms
  inflight_rechecks: 2
`

func newHarness(t *testing.T, sender delivery.Sender, cfgYAML string) *harness {
	t.Helper()

	cfg, err := config.NewViperFromBytes("yaml", "", []byte(cfgYAML))
	require.NoError(t, err)

	codec, err := event.NewCodec()
	require.NoError(t, err)

	ids, err := uid.NewSnowflakeNode(1)
	require.NoError(t, err)
	rt, err := dispatch.NewRouter(ids, dispatch.DefaultTable())
	require.NoError(t, err)

	pool, err := delivery.New(delivery.Dependency{
		Sender: sender,
		Config: delivery.Config{Workers: 2, QueueSize: 8, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	v, err := validator.NewV10Validator()
	require.NoError(t, err)

	archive := storage.NewMemory()
	ledger := idempotency.NewMemory(idempotency.Options{Lease: cfg.GetDuration("ledger.lease")})
	registry := prometheus.NewRegistry()

	uc, err := New(Dependency{
		Codec:      codec,
		Ledger:     ledger,
		Router:     rt,
		Pool:       pool,
		DeadLetter: deadletter.New(deadletter.Dependency{Storage: archive}),
		Config:     cfg,
		Validator:  v,
		Registerer: registry,
	})
	require.NoError(t, err)

	return &harness{uc: uc, codec: codec, ledger: ledger, pool: pool, archive: archive, registry: registry}
}

func (h *harness) encode(t *testing.T, e event.Event) []byte {
	t.Helper()

	raw, err := h.codec.Encode(e)
	require.NoError(t, err)
	return raw
}

func (h *harness) entry(t *testing.T, key string) idempotency.Entry {
	t.Helper()

	e, err := h.ledger.Get(context.Background(), key)
	require.NoError(t, err)
	return e
}

func (h *harness) archived(t *testing.T) []storage.ObjectInfo {
	t.Helper()

	objects, err := h.archive.List(context.Background(), "", 0)
	require.NoError(t, err)
	return objects
}

func TestProcessEvent_CompleteThenSkipRedelivery(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, senderFunc(func(_ context.Context, ch dispatch.Channel, recipient string, _ dispatch.Content) error {
		calls.Add(1)
		assert.Equal(t, dispatch.ChannelEmail, ch)
		assert.Equal(t, "buyer@example.com", recipient)
		return nil
	}), testConfig)

	e := event.NewFactory().NewPurchaseSlotAcquired("buyer@example.com", "한정판 스니커즈")
	raw := h.encode(t, e)

	out := h.uc.ProcessEvent(context.Background(), raw)
	assert.Equal(t, StateComplete, out.State)
	assert.True(t, out.Ack())
	assert.Equal(t, e.ID, out.EventID)
	require.Len(t, out.Results, 1)
	assert.Equal(t, delivery.StatusDone, out.Results[0].Status)
	assert.Equal(t, idempotency.StatusDone, h.entry(t, e.ID).Status)

	out = h.uc.ProcessEvent(context.Background(), raw)
	assert.Equal(t, StateSkipped, out.State)
	assert.True(t, out.Ack())
	assert.Equal(t, int32(1), calls.Load())

	assert.InDelta(t, 1, testutil.ToFloat64(h.uc.metrics.events.WithLabelValues("COMPLETE", "ack")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.uc.metrics.events.WithLabelValues("SKIPPED", "ack")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.uc.metrics.tasks.WithLabelValues("email", "DONE", "")), 0)
}

func TestProcessEvent_UnknownTypeAdvances(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "with user fields",
			raw:  `{"eventId":"evt-new","eventType":"ORDER_SHIPPED","occurredAt":"2026-03-01T12:00:00Z","userId":"user-1","email":"a@example.com"}`,
		},
		{
			name: "without user fields",
			raw:  `{"eventId":"evt-new","eventType":"ORDER_SHIPPED","occurredAt":"2026-03-01T12:00:00Z","orderId":"order-1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			h := newHarness(t, senderFunc(func(context.Context, dispatch.Channel, string, dispatch.Content) error {
				calls.Add(1)
				return nil
			}), testConfig)

			out := h.uc.ProcessEvent(context.Background(), []byte(tt.raw))
			assert.Equal(t, StateComplete, out.State)
			assert.True(t, out.Ack())
			assert.Empty(t, out.Results)
			assert.Equal(t, event.Type("ORDER_SHIPPED"), out.EventType)
			assert.Zero(t, calls.Load())
			assert.Equal(t, idempotency.StatusDone, h.entry(t, "evt-new").Status)
			assert.Empty(t, h.archived(t))
		})
	}
}

func TestProcessEvent_MalformedIsDeadLettered(t *testing.T) {
	h := newHarness(t, okSender, testConfig)

	tests := []struct {
		name string
		raw  string
		id   string
	}{
		{name: "not json", raw: `{"eventId":`},
		{name: "missing email", raw: `{"eventId":"evt-x","eventType":"NEW_USER_REGISTERED","occurredAt":"2026-03-01T12:00:00Z","userId":"u","userName":"n"}`},
		{name: "bad timestamp", raw: `{"eventId":"evt-y","eventType":"NEW_USER_REGISTERED","occurredAt":"yesterday","userId":"u","email":"a@example.com","userName":"n"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.uc.ProcessEvent(context.Background(), []byte(tt.raw))
			assert.Equal(t, StateDecodeFail, out.State)
			assert.True(t, out.Ack())
			assert.Equal(t, ReasonSchemaViolation, out.Reason)
			require.NotEmpty(t, out.DeadLetterKey)

			dl, err := h.uc.GetDeadLetter(context.Background(), GetDeadLetterInput{Key: out.DeadLetterKey})
			require.NoError(t, err)
			assert.Equal(t, deadletter.StageDecode, dl.Stage)
			assert.Equal(t, []byte(tt.raw), dl.Payload)
			assert.NotEmpty(t, dl.Error)
		})
	}

	_, err := h.ledger.Get(context.Background(), "evt-x")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

type brokenDeadLetters struct{ deadLetters }

func (brokenDeadLetters) Put(context.Context, deadletter.Entry) (deadletter.Entry, error) {
	return deadletter.Entry{}, errors.New("storage: bucket unavailable")
}

func TestProcessEvent_RejectedPayloadWaitsForDeadLetter(t *testing.T) {
	h := newHarness(t, okSender, testConfig)
	h.uc.deadLetter = brokenDeadLetters{}

	out := h.uc.ProcessEvent(context.Background(), []byte(`{"eventId":`))

	assert.Equal(t, StateDecodeFail, out.State)
	assert.False(t, out.Ack())
	assert.Equal(t, ReasonDeadLetterUnavailable, out.Reason)
	assert.Empty(t, out.DeadLetterKey)
	assert.InDelta(t, 1, testutil.ToFloat64(h.uc.metrics.events.WithLabelValues("DECODE_FAIL", "nack")), 0)
}

func TestProcessEvent_RenderFailureFailsTask(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, senderFunc(func(context.Context, dispatch.Channel, string, dispatch.Content) error {
		calls.Add(1)
		return nil
	}), testConfig)

	// The sample user name is long enough; "Al" is not.
	rt, err := dispatch.NewRouter(&seqTaskID{}, []byte(`
routes:
  NEW_USER_REGISTERED:
    - channel: email
      subject: "welcome"
      body: "initial {{index .UserName 3}}"
`))
	require.NoError(t, err)
	h.uc.router = rt

	e := event.NewFactory().NewUserRegistered("al@example.com", "Al")
	out := h.uc.ProcessEvent(context.Background(), h.encode(t, e))

	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Ack())
	assert.Equal(t, string(delivery.ReasonRender), out.Reason)
	require.Len(t, out.Results, 1)
	assert.Equal(t, delivery.StatusFailed, out.Results[0].Status)
	assert.Error(t, out.Results[0].Err)
	assert.Zero(t, calls.Load())

	entry := h.entry(t, e.ID)
	assert.Equal(t, idempotency.StatusFailed, entry.Status)
	assert.Equal(t, "render", entry.Reason)

	dl, err := h.uc.GetDeadLetter(context.Background(), GetDeadLetterInput{Key: out.DeadLetterKey})
	require.NoError(t, err)
	require.Len(t, dl.Tasks, 1)
	assert.Equal(t, "render", dl.Tasks[0].Reason)
	assert.Zero(t, dl.Tasks[0].Attempts)
}

type seqTaskID struct{ n atomic.Uint64 }

func (s *seqTaskID) Generate() uint64 { return s.n.Add(1) }

func TestProcessEvent_PermanentFailure(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, senderFunc(func(context.Context, dispatch.Channel, string, dispatch.Content) error {
		calls.Add(1)
		return gateway.Permanent(gateway.ErrInvalidRecipient)
	}), testConfig)

	e := event.NewFactory().NewPasswordResetRequested("forgot@example.com")
	out := h.uc.ProcessEvent(context.Background(), h.encode(t, e))

	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Ack())
	assert.Equal(t, string(delivery.ReasonPermanent), out.Reason)
	assert.Equal(t, int32(1), calls.Load())

	entry := h.entry(t, e.ID)
	assert.Equal(t, idempotency.StatusFailed, entry.Status)
	assert.Equal(t, "permanent", entry.Reason)

	dl, err := h.uc.GetDeadLetter(context.Background(), GetDeadLetterInput{Key: out.DeadLetterKey})
	require.NoError(t, err)
	assert.Equal(t, deadletter.StageDispatch, dl.Stage)
	require.Len(t, dl.Tasks, 1)
	assert.Equal(t, "forgot@example.com", dl.Tasks[0].Recipient)
	assert.Equal(t, 1, dl.Tasks[0].Attempts)

	out = h.uc.ProcessEvent(context.Background(), h.encode(t, e))
	assert.Equal(t, StateSkipped, out.State)
}

func TestProcessEvent_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, senderFunc(func(context.Context, dispatch.Channel, string, dispatch.Content) error {
		calls.Add(1)
		return gateway.Transient(errors.New("421 service not available"))
	}), testConfig)

	e := event.NewFactory().NewUserRegistered("test@example.com", "홍길동")
	out := h.uc.ProcessEvent(context.Background(), h.encode(t, e))

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, string(delivery.ReasonTransientExhausted), out.Reason)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, idempotency.StatusFailed, h.entry(t, e.ID).Status)
}

func TestProcessEvent_DeadlineForcesTimeout(t *testing.T) {
	h := newHarness(t, senderFunc(func(ctx context.Context, _ dispatch.Channel, _ string, _ dispatch.Content) error {
		<-ctx.Done()
		return gateway.Transient(ctx.Err())
	}), "notification:\n  event_timeout: 50ms\n")

	e := event.NewFactory().NewPurchaseSlotAcquired("buyer@example.com", "sneakers")

	start := time.Now()
	out := h.uc.ProcessEvent(context.Background(), h.encode(t, e))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Ack())
	assert.Equal(t, string(delivery.ReasonTimeout), out.Reason)

	entry := h.entry(t, e.ID)
	assert.Equal(t, idempotency.StatusFailed, entry.Status)
	assert.Equal(t, "timeout", entry.Reason)
	assert.Len(t, h.archived(t), 1)
}

func TestProcessEvent_TimeoutStaysInsideLease(t *testing.T) {
	var inFlight, peak atomic.Int32
	h := newHarness(t, senderFunc(func(ctx context.Context, _ dispatch.Channel, _ string, _ dispatch.Content) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-ctx.Done()
		return gateway.Transient(ctx.Err())
	}), "notification:\n  event_timeout: 1s\nledger:\n  lease: 50ms\n")

	e := event.NewFactory().NewUserRegistered("test@example.com", "홍길동")
	raw := h.encode(t, e)

	first := make(chan Outcome, 1)
	start := time.Now()
	go func() { first <- h.uc.ProcessEvent(context.Background(), raw) }()

	time.Sleep(100 * time.Millisecond)
	second := h.uc.ProcessEvent(context.Background(), raw)
	out := <-first

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, string(delivery.ReasonTimeout), out.Reason)
	assert.Equal(t, StateSkipped, second.State)
}

func TestValidateTimeouts(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		lease   time.Duration
		wantErr bool
	}{
		{name: "defaults", wantErr: false},
		{name: "lease covers timeout and finalize", timeout: 30 * time.Second, lease: time.Minute, wantErr: false},
		{name: "lease shorter than timeout", timeout: time.Second, lease: 50 * time.Millisecond, wantErr: true},
		{name: "no room to finalize", timeout: 30 * time.Second, lease: 35 * time.Second, wantErr: true},
		{name: "default timeout against short lease", lease: 20 * time.Second, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTimeouts(tt.timeout, tt.lease)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestProcessEvent_InFlightIsDeferred(t *testing.T) {
	h := newHarness(t, okSender, testConfig)

	e := event.NewFactory().NewUserRegistered("test@example.com", "홍길동")
	d, err := h.ledger.TryAcquire(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, idempotency.Granted, d)

	out := h.uc.ProcessEvent(context.Background(), h.encode(t, e))
	assert.Equal(t, StateDeferred, out.State)
	assert.False(t, out.Ack())
	assert.Equal(t, ReasonAlreadyInFlight, out.Reason)

	require.NoError(t, h.ledger.MarkDone(context.Background(), e.ID))
	out = h.uc.ProcessEvent(context.Background(), h.encode(t, e))
	assert.Equal(t, StateSkipped, out.State)
}

type brokenLedger struct{ idempotency.Ledger }

func (brokenLedger) TryAcquire(context.Context, string) (idempotency.Decision, error) {
	return 0, errors.New("redis: connection refused")
}

func TestProcessEvent_LedgerUnavailableIsDeferred(t *testing.T) {
	h := newHarness(t, okSender, testConfig)
	h.uc.ledger = brokenLedger{}

	e := event.NewFactory().NewUserRegistered("test@example.com", "홍길동")
	out := h.uc.ProcessEvent(context.Background(), h.encode(t, e))

	assert.Equal(t, StateDeferred, out.State)
	assert.False(t, out.Ack())
	assert.Equal(t, ReasonLedgerUnavailable, out.Reason)
}

func TestProcessEvent_PoolClosedLeavesPending(t *testing.T) {
	h := newHarness(t, okSender, testConfig)
	require.NoError(t, h.pool.Close())

	e := event.NewFactory().NewUserRegistered("test@example.com", "홍길동")
	out := h.uc.ProcessEvent(context.Background(), h.encode(t, e))

	assert.Equal(t, StateDeferred, out.State)
	assert.False(t, out.Ack())
	assert.Equal(t, ReasonShuttingDown, out.Reason)
	assert.Equal(t, idempotency.StatusPending, h.entry(t, e.ID).Status)
}

type shedPool struct{}

func (shedPool) Submit(context.Context, dispatch.Task) (*delivery.Future, error) {
	return nil, delivery.ErrBackpressure
}

func (shedPool) Stats() delivery.Stats { return delivery.Stats{Shed: 1} }

func TestProcessEvent_BackpressureFailsEvent(t *testing.T) {
	h := newHarness(t, okSender, testConfig)
	h.uc.pool = shedPool{}

	e := event.NewFactory().NewUserRegistered("test@example.com", "홍길동")
	out := h.uc.ProcessEvent(context.Background(), h.encode(t, e))

	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Ack())
	assert.Equal(t, string(delivery.ReasonBackpressure), out.Reason)
	assert.Equal(t, int64(1), h.uc.PoolStats().Shed)
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(Dependency{Registerer: reg, Clock: clock.New()})
	require.NoError(t, err)

	_, err = New(Dependency{Registerer: reg})
	assert.Error(t, err)
}

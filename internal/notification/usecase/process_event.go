package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shandysiswandi/notifyd/internal/notification/delivery"
	"github.com/shandysiswandi/notifyd/internal/notification/dispatch"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/deadletter"
	"github.com/shandysiswandi/notifyd/internal/pkg/idempotency"
	"github.com/shandysiswandi/notifyd/internal/shared/event"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// State is a step of the per-event state machine:
// RECEIVED -> DECODE_OK | DECODE_FAIL -> LEDGER_CHECK -> DISPATCH_SUBMITTED ->
// COMPLETE | FAILED. SKIPPED and DEFERRED end the ledger check early.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateDecodeOK          State = "DECODE_OK"
	StateDecodeFail        State = "DECODE_FAIL"
	StateLedgerCheck       State = "LEDGER_CHECK"
	StateDispatchSubmitted State = "DISPATCH_SUBMITTED"
	StateComplete          State = "COMPLETE"
	StateFailed            State = "FAILED"
	// StateSkipped is a redelivery of an event that already reached DONE or FAILED.
	StateSkipped State = "SKIPPED"
	// StateDeferred leaves the message unacknowledged for a later redelivery.
	StateDeferred State = "DEFERRED"
)

// Action tells the consumer what to do with the broker message.
type Action string

const (
	ActionAck  Action = "ack"
	ActionNack Action = "nack"
)

// Reasons reported on outcomes that are not COMPLETE, besides the delivery
// failure reasons.
const (
	ReasonSchemaViolation   = "schema_violation"
	ReasonAlreadyDone       = "already_done"
	ReasonAlreadyInFlight   = "already_in_flight"
	ReasonLedgerUnavailable = "ledger_unavailable"
	ReasonShuttingDown      = "shutting_down"

	// ReasonDeadLetterUnavailable leaves a rejected payload unacknowledged
	// until it has been recorded.
	ReasonDeadLetterUnavailable = "dead_letter_unavailable"
)

// Outcome is the result of processing one message.
type Outcome struct {
	EventID       string
	EventType     event.Type
	State         State
	Action        Action
	Reason        string
	Results       []delivery.Result
	DeadLetterKey string
}

// Ack reports whether the message may be acknowledged (offset committed).
func (o Outcome) Ack() bool { return o.Action == ActionAck }

func (o Outcome) end(state State, action Action, reason string) Outcome {
	o.State, o.Action, o.Reason = state, action, reason
	return o
}

// ProcessEvent runs one raw message through decode, ledger, routing and
// delivery. It never blocks past the configured event timeout plus the time
// needed to record the terminal state.
func (s *Usecase) ProcessEvent(ctx context.Context, raw []byte) Outcome {
	ctx, span := s.startSpan(ctx, "ProcessEvent")
	defer span.End()

	start := time.Now()
	out := s.process(ctx, raw)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("event.id", out.EventID),
		attribute.String("event.type", out.EventType.String()),
		attribute.String("event.state", string(out.State)),
		attribute.Int("event.tasks", len(out.Results)),
	)
	if out.State == StateFailed || out.State == StateDecodeFail {
		span.SetStatus(codes.Error, out.Reason)
	}

	s.metrics.events.WithLabelValues(string(out.State), string(out.Action)).Inc()
	s.metrics.duration.WithLabelValues(string(out.State)).Observe(elapsed.Seconds())
	for _, r := range out.Results {
		s.metrics.tasks.WithLabelValues(r.Task.Channel.String(), string(r.Status), string(r.Reason)).Inc()
	}

	slog.InfoContext(ctx, "notification: event processed",
		"event_id", out.EventID,
		"event_type", out.EventType,
		"state", out.State,
		"action", out.Action,
		"reason", out.Reason,
		"tasks", len(out.Results),
		"latency_ms", elapsed.Milliseconds(),
	)
	return out
}

func (s *Usecase) process(ctx context.Context, raw []byte) Outcome {
	e, err := s.codec.Decode(raw)
	if err != nil {
		var sv *event.SchemaViolation
		if !errors.Is(err, event.ErrUnknownEventType) || !errors.As(err, &sv) || sv.EventID == "" {
			return s.reject(ctx, raw, err)
		}
		// Newer producers may emit types this build has no route for. The
		// router logs and yields no tasks, so the event completes.
		e = event.Event{ID: sv.EventID, Type: sv.EventType}
	}
	out := Outcome{EventID: e.ID, EventType: e.Type, State: StateDecodeOK}

	ctx, cancel := context.WithTimeout(ctx, s.eventTimeout())
	defer cancel()

	out.State = StateLedgerCheck
	decision, err := s.acquire(ctx, e.ID)
	if err != nil {
		slog.ErrorContext(ctx, "notification: ledger acquire failed", "event_id", e.ID, "error", err)
		return out.end(StateDeferred, ActionNack, ReasonLedgerUnavailable)
	}
	switch decision {
	case idempotency.AlreadyDone:
		return out.end(StateSkipped, ActionAck, ReasonAlreadyDone)
	case idempotency.AlreadyInFlight:
		return out.end(StateDeferred, ActionNack, ReasonAlreadyInFlight)
	}

	tasks := s.router.Route(ctx, e)
	if len(tasks) == 0 {
		s.markDone(ctx, e.ID)
		return out.end(StateComplete, ActionAck, "")
	}

	out.State = StateDispatchSubmitted
	results, closed := s.dispatch(ctx, tasks)
	out.Results = results
	if closed {
		// The entry stays PENDING; its lease lets a redelivery take it over.
		return out.end(StateDeferred, ActionNack, ReasonShuttingDown)
	}

	failure, ok := firstFailure(results)
	if !ok {
		s.markDone(ctx, e.ID)
		return out.end(StateComplete, ActionAck, "")
	}

	reason := string(failure.Reason)
	s.markFailed(ctx, e.ID, reason)
	// The ledger already says FAILED, so a redelivery would be skipped; a lost
	// dead letter is only logged here.
	out.DeadLetterKey, _ = s.putDeadLetter(ctx, deadletter.Entry{
		EventID:   e.ID,
		EventType: e.Type.String(),
		Stage:     deadletter.StageDispatch,
		Reason:    reason,
		Error:     errString(failure.Err),
		Tasks:     summarize(results),
		Payload:   raw,
	})
	return out.end(StateFailed, ActionAck, reason)
}

// reject dead-letters a payload that failed decoding. The ledger is left
// untouched: the id, if any, came from an invalid document.
func (s *Usecase) reject(ctx context.Context, raw []byte, err error) Outcome {
	out := Outcome{State: StateDecodeFail}
	var sv *event.SchemaViolation
	if errors.As(err, &sv) {
		out.EventID, out.EventType = sv.EventID, sv.EventType
	}

	slog.WarnContext(ctx, "notification: payload rejected", "event_id", out.EventID, "error", err)
	key, dlErr := s.putDeadLetter(ctx, deadletter.Entry{
		EventID:   out.EventID,
		EventType: out.EventType.String(),
		Stage:     deadletter.StageDecode,
		Reason:    ReasonSchemaViolation,
		Error:     err.Error(),
		Payload:   raw,
	})
	if dlErr != nil {
		// Nothing else keeps the payload; let the broker hold on to it.
		return out.end(StateDecodeFail, ActionNack, ReasonDeadLetterUnavailable)
	}
	out.DeadLetterKey = key
	return out.end(StateDecodeFail, ActionAck, ReasonSchemaViolation)
}

// acquire asks the ledger for key, re-checking an in-flight key a few times
// before giving up. The owner may be finishing right now.
func (s *Usecase) acquire(ctx context.Context, key string) (idempotency.Decision, error) {
	interval, rechecks := s.inFlightRecheck()

	for attempt := 0; ; attempt++ {
		d, err := s.ledger.TryAcquire(ctx, key)
		if err != nil || d != idempotency.AlreadyInFlight || attempt >= rechecks {
			return d, err
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return d, nil
		case <-t.C:
		}
	}
}

// dispatch submits every task and waits for all of them under ctx. closed
// reports that the pool is shutting down; results then cover only the tasks
// that were submitted.
func (s *Usecase) dispatch(ctx context.Context, tasks []dispatch.Task) (results []delivery.Result, closed bool) {
	futures := make([]*delivery.Future, 0, len(tasks))
	results = make([]delivery.Result, 0, len(tasks))

	for _, t := range tasks {
		if t.RenderErr != nil {
			results = append(results, delivery.Unrendered(t))
			continue
		}
		f, err := s.pool.Submit(ctx, t)
		if errors.Is(err, delivery.ErrClosed) {
			closed = true
			break
		}
		if err != nil {
			results = append(results, delivery.Rejected(t, err))
			continue
		}
		futures = append(futures, f)
	}

	for _, f := range futures {
		results = append(results, f.Wait(ctx))
	}
	return results, closed
}

func firstFailure(results []delivery.Result) (delivery.Result, bool) {
	for _, r := range results {
		if !r.Done() {
			return r, true
		}
	}
	return delivery.Result{}, false
}

// finalCtx outlives the event deadline so terminal states are still recorded
// after a timeout.
func finalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), defaultFinalizeTimeout)
}

func (s *Usecase) markDone(ctx context.Context, key string) {
	ctx, cancel := finalCtx(ctx)
	defer cancel()

	if err := s.ledger.MarkDone(ctx, key); err != nil {
		slog.ErrorContext(ctx, "notification: failed to mark event done", "event_id", key, "error", err)
	}
}

func (s *Usecase) markFailed(ctx context.Context, key, reason string) {
	ctx, cancel := finalCtx(ctx)
	defer cancel()

	if err := s.ledger.MarkFailed(ctx, key, reason); err != nil {
		slog.ErrorContext(ctx, "notification: failed to mark event failed", "event_id", key, "reason", reason, "error", err)
	}
}

// putDeadLetter returns the stored key. Without a configured sink the entry
// is dropped and no error is reported.
func (s *Usecase) putDeadLetter(ctx context.Context, e deadletter.Entry) (string, error) {
	if s.deadLetter == nil {
		slog.WarnContext(ctx, "notification: dead letter dropped, no sink configured", "event_id", e.EventID, "reason", e.Reason)
		return "", nil
	}

	ctx, cancel := finalCtx(ctx)
	defer cancel()

	stored, err := s.deadLetter.Put(ctx, e)
	if err != nil {
		slog.ErrorContext(ctx, "notification: failed to write dead letter", "event_id", e.EventID, "key", stored.Key, "error", err)
		return "", err
	}
	return stored.Key, nil
}

func summarize(results []delivery.Result) []deadletter.TaskSummary {
	out := make([]deadletter.TaskSummary, 0, len(results))
	for _, r := range results {
		out = append(out, deadletter.TaskSummary{
			ID:        r.Task.ID,
			Channel:   r.Task.Channel.String(),
			Recipient: r.Task.Recipient,
			Attempts:  r.Task.Attempts,
			Status:    string(r.Status),
			Reason:    string(r.Reason),
			Error:     errString(r.Err),
		})
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

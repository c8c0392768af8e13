package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shandysiswandi/notifyd/internal/pkg/instrument"
	"github.com/shandysiswandi/notifyd/internal/pkg/messaging"
	"github.com/shandysiswandi/notifyd/internal/pkg/uid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	keyOfCorrelationID string = "cID"

	ackTimeout = 5 * time.Second
)

type MQHandler struct {
	uc   uc
	uuid uid.StringID
	ins  instrument.Instrumentation
}

func (h *MQHandler) ensureCorrelationID(ctx context.Context, msg messaging.Message) context.Context {
	if cid := msg.Header(keyOfCorrelationID); cid != "" {
		return instrument.SetCorrelationID(ctx, cid)
	}
	return instrument.SetCorrelationID(ctx, h.uuid.Generate())
}

// NotificationRequest runs one message through the ingestion loop and then
// acks or nacks it. Only acknowledgement failures are returned.
//
// The event is processed detached from the consumer context: on shutdown an
// in-flight event still finishes under its own deadline and gets its verdict
// to the broker.
func (h *MQHandler) NotificationRequest(ctx context.Context, msg messaging.Message) error {
	ctx = h.ensureCorrelationID(context.WithoutCancel(ctx), msg)

	ctx, span := h.ins.Tracer("notification.inbound.mq").Start(ctx, "NotificationRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.message.id", msg.ID()),
		attribute.String("messaging.destination", msg.Topic()),
	)

	body := msg.Body()
	slog.DebugContext(ctx, "consume: notification request", "msg_id", msg.ID(), "msg_body", string(body))

	out := h.uc.ProcessEvent(ctx, body)

	actx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	if out.Ack() {
		if err := msg.Ack(actx); err != nil {
			slog.ErrorContext(ctx, "failed to ack notification request", "msg_id", msg.ID(), "event_id", out.EventID, "error", err)
			return fmt.Errorf("ack %s: %w", msg.ID(), err)
		}
		return nil
	}

	if err := msg.Nack(actx); err != nil {
		slog.ErrorContext(ctx, "failed to nack notification request", "msg_id", msg.ID(), "event_id", out.EventID, "error", err)
		return fmt.Errorf("nack %s: %w", msg.ID(), err)
	}
	return nil
}

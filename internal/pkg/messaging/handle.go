package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shandysiswandi/notifyd/internal/pkg/stacktrace"
)

// responder is embedded by every driver message so Ack/Nack fire at most once.
type responder struct {
	responded atomic.Bool
}

func (r *responder) claim() bool {
	return !r.responded.Swap(true)
}

func (r *responder) hasResponded() bool {
	return r.responded.Load()
}

type respondable interface {
	Message
	hasResponded() bool
}

// handle runs handler against msg and applies auto-ack when the handler left
// the message unanswered. Only acknowledgement failures are returned; handler
// errors are logged and left to the ack policy.
func handle(ctx context.Context, kind string, msg respondable, handler Handler, autoAck bool) error {
	herr := callWithRecover(ctx, kind, func() error { return handler(ctx, msg) })
	if herr != nil {
		slog.WarnContext(ctx, "messaging handler returned error", "kind", kind, "id", msg.ID(), "error", herr)
	}

	if !autoAck || msg.hasResponded() {
		return nil
	}
	if herr == nil {
		return msg.Ack(ctx)
	}
	return msg.Nack(ctx)
}

func callWithRecover(ctx context.Context, kind string, fn func() error) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			slog.ErrorContext(ctx, "panic in messaging handler", "kind", kind, "panic", rvr, "stack", stacktrace.Current())
			err = fmt.Errorf("messaging: panic in %s handler: %v", kind, rvr)
		}
	}()

	return fn()
}

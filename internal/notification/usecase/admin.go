package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shandysiswandi/notifyd/internal/notification/delivery"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/deadletter"
	"github.com/shandysiswandi/notifyd/internal/pkg/goerror"
	"github.com/shandysiswandi/notifyd/internal/pkg/idempotency"
)

type GetLedgerEntryInput struct {
	EventID string `json:"eventId" validate:"notblank,max=256"`
}

func (s *Usecase) GetLedgerEntry(ctx context.Context, in GetLedgerEntryInput) (*idempotency.Entry, error) {
	ctx, span := s.startSpan(ctx, "GetLedgerEntry")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	entry, err := s.ledger.Get(ctx, in.EventID)
	if errors.Is(err, idempotency.ErrNotFound) {
		return nil, goerror.NewNotFound("Ledger entry not found")
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to get ledger entry", "event_id", in.EventID, "error", err)
		return nil, goerror.NewServer(err)
	}
	return &entry, nil
}

type ListDeadLettersInput struct {
	// Date selects the archive day; zero means today (UTC).
	Date  time.Time
	Limit int `json:"limit" validate:"gte=0,lte=500"`
}

func (s *Usecase) ListDeadLetters(ctx context.Context, in ListDeadLettersInput) ([]deadletter.Entry, error) {
	ctx, span := s.startSpan(ctx, "ListDeadLetters")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}
	if in.Date.IsZero() {
		in.Date = s.clock.Now()
	}
	if in.Limit == 0 {
		in.Limit = defaultDeadLetterLimit
	}

	entries, err := s.deadLetter.List(ctx, in.Date, in.Limit)
	if errors.Is(err, deadletter.ErrArchiveDisabled) {
		return nil, goerror.NewUnavailable("Dead letter archive is not configured")
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to list dead letters", "date", in.Date, "error", err)
		return nil, goerror.NewServer(err)
	}
	return entries, nil
}

type GetDeadLetterInput struct {
	Key string `json:"key" validate:"notblank,max=1024"`
}

func (s *Usecase) GetDeadLetter(ctx context.Context, in GetDeadLetterInput) (*deadletter.Entry, error) {
	ctx, span := s.startSpan(ctx, "GetDeadLetter")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	entry, err := s.deadLetter.Get(ctx, in.Key)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		return nil, goerror.NewNotFound("Dead letter not found")
	case errors.Is(err, deadletter.ErrArchiveDisabled):
		return nil, goerror.NewUnavailable("Dead letter archive is not configured")
	case err != nil:
		slog.ErrorContext(ctx, "failed to get dead letter", "key", in.Key, "error", err)
		return nil, goerror.NewServer(err)
	}
	return &entry, nil
}

// PoolStats reports delivery pool counters.
func (s *Usecase) PoolStats() delivery.Stats {
	return s.pool.Stats()
}
